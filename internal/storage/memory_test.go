package storage_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/url-shortener/internal/shortener"
	"github.com/koopa0/url-shortener/internal/storage"
	"github.com/koopa0/url-shortener/pkg/base62"
)

func TestMemory_InsertDerived(t *testing.T) {
	m := storage.NewMemory()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		link := &shortener.Link{OriginalURL: "https://example.com"}
		require.NoError(t, m.InsertDerived(ctx, link, base62.Encode))
		assert.Equal(t, uint64(i), link.ID)
		assert.Equal(t, base62.Encode(uint64(i)), link.ShortCode)
	}
}

// 衍生短碼撞上自定義短碼時跳過該 ID
func TestMemory_InsertDerivedSkipsTakenCode(t *testing.T) {
	m := storage.NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Insert(ctx, &shortener.Link{OriginalURL: "https://a.example", ShortCode: "2"}))

	link := &shortener.Link{OriginalURL: "https://b.example"}
	require.NoError(t, m.InsertDerived(ctx, link, base62.Encode))
	assert.Equal(t, "3", link.ShortCode)
	assert.Equal(t, uint64(3), link.ID)
}

func TestMemory_InsertConflict(t *testing.T) {
	m := storage.NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Insert(ctx, &shortener.Link{OriginalURL: "https://a.example", ShortCode: "promo"}))

	err := m.Insert(ctx, &shortener.Link{OriginalURL: "https://b.example", ShortCode: "promo"})
	assert.ErrorIs(t, err, shortener.ErrAliasConflict)
	assert.Equal(t, 1, m.Len())

	exists, err := m.ExistsByCode(ctx, "promo")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = m.ExistsByCode(ctx, "other")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemory_FindReturnsCopy(t *testing.T) {
	m := storage.NewMemory()
	ctx := context.Background()

	link := &shortener.Link{OriginalURL: "https://example.com", ShortCode: "copy"}
	require.NoError(t, m.Insert(ctx, link))

	got, err := m.FindByCode(ctx, "copy")
	require.NoError(t, err)
	got.ClickCount = 100
	link.OriginalURL = "https://changed.example"

	again, err := m.FindByCode(ctx, "copy")
	require.NoError(t, err)
	assert.Zero(t, again.ClickCount)
	assert.Equal(t, "https://example.com", again.OriginalURL)

	_, err = m.FindByCode(ctx, "missing")
	assert.ErrorIs(t, err, shortener.ErrNotFound)
}

func TestMemory_IncrementClickCountConcurrent(t *testing.T) {
	m := storage.NewMemory()
	ctx := context.Background()

	link := &shortener.Link{OriginalURL: "https://example.com"}
	require.NoError(t, m.InsertDerived(ctx, link, base62.Encode))

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.IncrementClickCount(ctx, link.ID))
		}()
	}
	wg.Wait()

	got, err := m.FindByCode(ctx, link.ShortCode)
	require.NoError(t, err)
	assert.Equal(t, uint64(n), got.ClickCount)

	assert.ErrorIs(t, m.IncrementClickCount(ctx, 999), shortener.ErrNotFound)
}

func TestMemoryCache(t *testing.T) {
	c := storage.NewMemoryCache()
	ctx := context.Background()

	_, err := c.Get(ctx, "1")
	assert.ErrorIs(t, err, shortener.ErrCacheMiss)

	require.NoError(t, c.Set(ctx, "1", "https://example.com", time.Hour))
	url, err := c.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", url)

	require.NoError(t, c.Delete(ctx, "1"))
	_, err = c.Get(ctx, "1")
	assert.ErrorIs(t, err, shortener.ErrCacheMiss)
}

func TestMemoryCache_TTL(t *testing.T) {
	c := storage.NewMemoryCache()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "short", "https://example.com", 20*time.Millisecond))
	_, err := c.Get(ctx, "short")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, err := c.Get(ctx, "short")
		return err != nil
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryCache_EvictsExpired(t *testing.T) {
	c := storage.NewMemoryCacheWithCleanup(time.Hour, 10*time.Millisecond)
	ctx := context.Background()

	for _, code := range []string{"a1", "b2", "c3"} {
		require.NoError(t, c.Set(ctx, code, "https://example.com/"+code, 20*time.Millisecond))
	}
	require.NoError(t, c.Set(ctx, "keep", "https://example.com/keep", time.Hour))
	assert.Equal(t, 4, c.Len())

	// 過期項被背景清理，而不只是在 Get 時隱藏
	assert.Eventually(t, func() bool { return c.Len() == 1 }, time.Second, 10*time.Millisecond)

	url, err := c.Get(ctx, "keep")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/keep", url)
}

func TestMemoryCache_DefaultTTL(t *testing.T) {
	c := storage.NewMemoryCacheWithCleanup(20*time.Millisecond, 10*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "dflt", "https://example.com", 0))
	_, err := c.Get(ctx, "dflt")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, err := c.Get(ctx, "dflt")
		return errors.Is(err, shortener.ErrCacheMiss)
	}, time.Second, 10*time.Millisecond)
}
