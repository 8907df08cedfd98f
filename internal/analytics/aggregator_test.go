package analytics_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/url-shortener/internal/analytics"
	"github.com/koopa0/url-shortener/internal/metrics"
	"github.com/koopa0/url-shortener/internal/shortener"
	"github.com/koopa0/url-shortener/internal/storage"
	"github.com/koopa0/url-shortener/internal/testutils"
	"github.com/koopa0/url-shortener/pkg/base62"
	"github.com/koopa0/url-shortener/pkg/logger"
)

func seedLink(t *testing.T, dir shortener.Directory) *shortener.Link {
	t.Helper()

	link := &shortener.Link{OriginalURL: "https://example.com", CreatedAt: time.Now().UTC()}
	require.NoError(t, dir.InsertDerived(context.Background(), link, base62.Encode))
	return link
}

func clickCount(t *testing.T, dir shortener.Directory, code string) uint64 {
	t.Helper()

	link, err := dir.FindByCode(context.Background(), code)
	require.NoError(t, err)
	return link.ClickCount
}

func TestAggregator_Handle(t *testing.T) {
	dir := storage.NewMemory()
	reg := metrics.NewRegistry()
	agg := analytics.NewAggregator(dir, logger.Discard(), reg)
	ctx := context.Background()

	link := seedLink(t, dir)

	for i := 0; i < 3; i++ {
		require.NoError(t, agg.Handle(ctx, shortener.ClickEvent{ShortCode: link.ShortCode}))
	}
	assert.Equal(t, uint64(3), clickCount(t, dir, link.ShortCode))
	assert.Equal(t, int64(3), reg.Counter(metrics.ClickProcessed).Value())
}

// 未知短碼：丟棄且不要求重試
func TestAggregator_UnknownCode(t *testing.T) {
	dir := storage.NewMemory()
	reg := metrics.NewRegistry()
	agg := analytics.NewAggregator(dir, logger.Discard(), reg)

	err := agg.Handle(context.Background(), shortener.ClickEvent{ShortCode: "ghost"})
	assert.NoError(t, err)
	assert.Equal(t, int64(1), reg.Counter(metrics.ClickDropped).Value())
	assert.Zero(t, reg.Counter(metrics.ClickProcessed).Value())
}

// 暫時性錯誤返回給隊列重試
func TestAggregator_TransientFailure(t *testing.T) {
	memory := storage.NewMemory()
	dir := testutils.NewMockDirectory(memory)
	reg := metrics.NewRegistry()
	agg := analytics.NewAggregator(dir, logger.Discard(), reg)
	ctx := context.Background()

	link := seedLink(t, memory)

	dir.FailIncrement(testutils.ErrInjected, 1)
	err := agg.Handle(ctx, shortener.ClickEvent{ShortCode: link.ShortCode})
	require.ErrorIs(t, err, testutils.ErrInjected)
	assert.Equal(t, int64(1), reg.Counter(metrics.ClickProcessFailures).Value())

	require.NoError(t, agg.Handle(ctx, shortener.ClickEvent{ShortCode: link.ShortCode}))
	assert.Equal(t, uint64(1), clickCount(t, memory, link.ShortCode))

	dir.FailFind(testutils.ErrInjected)
	assert.ErrorIs(t, agg.Handle(ctx, shortener.ClickEvent{ShortCode: link.ShortCode}), testutils.ErrInjected)
}
