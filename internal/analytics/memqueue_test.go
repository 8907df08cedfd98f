package analytics_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/url-shortener/internal/analytics"
	"github.com/koopa0/url-shortener/internal/shortener"
	"github.com/koopa0/url-shortener/pkg/logger"
)

// startConsumer 在背景消費，測試結束時停止
func startConsumer(t *testing.T, q analytics.Queue, workers int, h analytics.Handler) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Consume(ctx, workers, h)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestMemoryQueue_DeliversAll(t *testing.T) {
	q := analytics.NewMemoryQueue(64, 5, logger.Discard())
	defer q.Close()

	var (
		mu   sync.Mutex
		seen = map[uint64]int{}
	)
	startConsumer(t, q, 3, func(_ context.Context, ev shortener.ClickEvent) error {
		mu.Lock()
		defer mu.Unlock()
		seen[ev.ID]++
		return nil
	})

	const n = 100
	for i := 1; i <= n; i++ {
		require.NoError(t, q.Publish(context.Background(), shortener.ClickEvent{ID: uint64(i), ShortCode: "abc"}))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == n
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for id, count := range seen {
		assert.Equal(t, 1, count, "event %d", id)
	}
}

func TestMemoryQueue_Redelivery(t *testing.T) {
	q := analytics.NewMemoryQueue(8, 5, logger.Discard())
	defer q.Close()

	var attempts atomic.Int32
	startConsumer(t, q, 1, func(context.Context, shortener.ClickEvent) error {
		if attempts.Add(1) < 3 {
			return errors.New("temporary")
		}
		return nil
	})

	require.NoError(t, q.Publish(context.Background(), shortener.ClickEvent{ShortCode: "abc"}))

	assert.Eventually(t, func() bool { return attempts.Load() == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return attempts.Load() > 3 }, 200*time.Millisecond, 20*time.Millisecond)
}

func TestMemoryQueue_MaxDeliver(t *testing.T) {
	q := analytics.NewMemoryQueue(8, 3, logger.Discard())
	defer q.Close()

	var attempts atomic.Int32
	startConsumer(t, q, 2, func(context.Context, shortener.ClickEvent) error {
		attempts.Add(1)
		return errors.New("always")
	})

	require.NoError(t, q.Publish(context.Background(), shortener.ClickEvent{ShortCode: "abc"}))

	assert.Eventually(t, func() bool { return attempts.Load() == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return attempts.Load() > 3 }, 300*time.Millisecond, 20*time.Millisecond)
}

// panic 不會讓 worker 退出
func TestMemoryQueue_RecoversPanic(t *testing.T) {
	q := analytics.NewMemoryQueue(8, 2, logger.Discard())
	defer q.Close()

	var handled atomic.Int32
	startConsumer(t, q, 1, func(_ context.Context, ev shortener.ClickEvent) error {
		if ev.ShortCode == "boom" {
			panic("bad event")
		}
		handled.Add(1)
		return nil
	})

	ctx := context.Background()
	require.NoError(t, q.Publish(ctx, shortener.ClickEvent{ShortCode: "boom"}))
	require.NoError(t, q.Publish(ctx, shortener.ClickEvent{ShortCode: "ok"}))

	assert.Eventually(t, func() bool { return handled.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestMemoryQueue_Closed(t *testing.T) {
	q := analytics.NewMemoryQueue(1, 1, logger.Discard())
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	err := q.Publish(context.Background(), shortener.ClickEvent{ShortCode: "abc"})
	assert.ErrorIs(t, err, analytics.ErrQueueClosed)

	// 已關閉的隊列上 Consume 立即返回
	done := make(chan struct{})
	go func() {
		_ = q.Consume(context.Background(), 2, func(context.Context, shortener.ClickEvent) error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consume did not return after close")
	}
}

func TestMemoryQueue_PublishRespectsContext(t *testing.T) {
	q := analytics.NewMemoryQueue(1, 1, logger.Discard())
	defer q.Close()

	ctx := context.Background()
	require.NoError(t, q.Publish(ctx, shortener.ClickEvent{ShortCode: "a"}))

	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Publish(ctx, shortener.ClickEvent{ShortCode: "b"}), context.DeadlineExceeded)
}

func TestMemoryQueue_Len(t *testing.T) {
	q := analytics.NewMemoryQueue(8, 5, logger.Discard())
	defer q.Close()

	for i := 1; i <= 3; i++ {
		require.NoError(t, q.Publish(context.Background(), shortener.ClickEvent{ID: uint64(i), ShortCode: "abc"}))
	}
	assert.Equal(t, 3, q.Len())

	startConsumer(t, q, 1, func(context.Context, shortener.ClickEvent) error { return nil })

	assert.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, 10*time.Millisecond)
}
