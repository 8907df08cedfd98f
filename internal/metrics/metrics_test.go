package metrics_test

import (
	"sync"
	"testing"
	"time"

	"github.com/koopa0/url-shortener/internal/metrics"
	"github.com/stretchr/testify/assert"
)

func TestRegistry_CounterConcurrent(t *testing.T) {
	reg := metrics.NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				reg.Inc(metrics.Redirect)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(5000), reg.Counter(metrics.Redirect).Value())
	assert.Equal(t, int64(5000), reg.Snapshot().Counters[metrics.Redirect])
}

func TestTimer_Snapshot(t *testing.T) {
	reg := metrics.NewRegistry()
	timer := reg.Timer(metrics.RedirectLatency)

	timer.Observe(2 * time.Millisecond)
	timer.Observe(4 * time.Millisecond)

	snap := reg.Snapshot().Timers[metrics.RedirectLatency]
	assert.Equal(t, int64(2), snap.Count)
	assert.InDelta(t, 3.0, snap.AvgMs, 0.001)
	assert.InDelta(t, 4.0, snap.MaxMs, 0.001)
}

// TestNilRegistry nil 註冊表不 panic
func TestNilRegistry(t *testing.T) {
	var reg *metrics.Registry

	reg.Inc(metrics.CacheHit)
	reg.Timer(metrics.RedirectLatency).Observe(time.Millisecond)

	snap := reg.Snapshot()
	assert.Empty(t, snap.Counters)
	assert.Empty(t, snap.Timers)
}

func TestRegistry_Names(t *testing.T) {
	reg := metrics.NewRegistry()
	reg.Inc(metrics.CacheMiss)
	reg.Inc(metrics.CacheHit)
	reg.Timer(metrics.RedirectLatency)

	assert.Equal(t, []string{metrics.CacheHit, metrics.CacheMiss, metrics.RedirectLatency}, reg.Names())
}
