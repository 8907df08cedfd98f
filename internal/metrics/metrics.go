// Package metrics 提供進程內的計數器與延遲統計
//
// 指標名稱：
//   - url_creation_total        短網址創建次數
//   - url_redirect_total        重定向次數
//   - cache_hit_total / cache_miss_total
//   - redirect_latency          重定向延遲（count / avg / max）
//   - rate_limit_exceeded_total 被限流的請求數
//   - click_events_published_total / click_events_dropped_total / click_events_processed_total
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// 指標名稱
const (
	URLCreation          = "url_creation_total"
	Redirect             = "url_redirect_total"
	CacheHit             = "cache_hit_total"
	CacheMiss            = "cache_miss_total"
	RedirectLatency      = "redirect_latency"
	RateLimitExceeded    = "rate_limit_exceeded_total"
	ClickPublished       = "click_events_published_total"
	ClickDropped         = "click_events_dropped_total"
	ClickProcessed       = "click_events_processed_total"
	ClickProcessFailures = "click_events_failed_total"
)

// Counter 單調遞增計數器
type Counter struct {
	v atomic.Int64
}

// Inc 加一
func (c *Counter) Inc() { c.v.Add(1) }

// Add 加 n
func (c *Counter) Add(n int64) { c.v.Add(n) }

// Value 當前值
func (c *Counter) Value() int64 { return c.v.Load() }

// Timer 延遲統計（無分桶，只保留次數、總和、最大值）
type Timer struct {
	count atomic.Int64
	total atomic.Int64 // ns
	max   atomic.Int64 // ns
}

// Observe 記錄一次耗時
func (t *Timer) Observe(d time.Duration) {
	ns := int64(d)
	t.count.Add(1)
	t.total.Add(ns)
	for {
		cur := t.max.Load()
		if ns <= cur || t.max.CompareAndSwap(cur, ns) {
			return
		}
	}
}

// Since 記錄從 start 到現在的耗時
func (t *Timer) Since(start time.Time) { t.Observe(time.Since(start)) }

// TimerSnapshot Timer 的快照
type TimerSnapshot struct {
	Count int64   `json:"count"`
	AvgMs float64 `json:"avg_ms"`
	MaxMs float64 `json:"max_ms"`
}

// Snapshot 取得快照
func (t *Timer) Snapshot() TimerSnapshot {
	count := t.count.Load()
	s := TimerSnapshot{Count: count, MaxMs: float64(t.max.Load()) / 1e6}
	if count > 0 {
		s.AvgMs = float64(t.total.Load()) / float64(count) / 1e6
	}
	return s
}

// Registry 指標註冊表
//
// nil *Registry 是合法的：所有操作變成 no-op，方便不關心指標的測試直接傳 nil。
type Registry struct {
	mu       sync.RWMutex
	counters map[string]*Counter
	timers   map[string]*Timer
}

// NewRegistry 創建註冊表
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]*Counter),
		timers:   make(map[string]*Timer),
	}
}

// Counter 取得（不存在則建立）計數器
func (r *Registry) Counter(name string) *Counter {
	if r == nil {
		return &Counter{}
	}

	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.counters[name]; !ok {
		c = &Counter{}
		r.counters[name] = c
	}
	return c
}

// Timer 取得（不存在則建立）延遲統計
func (r *Registry) Timer(name string) *Timer {
	if r == nil {
		return &Timer{}
	}

	r.mu.RLock()
	t, ok := r.timers[name]
	r.mu.RUnlock()
	if ok {
		return t
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok = r.timers[name]; !ok {
		t = &Timer{}
		r.timers[name] = t
	}
	return t
}

// Inc 計數器加一
func (r *Registry) Inc(name string) { r.Counter(name).Inc() }

// Snapshot 所有指標的快照（用於 /api/v1/metrics）
type Snapshot struct {
	Counters map[string]int64         `json:"counters"`
	Timers   map[string]TimerSnapshot `json:"timers"`
}

// Snapshot 取得快照
func (r *Registry) Snapshot() Snapshot {
	s := Snapshot{
		Counters: map[string]int64{},
		Timers:   map[string]TimerSnapshot{},
	}
	if r == nil {
		return s
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, c := range r.counters {
		s.Counters[name] = c.Value()
	}
	for name, t := range r.timers {
		s.Timers[name] = t.Snapshot()
	}
	return s
}

// Names 已註冊的指標名稱（排序）
func (r *Registry) Names() []string {
	snap := r.Snapshot()
	names := make([]string, 0, len(snap.Counters)+len(snap.Timers))
	for name := range snap.Counters {
		names = append(names, name)
	}
	for name := range snap.Timers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
