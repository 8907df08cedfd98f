package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/koopa0/url-shortener/internal/metrics"
	"github.com/koopa0/url-shortener/internal/shortener"
)

var (
	// ErrBufferFull 緩衝區已滿，事件被丟棄
	ErrBufferFull = errors.New("click buffer full")

	// ErrPublisherClosed Publisher 已關閉
	ErrPublisherClosed = errors.New("click publisher closed")
)

// PublisherOptions Publisher 配置
type PublisherOptions struct {
	BufferSize     int           // 預設 1024
	PublishTimeout time.Duration // 單次寫入隊列的上限，預設 5s
}

// Publisher 非阻塞的點擊事件投遞
//
// Publish 只做一次非阻塞的 channel 寫入；背景 goroutine 負責寫入 Queue。
// 緩衝區滿或隊列寫入失敗時事件被丟棄（點擊數是盡力而為的統計）。
type Publisher struct {
	queue   Queue
	ids     shortener.IDAllocator
	events  chan shortener.ClickEvent
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Registry

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewPublisher 創建並啟動 Publisher
//
// ids 為事件分配 ID（JetStream 據此去重）；可以為 nil。
func NewPublisher(q Queue, ids shortener.IDAllocator, opts PublisherOptions, logger *slog.Logger, m *metrics.Registry) *Publisher {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1024
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}

	p := &Publisher{
		queue:   q,
		ids:     ids,
		events:  make(chan shortener.ClickEvent, opts.BufferSize),
		timeout: opts.PublishTimeout,
		logger:  logger,
		metrics: m,
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// Publish 放入緩衝區，不等待
func (p *Publisher) Publish(event shortener.ClickEvent) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPublisherClosed
	}

	if p.ids != nil && event.ID == 0 {
		id, err := p.ids.NextID()
		if err != nil {
			return fmt.Errorf("allocate event id: %w", err)
		}
		event.ID = id
	}

	select {
	case p.events <- event:
		return nil
	default:
		return ErrBufferFull
	}
}

func (p *Publisher) run() {
	defer close(p.done)

	for event := range p.events {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		err := p.queue.Publish(ctx, event)
		cancel()

		if err != nil {
			p.metrics.Inc(metrics.ClickDropped)
			p.logger.Warn("publish click event failed", "short_code", event.ShortCode, "error", err)
			continue
		}
		p.metrics.Inc(metrics.ClickPublished)
	}
}

// Pending 緩衝區中尚未寫入隊列的事件數
func (p *Publisher) Pending() int {
	return len(p.events)
}

// Close 停止接收新事件並等待緩衝區排空（最多等到 ctx 結束）
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.events)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain click buffer: %w", ctx.Err())
	}
}

var _ shortener.ClickPublisher = (*Publisher)(nil)
