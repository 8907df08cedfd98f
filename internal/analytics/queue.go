// Package analytics 點擊統計的非同步管線
//
//	Resolve ─▶ Publisher（有界緩衝，不阻塞）─▶ Queue ─▶ Aggregator ─▶ click_count + 1
//
// 投遞語義為 at-least-once：處理失敗的事件會被重新投遞，直到 MaxDeliver 次。
// 重定向路徑不等待任何一步。
package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/koopa0/url-shortener/internal/shortener"
)

// Handler 處理一個點擊事件；返回錯誤表示暫時性失敗，事件會被重新投遞
type Handler func(ctx context.Context, event shortener.ClickEvent) error

// Queue 點擊事件隊列
//
// 實現：
//   - JetStreamQueue：生產環境，可與 server 分開部署消費者
//   - MemoryQueue：單機開發、測試
type Queue interface {
	Publish(ctx context.Context, event shortener.ClickEvent) error

	// Consume 以 workers 個併發處理事件，阻塞直到 ctx 結束
	Consume(ctx context.Context, workers int, h Handler) error

	Close() error
}

// ErrQueueClosed 隊列已關閉
var ErrQueueClosed = errors.New("queue closed")

// JetStreamConfig JetStream 隊列配置
type JetStreamConfig struct {
	URL           string
	Stream        string        // 預設 URL_CLICKS
	Subject       string        // 預設 url.clicks
	ConsumerGroup string        // 預設 url-shortener-analytics
	MaxDeliver    int           // 預設 5
	AckWait       time.Duration // 預設 30s
	MaxAge        time.Duration // 預設 7 天
}

func (c *JetStreamConfig) setDefaults() {
	if c.Stream == "" {
		c.Stream = "URL_CLICKS"
	}
	if c.Subject == "" {
		c.Subject = "url.clicks"
	}
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = "url-shortener-analytics"
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = 5
	}
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 7 * 24 * time.Hour
	}
}

// duplicateWindow 以 Nats-Msg-Id 去重的時間窗口
const duplicateWindow = 2 * time.Minute

// JetStreamQueue 基於 NATS JetStream 的點擊隊列
//
//   - 發送：同步等待 PubAck，事件 ID 作為 Nats-Msg-Id（重送不會重複計數）
//   - 消費：durable queue group，多個 worker 與多個 consumer 進程共享負載
//   - 確認：成功 Ack；失敗 Nak（重新投遞）；無法解析 Term（不再投遞）
type JetStreamQueue struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	cfg    JetStreamConfig
	logger *slog.Logger
}

// NewJetStreamQueue 連接 NATS 並確保 Stream 存在
func NewJetStreamQueue(cfg JetStreamConfig, logger *slog.Logger) (*JetStreamQueue, error) {
	cfg.setDefaults()

	conn, err := nats.Connect(
		cfg.URL,
		nats.Name("url-shortener"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	q := &JetStreamQueue{conn: conn, js: js, cfg: cfg, logger: logger}
	if err := q.initStream(); err != nil {
		conn.Close()
		return nil, err
	}
	return q, nil
}

// initStream 不存在則創建，存在則更新配置
func (q *JetStreamQueue) initStream() error {
	cfg := &nats.StreamConfig{
		Name:       q.cfg.Stream,
		Subjects:   []string{q.cfg.Subject},
		Storage:    nats.FileStorage,
		MaxAge:     q.cfg.MaxAge,
		Duplicates: duplicateWindow,
		Replicas:   1,
	}

	_, err := q.js.StreamInfo(q.cfg.Stream)
	switch {
	case errors.Is(err, nats.ErrStreamNotFound):
		if _, err := q.js.AddStream(cfg); err != nil {
			return fmt.Errorf("create stream: %w", err)
		}
	case err != nil:
		return fmt.Errorf("get stream info: %w", err)
	default:
		if _, err := q.js.UpdateStream(cfg); err != nil {
			return fmt.Errorf("update stream: %w", err)
		}
	}
	return nil
}

// Publish 發送事件並等待持久化確認
func (q *JetStreamQueue) Publish(ctx context.Context, event shortener.ClickEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal click event: %w", err)
	}

	opts := []nats.PubOpt{nats.Context(ctx)}
	if event.ID != 0 {
		opts = append(opts, nats.MsgId(strconv.FormatUint(event.ID, 10)))
	}

	if _, err := q.js.Publish(q.cfg.Subject, data, opts...); err != nil {
		return fmt.Errorf("publish click event: %w", err)
	}
	return nil
}

// Consume 建立 workers 個 queue subscription，阻塞直到 ctx 結束後排空訂閱
func (q *JetStreamQueue) Consume(ctx context.Context, workers int, h Handler) error {
	if workers <= 0 {
		workers = 1
	}

	subs := make([]*nats.Subscription, 0, workers)
	for i := 0; i < workers; i++ {
		sub, err := q.js.QueueSubscribe(
			q.cfg.Subject,
			q.cfg.ConsumerGroup,
			q.handle(ctx, h),
			nats.Durable(q.cfg.ConsumerGroup),
			nats.ManualAck(),
			nats.AckWait(q.cfg.AckWait),
			nats.MaxDeliver(q.cfg.MaxDeliver),
			nats.DeliverAll(),
		)
		if err != nil {
			drainAll(subs)
			return fmt.Errorf("queue subscribe: %w", err)
		}
		subs = append(subs, sub)
	}

	q.logger.Info("click consumer started",
		"subject", q.cfg.Subject,
		"group", q.cfg.ConsumerGroup,
		"workers", workers,
	)

	<-ctx.Done()
	drainAll(subs)
	return nil
}

func (q *JetStreamQueue) handle(ctx context.Context, h Handler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		defer func() {
			if r := recover(); r != nil {
				q.logger.Error("click handler panicked", "panic", r)
				_ = msg.Nak()
			}
		}()

		var event shortener.ClickEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			// 格式錯誤重試也不會成功
			q.logger.Error("malformed click event, terminating", "error", err)
			_ = msg.Term()
			return
		}

		if err := h(ctx, event); err != nil {
			attrs := []any{"short_code", event.ShortCode, "error", err}
			if meta, mErr := msg.Metadata(); mErr == nil {
				attrs = append(attrs, "delivered", meta.NumDelivered)
			}
			q.logger.Warn("click event failed, requesting redelivery", attrs...)
			_ = msg.Nak()
			return
		}

		if err := msg.Ack(); err != nil {
			q.logger.Warn("ack click event failed", "short_code", event.ShortCode, "error", err)
		}
	}
}

func drainAll(subs []*nats.Subscription) {
	for _, sub := range subs {
		_ = sub.Drain()
	}
}

// Close 關閉連接
func (q *JetStreamQueue) Close() error {
	if q.conn != nil {
		q.conn.Close()
	}
	return nil
}

// MemoryQueue 進程內隊列，提供與 JetStreamQueue 相同的重新投遞語義
//
// 事件只存在內存中，進程退出時未處理的事件會遺失。
type MemoryQueue struct {
	ch             chan delivery
	maxDeliver     int
	redeliverDelay time.Duration
	logger         *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

type delivery struct {
	event   shortener.ClickEvent
	attempt int
}

// NewMemoryQueue 創建進程內隊列
func NewMemoryQueue(size, maxDeliver int, logger *slog.Logger) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	if maxDeliver <= 0 {
		maxDeliver = 5
	}
	return &MemoryQueue{
		ch:             make(chan delivery, size),
		maxDeliver:     maxDeliver,
		redeliverDelay: 50 * time.Millisecond,
		logger:         logger,
		closed:         make(chan struct{}),
	}
}

// Publish 放入隊列；隊列滿時阻塞直到 ctx 結束
func (q *MemoryQueue) Publish(ctx context.Context, event shortener.ClickEvent) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}

	select {
	case q.ch <- delivery{event: event, attempt: 1}:
		return nil
	case <-q.closed:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume 啟動 workers 個 goroutine，阻塞直到 ctx 結束或隊列關閉
func (q *MemoryQueue) Consume(ctx context.Context, workers int, h Handler) error {
	if workers <= 0 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.closed:
					return
				case d := <-q.ch:
					q.process(ctx, h, d)
				}
			}
		}()
	}

	wg.Wait()
	return nil
}

func (q *MemoryQueue) process(ctx context.Context, h Handler, d delivery) {
	err := safeHandle(ctx, h, d.event)
	if err == nil {
		return
	}

	if d.attempt >= q.maxDeliver {
		q.logger.Error("click event exhausted redeliveries, dropping",
			"short_code", d.event.ShortCode,
			"attempts", d.attempt,
			"error", err,
		)
		return
	}

	q.logger.Warn("click event failed, requesting redelivery",
		"short_code", d.event.ShortCode,
		"delivered", d.attempt,
		"error", err,
	)

	// 延遲後重新放回隊列，不佔用 worker
	d.attempt++
	go func() {
		timer := time.NewTimer(q.redeliverDelay)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-q.closed:
			return
		}

		select {
		case q.ch <- d:
		case <-q.closed:
		}
	}()
}

// safeHandle panic 視為一次失敗
func safeHandle(ctx context.Context, h Handler, event shortener.ClickEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("click handler panicked: %v", r)
		}
	}()
	return h(ctx, event)
}

// Len 尚未被取走的事件數（不含等待重新投遞的）
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Close 停止所有消費者
func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.closed) })
	return nil
}

var (
	_ Queue = (*JetStreamQueue)(nil)
	_ Queue = (*MemoryQueue)(nil)
)
