package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/koopa0/url-shortener/internal/metrics"
	"github.com/koopa0/url-shortener/internal/shortener"
)

// Aggregator 消費點擊事件，遞增對應記錄的 click_count
//
// 每個事件只做一次原子遞增，多個 worker 與多個進程可以併發處理。
// 重新投遞可能讓同一事件被計數兩次（at-least-once）。
type Aggregator struct {
	dir     shortener.Directory
	logger  *slog.Logger
	metrics *metrics.Registry
}

// NewAggregator 創建聚合器
func NewAggregator(dir shortener.Directory, logger *slog.Logger, m *metrics.Registry) *Aggregator {
	return &Aggregator{dir: dir, logger: logger, metrics: m}
}

// Handle 處理一個點擊事件
//
// 短碼不存在：記錄後丟棄（返回 nil，不再重試）。
// 其他錯誤原樣返回，由隊列重新投遞。
func (a *Aggregator) Handle(ctx context.Context, event shortener.ClickEvent) error {
	link, err := a.dir.FindByCode(ctx, event.ShortCode)
	if err != nil {
		if errors.Is(err, shortener.ErrNotFound) {
			a.drop(ctx, event)
			return nil
		}
		a.metrics.Inc(metrics.ClickProcessFailures)
		return fmt.Errorf("find short code: %w", err)
	}

	if err := a.dir.IncrementClickCount(ctx, link.ID); err != nil {
		if errors.Is(err, shortener.ErrNotFound) {
			a.drop(ctx, event)
			return nil
		}
		a.metrics.Inc(metrics.ClickProcessFailures)
		return fmt.Errorf("increment click count: %w", err)
	}

	a.metrics.Inc(metrics.ClickProcessed)
	a.logger.DebugContext(ctx, "click recorded", "short_code", event.ShortCode, "event_id", event.ID)
	return nil
}

func (a *Aggregator) drop(ctx context.Context, event shortener.ClickEvent) {
	a.metrics.Inc(metrics.ClickDropped)
	a.logger.WarnContext(ctx, "click for unknown short code, dropping",
		"short_code", event.ShortCode,
		"event_id", event.ID,
	)
}

// Run 從隊列消費，阻塞直到 ctx 結束
func (a *Aggregator) Run(ctx context.Context, q Queue, workers int) error {
	return q.Consume(ctx, workers, a.Handle)
}
