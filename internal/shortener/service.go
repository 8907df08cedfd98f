package shortener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/koopa0/url-shortener/internal/metrics"
	"github.com/koopa0/url-shortener/pkg/base62"
)

// CodeStrategy 自動生成短碼時 ID 的來源
type CodeStrategy string

const (
	// StrategySequence 寫入後讀回存儲生成的自增 ID 再編碼（第一筆為 "1"）
	StrategySequence CodeStrategy = "sequence"
	// StrategySnowflake 由 IDAllocator 預先分配 ID
	StrategySnowflake CodeStrategy = "snowflake"
)

// maxCodeLength 任何合法短碼的長度上限（uint64 編碼後最長 11）
const maxCodeLength = 16

const tracerName = "github.com/koopa0/url-shortener/internal/shortener"

// Options Service 配置
type Options struct {
	Strategy     CodeStrategy
	CacheTTL     time.Duration // 預設 24h
	CacheTimeout time.Duration // 單次快取操作上限，預設 100ms
	Validator    *Validator    // 預設：無封鎖名單、拒絕內網地址
	Now          func() time.Time
}

// Service 短網址核心流程
//
// 讀路徑（Cache-Aside）：
//
//	Resolve ─▶ Cache ──hit──▶ 點擊事件 ─▶ 返回
//	             │miss
//	             ▼
//	         Directory ─▶ 過期檢查 ─▶ 回填 Cache ─▶ 點擊事件 ─▶ 返回
//
// 寫路徑（Write-Through）：Create 寫入 Directory 後立即寫入 Cache。
//
// 快取與點擊隊列都是「可失敗」的依賴：出錯只記日誌，不影響返回結果。
type Service struct {
	dir    Directory
	cache  Cache
	clicks ClickPublisher
	ids    IDAllocator

	opts    Options
	logger  *slog.Logger
	metrics *metrics.Registry
	tracer  trace.Tracer
}

// NewService 創建 Service
//
// cache、clicks 可以為 nil（不使用快取 / 不統計點擊）；
// ids 只在 StrategySnowflake 下需要。
func NewService(dir Directory, cache Cache, clicks ClickPublisher, ids IDAllocator, opts Options, logger *slog.Logger, m *metrics.Registry) *Service {
	if opts.Strategy == "" {
		opts.Strategy = StrategySequence
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 24 * time.Hour
	}
	if opts.CacheTimeout <= 0 {
		opts.CacheTimeout = 100 * time.Millisecond
	}
	if opts.Validator == nil {
		opts.Validator = NewValidator(nil, false)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Service{
		dir:     dir,
		cache:   cache,
		clicks:  clicks,
		ids:     ids,
		opts:    opts,
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer(tracerName),
	}
}

// Create 創建短網址
//
// 流程：
//  1. 驗證輸入
//  2. 決定短碼：
//     - 自定義短碼：已存在 → ErrAliasConflict（不寫入）
//     - sequence：存儲生成 ID → Base62 → 同一事務回寫短碼
//     - snowflake：預分配 ID → Base62 → 一次寫入
//  3. 寫入快取（失敗只記日誌）
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Link, error) {
	ctx, span := s.tracer.Start(ctx, "shortener.Create")
	defer span.End()

	now := s.opts.Now()
	if err := s.opts.Validator.Validate(req, now); err != nil {
		return nil, err
	}

	link := &Link{
		OriginalURL: req.OriginalURL,
		CreatedAt:   now.UTC(),
	}
	if req.ExpiresAt != nil {
		t := req.ExpiresAt.UTC()
		link.ExpiresAt = &t
	}

	var err error
	switch {
	case req.CustomAlias != "":
		err = s.createWithAlias(ctx, link, req.CustomAlias)
	case s.opts.Strategy == StrategySnowflake:
		err = s.createWithAllocator(ctx, link)
	default:
		err = s.dir.InsertDerived(ctx, link, base62.Encode)
		if err != nil {
			err = fmt.Errorf("insert link: %w", err)
		}
	}
	if err != nil {
		if !errors.Is(err, ErrAliasConflict) {
			recordSpanError(span, err)
		}
		return nil, err
	}

	span.SetAttributes(attribute.String("short_code", link.ShortCode))
	s.cacheSet(ctx, link.ShortCode, link.OriginalURL)
	s.metrics.Inc(metrics.URLCreation)

	s.logger.InfoContext(ctx, "short url created",
		"short_code", link.ShortCode,
		"id", link.ID,
		"custom_alias", req.CustomAlias != "",
	)
	return link, nil
}

func (s *Service) createWithAlias(ctx context.Context, link *Link, alias string) error {
	exists, err := s.dir.ExistsByCode(ctx, alias)
	if err != nil {
		return fmt.Errorf("check alias: %w", err)
	}
	if exists {
		return ErrAliasConflict.WithDetails(alias)
	}

	link.ShortCode = alias
	if s.opts.Strategy == StrategySnowflake {
		if link.ID, err = s.nextID(); err != nil {
			return err
		}
	}

	// 併發下兩個請求可能同時通過 ExistsByCode，最終由唯一約束裁決
	if err := s.dir.Insert(ctx, link); err != nil {
		if errors.Is(err, ErrAliasConflict) {
			return ErrAliasConflict.WithDetails(alias)
		}
		return fmt.Errorf("insert link: %w", err)
	}
	return nil
}

func (s *Service) createWithAllocator(ctx context.Context, link *Link) error {
	id, err := s.nextID()
	if err != nil {
		return err
	}
	link.ID = id
	link.ShortCode = base62.Encode(id)

	if err := s.dir.Insert(ctx, link); err != nil {
		return fmt.Errorf("insert link: %w", err)
	}
	return nil
}

func (s *Service) nextID() (uint64, error) {
	if s.ids == nil {
		return 0, errors.New("snowflake strategy requires an id allocator")
	}
	id, err := s.ids.NextID()
	if err != nil {
		return 0, fmt.Errorf("allocate id: %w", err)
	}
	return id, nil
}

// Resolve 解析短碼為原始 URL（重定向熱路徑）
//
// 錯誤：ErrNotFound、ErrExpired，或存儲錯誤（僅在快取未命中且資料庫失敗時）。
//
// 快取命中時不再檢查過期：已快取的 URL 可能在記錄過期後繼續被返回，
// 直到快取項自身的 TTL 到期。
func (s *Service) Resolve(ctx context.Context, code string, meta ClickMeta) (string, error) {
	start := time.Now()
	defer s.metrics.Timer(metrics.RedirectLatency).Since(start)

	ctx, span := s.tracer.Start(ctx, "shortener.Resolve",
		trace.WithAttributes(attribute.String("short_code", code)))
	defer span.End()

	// 不可能存在的短碼直接返回，不打到快取和資料庫
	if len(code) > maxCodeLength || !base62.IsValid(code) {
		return "", ErrNotFound
	}

	// 1. 快取
	if url, ok := s.cacheGet(ctx, code); ok {
		span.SetAttributes(attribute.Bool("cache_hit", true))
		s.metrics.Inc(metrics.CacheHit)
		s.recordClick(ctx, code, meta)
		s.metrics.Inc(metrics.Redirect)
		return url, nil
	}
	span.SetAttributes(attribute.Bool("cache_hit", false))
	s.metrics.Inc(metrics.CacheMiss)

	// 2. 資料庫
	link, err := s.dir.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrNotFound
		}
		recordSpanError(span, err)
		return "", fmt.Errorf("find link: %w", err)
	}

	// 3. 過期的記錄不寫入快取
	if link.IsExpired(s.opts.Now()) {
		return "", ErrExpired
	}

	s.cacheSet(ctx, code, link.OriginalURL)
	s.recordClick(ctx, code, meta)
	s.metrics.Inc(metrics.Redirect)
	return link.OriginalURL, nil
}

// Stats 查詢統計（直接讀資料庫，過期的記錄照樣返回）
func (s *Service) Stats(ctx context.Context, code string) (*Link, error) {
	ctx, span := s.tracer.Start(ctx, "shortener.Stats",
		trace.WithAttributes(attribute.String("short_code", code)))
	defer span.End()

	if len(code) > maxCodeLength || !base62.IsValid(code) {
		return nil, ErrNotFound
	}

	link, err := s.dir.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		recordSpanError(span, err)
		return nil, fmt.Errorf("find link: %w", err)
	}
	return link, nil
}

// === 可失敗的依賴 ===

// cacheGet 帶超時的快取讀取，任何錯誤都視為未命中
func (s *Service) cacheGet(ctx context.Context, code string) (string, bool) {
	if s.cache == nil {
		return "", false
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.CacheTimeout)
	defer cancel()

	url, err := s.cache.Get(ctx, code)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			s.logger.WarnContext(ctx, "cache get failed, falling back to store",
				"short_code", code, "error", err)
		}
		return "", false
	}
	return url, true
}

// cacheSet 帶超時的快取寫入，失敗只記日誌
func (s *Service) cacheSet(ctx context.Context, code, url string) {
	if s.cache == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.CacheTimeout)
	defer cancel()

	if err := s.cache.Set(ctx, code, url, s.opts.CacheTTL); err != nil {
		s.logger.WarnContext(ctx, "cache set failed", "short_code", code, "error", err)
	}
}

// recordClick 投遞點擊事件，不等待、不返回錯誤
func (s *Service) recordClick(ctx context.Context, code string, meta ClickMeta) {
	if s.clicks == nil {
		return
	}

	event := ClickEvent{
		ShortCode: code,
		Timestamp: s.opts.Now().UTC(),
		ClientIP:  meta.ClientIP,
		UserAgent: meta.UserAgent,
		Referer:   meta.Referer,
	}
	if err := s.clicks.Publish(event); err != nil {
		s.metrics.Inc(metrics.ClickDropped)
		s.logger.WarnContext(ctx, "click event dropped", "short_code", code, "error", err)
	}
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
