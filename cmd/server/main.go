package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/koopa0/url-shortener/internal/analytics"
	"github.com/koopa0/url-shortener/internal/config"
	"github.com/koopa0/url-shortener/internal/handler"
	"github.com/koopa0/url-shortener/internal/metrics"
	"github.com/koopa0/url-shortener/internal/migrations"
	"github.com/koopa0/url-shortener/internal/ratelimit"
	"github.com/koopa0/url-shortener/internal/shortener"
	"github.com/koopa0/url-shortener/internal/storage"
	"github.com/koopa0/url-shortener/internal/telemetry"
	"github.com/koopa0/url-shortener/pkg/logger"
	"github.com/koopa0/url-shortener/pkg/snowflake"
)

// main 短網址 API 服務
//
// 依賴初始化順序：配置 → 日誌 → tracing → PostgreSQL → Redis → ID 生成器 → 點擊隊列 → 業務 → HTTP
//
// server.in_memory 為 true 時跳過 PostgreSQL / Redis / NATS，全部使用進程內實現。
func main() {
	configPath := flag.String("config", "", "path to config.yaml (optional)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// 1. 配置與日誌
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, logCloser, err := logger.New(logger.Options{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Output:    cfg.Log.Output,
		AddSource: cfg.Log.AddSource,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Tracing（endpoint 為空時是 no-op）
	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Endpoint)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	// 3-4. 存儲、快取、限流計數（PostgreSQL + Redis，或 in_memory 開發模式）
	be, closeBackends, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeBackends()

	// 5. Snowflake：snowflake 策略的短碼 ID，以及點擊事件 ID（JetStream 去重）
	idgen, err := snowflake.NewGenerator(cfg.Snowflake.DatacenterID, cfg.Snowflake.WorkerID,
		snowflake.WithMaxBackward(cfg.Snowflake.MaxBackward))
	if err != nil {
		return fmt.Errorf("create snowflake generator: %w", err)
	}
	log.Info("snowflake generator initialized",
		"datacenter_id", cfg.Snowflake.DatacenterID,
		"worker_id", cfg.Snowflake.WorkerID,
	)

	// 6. 點擊隊列：配置了 NATS 用 JetStream，否則用進程內隊列
	reg := metrics.NewRegistry()

	queue, inProcess, err := openQueue(cfg, log)
	if err != nil {
		return err
	}
	defer queue.Close()

	publisher := analytics.NewPublisher(queue, idgen, analytics.PublisherOptions{
		BufferSize:     cfg.NATS.BufferSize,
		PublishTimeout: cfg.NATS.PublishTimeout,
	}, log, reg)

	// 進程內隊列只能在本進程消費
	consumeCtx, stopConsume := context.WithCancel(context.Background())
	consumeDone := make(chan struct{})
	if inProcess || cfg.NATS.ConsumeInServer {
		agg := analytics.NewAggregator(be.dir, log, reg)
		go func() {
			defer close(consumeDone)
			if err := agg.Run(consumeCtx, queue, cfg.NATS.Workers); err != nil {
				log.Error("click aggregator stopped", "error", err)
			}
		}()
		log.Info("click aggregator started", "workers", cfg.NATS.Workers)
	} else {
		close(consumeDone)
	}

	// 7. 業務層
	svc := shortener.NewService(be.dir, be.cache, publisher, idgen, shortener.Options{
		Strategy:     shortener.CodeStrategy(strings.ToLower(cfg.Shortener.CodeStrategy)),
		CacheTTL:     cfg.Shortener.CacheTTL,
		CacheTimeout: cfg.Shortener.CacheTimeout,
		Validator:    shortener.NewValidator(cfg.Shortener.BlockedDomains, cfg.Shortener.AllowPrivateHost),
	}, log, reg)

	// 8. HTTP
	opts := handler.Options{
		BaseURL:      cfg.Server.BaseURL,
		HealthChecks: be.health,
	}
	if cfg.RateLimit.Enabled && be.limiter != nil {
		opts.RateLimits = handler.RateLimits{
			Checker:  be.limiter,
			Timeout:  cfg.RateLimit.Timeout,
			Create:   ratelimit.Rule(cfg.RateLimit.Create),
			Redirect: ratelimit.Rule(cfg.RateLimit.Redirect),
			Stats:    ratelimit.Rule(cfg.RateLimit.Stats),
		}
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler.New(svc, opts, log, reg).Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting server",
			"addr", cfg.Server.Addr,
			"code_strategy", cfg.Shortener.CodeStrategy,
			"rate_limit", cfg.RateLimit.Enabled,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// 9. 優雅關閉：停止接收請求 → 排空點擊緩衝 → 停止消費 → 關閉連線（defer）
	select {
	case err := <-serveErr:
		if err != nil {
			stopConsume()
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		log.Info("received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", "error", err)
	}
	if err := publisher.Close(shutdownCtx); err != nil {
		log.Warn("click buffer not fully drained", "pending", publisher.Pending(), "error", err)
	}
	if inProcess {
		// 留一點時間讓 worker 處理剛排空的事件
		waitDrained(shutdownCtx, queue)
	}
	stopConsume()
	<-consumeDone

	log.Info("server stopped gracefully")
	return nil
}

// backends 依部署模式選擇的存儲依賴
type backends struct {
	dir     shortener.Directory
	cache   shortener.Cache
	limiter ratelimit.Checker // in_memory 模式為 nil：限流依賴共享計數
	health  map[string]handler.HealthCheck
}

func openBackends(ctx context.Context, cfg *config.Config, log *slog.Logger) (*backends, func(), error) {
	if cfg.Server.InMemory {
		log.Warn("in_memory mode: links and click counts are lost on exit, rate limiting disabled")
		return &backends{
			dir:   storage.NewMemory(),
			cache: storage.NewMemoryCacheWithCleanup(cfg.Shortener.CacheTTL, time.Minute),
		}, func() {}, nil
	}

	// PostgreSQL
	pool, err := connectPostgres(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	log.Info("postgres connected", "max_conns", cfg.Postgres.MaxConns)

	if cfg.Postgres.AutoMigrate {
		if err := migrate(cfg.Postgres.URL); err != nil {
			pool.Close()
			return nil, nil, err
		}
		log.Info("database migrated")
	}

	// Redis（快取與限流共用）
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	// Redis 不可用時服務仍可運作（快取 miss、限流放行），只記警告
	pingCtx, cancel := context.WithTimeout(ctx, cfg.Redis.DialTimeout)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis unavailable at startup, running degraded", "addr", cfg.Redis.Addr, "error", err)
	}
	cancel()

	be := &backends{
		dir:     storage.NewPostgres(pool),
		cache:   storage.NewRedisCache(rdb),
		limiter: ratelimit.NewFixedWindow(rdb, log),
		health: map[string]handler.HealthCheck{
			"postgres": pool.Ping,
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
	}
	closeFn := func() {
		_ = rdb.Close()
		pool.Close()
	}
	return be, closeFn, nil
}

func connectPostgres(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.URL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	poolCfg.MaxConns = cfg.Postgres.MaxConns
	poolCfg.MinConns = cfg.Postgres.MinConns
	poolCfg.MaxConnLifetime = cfg.Postgres.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func migrate(dsn string) error {
	m, err := migrations.New(dsn)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func openQueue(cfg *config.Config, log *slog.Logger) (analytics.Queue, bool, error) {
	if cfg.Server.InMemory {
		return analytics.NewMemoryQueue(cfg.NATS.BufferSize, cfg.NATS.MaxDeliver, log), true, nil
	}
	if cfg.NATS.URL == "" {
		log.Warn("nats.url not set, using in-process click queue (events are lost on exit)")
		return analytics.NewMemoryQueue(cfg.NATS.BufferSize, cfg.NATS.MaxDeliver, log), true, nil
	}

	q, err := analytics.NewJetStreamQueue(analytics.JetStreamConfig{
		URL:           cfg.NATS.URL,
		Stream:        cfg.NATS.Stream,
		Subject:       cfg.NATS.Subject,
		ConsumerGroup: cfg.NATS.ConsumerGroup,
		MaxDeliver:    cfg.NATS.MaxDeliver,
		AckWait:       cfg.NATS.AckWait,
		MaxAge:        cfg.NATS.MaxAge,
	}, log)
	if err != nil {
		return nil, false, fmt.Errorf("connect nats: %w", err)
	}
	log.Info("jetstream click queue connected", "url", cfg.NATS.URL, "stream", cfg.NATS.Stream)
	return q, false, nil
}

// waitDrained 等待進程內隊列被消費完，最多到 ctx 結束
func waitDrained(ctx context.Context, q analytics.Queue) {
	mq, ok := q.(*analytics.MemoryQueue)
	if !ok {
		return
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for mq.Len() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
