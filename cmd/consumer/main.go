package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koopa0/url-shortener/internal/analytics"
	"github.com/koopa0/url-shortener/internal/config"
	"github.com/koopa0/url-shortener/internal/metrics"
	"github.com/koopa0/url-shortener/internal/storage"
	"github.com/koopa0/url-shortener/pkg/logger"
)

// main 點擊統計消費者
//
// 從 JetStream 消費點擊事件並累加 click_count。
// 多個實例共用同一個 consumer group，事件只會被其中一個處理。
func main() {
	configPath := flag.String("config", "", "path to config.yaml (optional)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "consumer:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.NATS.URL == "" {
		return fmt.Errorf("nats.url is required for the standalone consumer")
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

	poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.URL)
	if err != nil {
		return fmt.Errorf("parse postgres url: %w", err)
	}
	poolCfg.MaxConns = cfg.Postgres.MaxConns
	poolCfg.MinConns = cfg.Postgres.MinConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("create postgres pool: %w", err)
	}
	defer pool.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = pool.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}

	queue, err := analytics.NewJetStreamQueue(analytics.JetStreamConfig{
		URL:           cfg.NATS.URL,
		Stream:        cfg.NATS.Stream,
		Subject:       cfg.NATS.Subject,
		ConsumerGroup: cfg.NATS.ConsumerGroup,
		MaxDeliver:    cfg.NATS.MaxDeliver,
		AckWait:       cfg.NATS.AckWait,
		MaxAge:        cfg.NATS.MaxAge,
	}, log)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer queue.Close()

	reg := metrics.NewRegistry()
	agg := analytics.NewAggregator(storage.NewPostgres(pool), log, reg)

	log.Info("click consumer started",
		"stream", cfg.NATS.Stream,
		"consumer_group", cfg.NATS.ConsumerGroup,
		"workers", cfg.NATS.Workers,
	)

	// 阻塞直到收到信號；Consume 返回前會 drain 訂閱，處理中的訊息會先完成
	if err := agg.Run(ctx, queue, cfg.NATS.Workers); err != nil {
		return fmt.Errorf("consume clicks: %w", err)
	}

	snap := reg.Snapshot()
	log.Info("click consumer stopped",
		"processed", snap.Counters[metrics.ClickProcessed],
		"dropped", snap.Counters[metrics.ClickDropped],
		"failed", snap.Counters[metrics.ClickProcessFailures],
	)
	return nil
}
