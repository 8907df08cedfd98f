// Package testutils 測試用的容器與替身
//
// 容器（testcontainers）：
//   - PostgreSQL（自動執行 internal/migrations）
//   - Redis
//   - NATS（JetStream）
//
// 所有容器都會在測試結束時自動清理。
package testutils

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/koopa0/url-shortener/internal/migrations"
)

// TestEnvironment 封裝測試環境
type TestEnvironment struct {
	RedisClient  *redis.Client
	PostgresPool *pgxpool.Pool
	RedisAddr    string
	PostgresDSN  string
	NATSURL      string
	Logger       *slog.Logger

	containers []tc.Container
	ctx        context.Context
}

// SetupTestEnvironment 啟動 PostgreSQL 與 Redis
//
// 使用範例：
//
//	func TestSomething(t *testing.T) {
//	    if testing.Short() {
//	        t.Skip("skipping integration test")
//	    }
//	    env := testutils.SetupTestEnvironment(t)
//	    // env.PostgresPool、env.RedisClient
//	}
func SetupTestEnvironment(t testing.TB) *TestEnvironment {
	t.Helper()

	env := newEnvironment(t)
	env.setupRedis(t)
	env.setupPostgreSQL(t)
	return env
}

// SetupRedis 只啟動 Redis
func SetupRedis(t testing.TB) *TestEnvironment {
	t.Helper()

	env := newEnvironment(t)
	env.setupRedis(t)
	return env
}

// SetupPostgres 只啟動 PostgreSQL（已遷移）
func SetupPostgres(t testing.TB) *TestEnvironment {
	t.Helper()

	env := newEnvironment(t)
	env.setupPostgreSQL(t)
	return env
}

// SetupNATS 只啟動開啟 JetStream 的 NATS
func SetupNATS(t testing.TB) *TestEnvironment {
	t.Helper()

	env := newEnvironment(t)
	env.setupNATS(t)
	return env
}

func newEnvironment(t testing.TB) *TestEnvironment {
	env := &TestEnvironment{
		ctx: context.Background(),
		Logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		})),
	}
	t.Cleanup(env.Cleanup)
	return env
}

// setupRedis 啟動 Redis 測試容器
func (env *TestEnvironment) setupRedis(t testing.TB) {
	t.Helper()

	ctx := env.ctx

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	env.containers = append(env.containers, container)

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("failed to get redis endpoint: %v", err)
	}
	env.RedisAddr = endpoint

	env.RedisClient = redis.NewClient(&redis.Options{
		Addr:         endpoint,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := env.RedisClient.Ping(pingCtx).Err(); err != nil {
		t.Fatalf("failed to ping redis: %v", err)
	}
}

// setupPostgreSQL 啟動 PostgreSQL 測試容器並執行遷移
func (env *TestEnvironment) setupPostgreSQL(t testing.TB) {
	t.Helper()

	ctx := env.ctx

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("testdb"),
		tcpostgres.WithUsername("testuser"),
		tcpostgres.WithPassword("testpass"),
		tc.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	env.containers = append(env.containers, container)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get postgres connection string: %v", err)
	}
	env.PostgresDSN = dsn

	m, err := migrations.New(dsn)
	if err != nil {
		t.Fatalf("failed to create migrator: %v", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("failed to parse postgres config: %v", err)
	}
	config.MaxConns = 10
	config.MinConns = 2

	env.PostgresPool, err = pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		t.Fatalf("failed to create postgres pool: %v", err)
	}

	if err := env.PostgresPool.Ping(ctx); err != nil {
		t.Fatalf("failed to ping postgres: %v", err)
	}
}

// setupNATS 啟動 NATS 測試容器（-js 開啟 JetStream）
func (env *TestEnvironment) setupNATS(t testing.TB) {
	t.Helper()

	ctx := env.ctx

	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        "nats:2.10-alpine",
			Cmd:          []string{"-js"},
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("failed to start nats container: %v", err)
	}
	env.containers = append(env.containers, container)

	endpoint, err := container.PortEndpoint(ctx, "4222/tcp", "nats")
	if err != nil {
		t.Fatalf("failed to get nats endpoint: %v", err)
	}
	env.NATSURL = endpoint
}

// Cleanup 清理測試環境
func (env *TestEnvironment) Cleanup() {
	if env.RedisClient != nil {
		_ = env.RedisClient.Close()
	}
	if env.PostgresPool != nil {
		env.PostgresPool.Close()
	}
	for _, c := range env.containers {
		_ = c.Terminate(context.Background())
	}
}

// FlushRedis 清空 Redis（測試之間的清理）
func (env *TestEnvironment) FlushRedis(t testing.TB) {
	t.Helper()

	if err := env.RedisClient.FlushDB(env.ctx).Err(); err != nil {
		t.Fatalf("failed to flush redis: %v", err)
	}
}

// TruncateURLs 清空 urls 表並重置自增序列
func (env *TestEnvironment) TruncateURLs(t testing.TB) {
	t.Helper()

	if _, err := env.PostgresPool.Exec(env.ctx, "TRUNCATE TABLE urls RESTART IDENTITY"); err != nil {
		t.Fatalf("failed to truncate urls: %v", err)
	}
}

// ClickCount 直接讀資料庫中的點擊數（可在 assert.Eventually 的條件中調用）
func (env *TestEnvironment) ClickCount(code string) (int64, error) {
	var n int64
	err := env.PostgresPool.QueryRow(env.ctx,
		"SELECT click_count FROM urls WHERE short_code = $1", code).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("read click count for %q: %w", code, err)
	}
	return n, nil
}
