// Package testutils 提供整合測試用的容器輔助
//
// 啟動 PostgreSQL 與 Redis 測試容器、套用嵌入的遷移，
// 並在測試結束時自動回收。單元測試不需要這個套件，
// 只有存儲層的整合測試（受 testing.Short() 保護）會用到。
package testutils

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/koopa0/system-design/14-realtime-pong/internal/migrations"
)

// TestEnvironment 整合測試環境
type TestEnvironment struct {
	PostgresPool *pgxpool.Pool
	RedisClient  *redis.Client
	PostgresDSN  string
	RedisAddr    string
	Logger       *slog.Logger

	pgContainer    tc.Container
	redisContainer tc.Container
}

// SetupTestEnvironment 啟動容器、套用遷移並註冊清理
//
// 使用範例：
//
//	func TestStore(t *testing.T) {
//	    if testing.Short() {
//	        t.Skip("skipping integration test")
//	    }
//	    env := testutils.SetupTestEnvironment(t)
//	    // 使用 env.PostgresPool 與 env.RedisClient
//	}
func SetupTestEnvironment(t testing.TB) *TestEnvironment {
	t.Helper()

	ctx := context.Background()
	env := &TestEnvironment{
		Logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelWarn, // 測試時減少日誌噪音
		})),
	}

	env.setupPostgres(t, ctx)
	env.setupRedis(t, ctx)

	t.Cleanup(func() {
		env.cleanup()
	})

	return env
}

func (env *TestEnvironment) setupPostgres(t testing.TB, ctx context.Context) {
	t.Helper()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("pong_test"),
		tcpostgres.WithUsername("pong"),
		tcpostgres.WithPassword("pong"),
		tc.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	env.pgContainer = container

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get postgres connection string: %v", err)
	}
	env.PostgresDSN = dsn

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("failed to create postgres pool: %v", err)
	}
	env.PostgresPool = pool

	if err := pool.Ping(ctx); err != nil {
		t.Fatalf("failed to ping postgres: %v", err)
	}

	// 嵌入式遷移與生產路徑共用同一組 SQL 檔案
	migrator, err := migrations.New(dsn, env.Logger)
	if err != nil {
		t.Fatalf("failed to create migrator: %v", err)
	}
	defer migrator.Close()

	if err := migrator.Up(); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
}

func (env *TestEnvironment) setupRedis(t testing.TB, ctx context.Context) {
	t.Helper()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	env.redisContainer = container

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("failed to get redis endpoint: %v", err)
	}
	env.RedisAddr = endpoint

	env.RedisClient = redis.NewClient(&redis.Options{
		Addr:        endpoint,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := env.RedisClient.Ping(pingCtx).Err(); err != nil {
		t.Fatalf("failed to ping redis: %v", err)
	}
}

// ResetTestData 清空兩層存儲（測試之間的隔離）
func (env *TestEnvironment) ResetTestData(t testing.TB) {
	t.Helper()

	ctx := context.Background()

	if err := env.RedisClient.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("failed to flush redis: %v", err)
	}
	if _, err := env.PostgresPool.Exec(ctx, "TRUNCATE TABLE games CASCADE"); err != nil {
		t.Fatalf("failed to truncate games: %v", err)
	}
}

func (env *TestEnvironment) cleanup() {
	ctx := context.Background()

	if env.RedisClient != nil {
		_ = env.RedisClient.Close()
	}
	if env.PostgresPool != nil {
		env.PostgresPool.Close()
	}
	if env.redisContainer != nil {
		_ = env.redisContainer.Terminate(ctx)
	}
	if env.pgContainer != nil {
		_ = env.pgContainer.Terminate(ctx)
	}
}
