package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/koopa0/system-design/14-realtime-pong/internal"
	"github.com/koopa0/system-design/14-realtime-pong/internal/migrations"
)

func main() {
	// 解析命令行參數
	var (
		configPath = flag.String("config", "", "配置文件路徑（空值使用內建預設）")
		port       = flag.Int("port", 0, "覆寫監聽端口")
		logLevel   = flag.String("log-level", "", "覆寫日誌級別 (debug, info, warn, error)")
		noStore    = flag.Bool("no-store", false, "停用持久層（純內存運行）")
	)
	flag.Parse()

	// 讀取配置
	cfg, err := internal.LoadConfig(*configPath)
	if err != nil {
		slog.Error("讀取配置失敗", "error", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	// 設置日誌
	logger := setupLogger(cfg.Log)

	// 持久層：Postgres 為準、Redis 作檢查點快取
	var store internal.GameStore
	if *noStore {
		logger.Warn("持久層已停用，比賽狀態僅存於內存")
		store = internal.NewMemoryStore()
	} else {
		store = setupStore(cfg, logger)
	}

	// 大廳扇出中心
	updates := internal.NewUpdateHub(logger)

	// 房間目錄
	registry := internal.NewRegistry(cfg.Game, store, updates, logger)

	// 模擬調度器
	loop := internal.NewGameLoop(registry, cfg.Game, logger)
	loop.Start()

	// 接入層與 HTTP API
	gateway := internal.NewWSGateway(registry, updates, cfg.Game, logger)
	handler := internal.NewHandler(registry, store, updates, logger)

	mux := http.NewServeMux()
	mux.Handle("/", handler.Routes())
	mux.HandleFunc("GET /ws/games/{game_id}", gateway.ServeGame)
	mux.HandleFunc("GET /ws/updates", gateway.ServeUpdates)

	server := &http.Server{
		Addr:        cfg.Server.Addr(),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// 啟動服務器
	go func() {
		logger.Info("Pong 服務器啟動",
			"addr", cfg.Server.Addr(),
			"tick_rate", cfg.Game.TickRate,
			"points_to_win", cfg.Game.PointsToWin)

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("服務器啟動失敗", "error", err)
			os.Exit(1)
		}
	}()

	// 等待中斷信號
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("收到關閉信號，開始優雅關閉...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// 停止接受新連接
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("服務器關閉失敗", "error", err)
	}

	// 停止調度器並通知所有比賽連接
	loop.Shutdown()

	// 釋放持久層資源
	store.Close()

	logger.Info("服務器已關閉")
}

// setupStore 建立連接池、套用遷移並組裝存儲
//
// 持久層連不上是啟動期的致命錯誤——運行期的存儲故障
// 都是盡力而為，但帶著壞掉的持久層啟動沒有意義。
func setupStore(cfg internal.Config, logger *slog.Logger) internal.GameStore {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dsn := cfg.Postgres.DSN()

	migrator, err := migrations.New(dsn, logger)
	if err != nil {
		logger.Error("建立遷移管理器失敗", "error", err)
		os.Exit(1)
	}
	if err := migrator.Up(); err != nil {
		logger.Error("執行資料庫遷移失敗", "error", err)
		os.Exit(1)
	}
	if err := migrator.Close(); err != nil {
		logger.Warn("關閉遷移管理器失敗", "error", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		logger.Error("建立數據庫連接池失敗", "error", err)
		os.Exit(1)
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Error("數據庫連接失敗", "error", err)
		os.Exit(1)
	}

	var cache *redis.Client
	if cfg.Redis.Enabled {
		cache = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := cache.Ping(ctx).Err(); err != nil {
			// 快取只是加速層，連不上就退化為純 Postgres
			logger.Warn("Redis 連接失敗，停用檢查點快取", "error", err)
			cache = nil
		}
	}

	return internal.NewSQLStore(pool, cache, logger)
}

// setupLogger 設置日誌
func setupLogger(cfg internal.LogConfig) *slog.Logger {
	var logLevel slog.Level
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: cfg.Level == "debug", // debug 模式顯示源碼位置
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
