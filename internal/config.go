package internal

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 服務配置
//
// 讀取順序：內建預設值 → yaml 配置文件 → 環境變數覆寫。
// 環境變數只覆寫部署環境最常變動的兩項（數據庫與快取的連接位址），
// 其餘調參走配置文件。
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Game     GameConfig     `yaml:"game"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig HTTP 服務配置
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr 監聽位址
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// PostgresConfig 持久層配置
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN 組合連接字串；DATABASE_URL 環境變數優先
func (c PostgresConfig) DSN() string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// RedisConfig 檢查點快取配置；Enabled 為 false 時退化為純 Postgres
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Address 連接位址；REDIS_ADDR 環境變數優先
func (c RedisConfig) Address() string {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return addr
	}
	return c.Addr
}

// GameConfig 比賽行為配置
type GameConfig struct {
	// TickRate 每秒模擬週期數
	TickRate int `yaml:"tick_rate"`

	// PointsToWin 勝利門檻
	PointsToWin int `yaml:"points_to_win"`

	// SaveInterval 比賽進行中的檢查點間隔
	SaveInterval time.Duration `yaml:"save_interval"`

	// MaxConcurrentCreates 同時進行的房間建立上限（准入閘門容量）
	MaxConcurrentCreates int `yaml:"max_concurrent_creates"`

	// ReadTimeout 連接讀取期限（由 pong 訊息延展）
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// PingInterval 服務端主動 ping 的間隔，必須小於 ReadTimeout
	PingInterval time.Duration `yaml:"ping_interval"`
}

// TickInterval 單個模擬週期的長度
func (c GameConfig) TickInterval() time.Duration {
	return time.Second / time.Duration(c.TickRate)
}

// LogConfig 日誌配置
type LogConfig struct {
	Level  string `yaml:"level"`  // debug / info / warn / error
	Format string `yaml:"format"` // text / json
}

// DefaultConfig 內建預設值（本地開發可零配置啟動）
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "pong",
			Password: "pong",
			Database: "pong",
			SSLMode:  "disable",
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
		},
		Game: GameConfig{
			TickRate:             60,
			PointsToWin:          DefaultPointsToWin,
			SaveInterval:         200 * time.Millisecond,
			MaxConcurrentCreates: 20,
			ReadTimeout:          60 * time.Second,
			PingInterval:         54 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig 讀取配置文件並套用到預設值之上
//
// path 為空時直接回傳預設配置；文件不存在視為錯誤
// （明確指定的配置讀不到比悄悄用預設值安全）。
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("讀取配置文件: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("解析配置文件: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("配置驗證: %w", err)
	}

	return cfg, nil
}

func (c Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("非法端口 %d", c.Server.Port)
	}
	if c.Game.TickRate <= 0 {
		return fmt.Errorf("tick_rate 必須為正，得到 %d", c.Game.TickRate)
	}
	if c.Game.PointsToWin <= 0 {
		return fmt.Errorf("points_to_win 必須為正，得到 %d", c.Game.PointsToWin)
	}
	if c.Game.MaxConcurrentCreates <= 0 {
		return fmt.Errorf("max_concurrent_creates 必須為正，得到 %d", c.Game.MaxConcurrentCreates)
	}
	if c.Game.PingInterval >= c.Game.ReadTimeout {
		return fmt.Errorf("ping_interval (%s) 必須小於 read_timeout (%s)",
			c.Game.PingInterval, c.Game.ReadTimeout)
	}
	return nil
}
