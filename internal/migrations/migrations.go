// Package migrations 管理比賽持久層的資料庫結構
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed all:migrations
var migrationsFS embed.FS

// Migrator 以嵌入的 SQL 檔案驅動結構遷移
//
// 遷移檔案編譯進二進制裡，部署時不需要攜帶 SQL 目錄。
type Migrator struct {
	migrate *migrate.Migrate
	logger  *slog.Logger
}

// New 建立遷移管理器
func New(databaseURL string, logger *slog.Logger) (*Migrator, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("建立遷移源: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("建立遷移實例: %w", err)
	}

	return &Migrator{migrate: m, logger: logger}, nil
}

// Up 套用所有待處理的遷移
func (m *Migrator) Up() error {
	version, dirty, err := m.migrate.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("讀取遷移版本: %w", err)
	}

	if dirty {
		// 上一次遷移中斷留下的髒標記：強制回到該版本再繼續
		m.logger.Warn("資料庫處於髒狀態，嘗試修復", "version", version)
		if err := m.migrate.Force(int(version)); err != nil {
			return fmt.Errorf("修復髒狀態: %w", err)
		}
	}

	if err := m.migrate.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("資料庫結構已是最新")
			return nil
		}
		return fmt.Errorf("執行遷移: %w", err)
	}

	newVersion, _, _ := m.migrate.Version()
	m.logger.Info("資料庫遷移完成", "version", newVersion)
	return nil
}

// Down 回滾一個版本
func (m *Migrator) Down() error {
	if err := m.migrate.Steps(-1); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("回滾遷移: %w", err)
	}
	return nil
}

// Version 當前遷移版本
func (m *Migrator) Version() (uint, bool, error) {
	return m.migrate.Version()
}

// Close 釋放遷移管理器持有的連接
func (m *Migrator) Close() error {
	sourceErr, dbErr := m.migrate.Close()
	if sourceErr != nil {
		return fmt.Errorf("關閉遷移源: %w", sourceErr)
	}
	if dbErr != nil {
		return fmt.Errorf("關閉資料庫連接: %w", dbErr)
	}
	return nil
}
