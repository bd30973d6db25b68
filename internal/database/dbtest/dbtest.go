// Package dbtest 提供基于 SQLite 内存库的分区注册表，供各包测试使用。
package dbtest

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"aiInterview/internal/config"
	"aiInterview/internal/database"
)

// Config 返回一份能通过校验的基础库配置。
func Config() config.DatabaseConfig {
	return config.DatabaseConfig{
		Host:    "localhost",
		Port:    5432,
		Name:    "interview",
		User:    "test",
		SSLMode: "disable",
	}
}

// Opener 为每个分区创建独立的内存库；同一 Opener 内相同库名共享同一内存库。
func Opener() database.Opener {
	suffix := uuid.NewString()
	return func(cfg config.DatabaseConfig) (*gorm.DB, error) {
		dsn := fmt.Sprintf("file:%s_%s?mode=memory&cache=shared", cfg.Name, suffix)
		db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger:         logger.Default.LogMode(logger.Silent),
			TranslateError: true,
		})
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		return db, nil
	}
}

// NewRegistry 返回已迁移的内存分区注册表，测试结束时自动关闭。
func NewRegistry(t testing.TB) *database.Registry {
	t.Helper()
	reg := database.NewRegistry(Config(), database.WithOpener(Opener()))
	if err := reg.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate partitions: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}
