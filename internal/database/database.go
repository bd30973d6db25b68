package database

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"aiInterview/internal/config"
)

const connectTimeout = 5 * time.Second

// InitDatabase 打开一个分区库的连接。同一台服务器上有多个分区，
// 每个分区的连接池较小，并以 application_name 标出所属分区库。
func InitDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	logLevel := logger.Warn
	if cfg.LogSQL {
		logLevel = logger.Info
	}

	dsn := fmt.Sprintf("%s application_name=ai-interview:%s connect_timeout=%d",
		cfg.DSN(), cfg.Name, int(connectTimeout.Seconds()))
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logLevel),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", cfg.Name, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrap db %q: %w", cfg.Name, err)
	}
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping database %q: %w", cfg.Name, err)
	}
	return db, nil
}
