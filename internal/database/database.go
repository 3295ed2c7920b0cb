// Package database は gorm による RDB 接続を提供します。
package database

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// Open は backend（postgres / sqlite）に応じた gorm.DB を返します。
func Open(backend, dsn, sqlitePath string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch backend {
	case "postgres":
		if dsn == "" {
			return nil, fmt.Errorf("postgres dsn is empty")
		}
		dialector = postgres.Open(dsn)
	case "sqlite":
		if sqlitePath == "" {
			return nil, fmt.Errorf("sqlite path is empty")
		}
		// 複数ワーカーからの同時書き込みはロック待ちで直列化する
		dialector = sqlite.Open(sqlitePath + "?_busy_timeout=5000&_journal_mode=WAL")
	default:
		return nil, fmt.Errorf("unsupported database backend: %s", backend)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         gormLogger.Default.LogMode(gormLogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", backend, err)
	}
	return db, nil
}

// Close は基盤の *sql.DB を閉じます。
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
