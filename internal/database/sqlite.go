package database

import (
	"fmt"

	"github.com/coralclub/tents/internal/kv"
	"github.com/coralclub/tents/internal/localcache"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes the gateway's SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path, logger)
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&kv.Entry{}, &migrationRecord{}); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// OpenLocalCache opens the session-side cache database.
func OpenLocalCache(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path, logger)
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&localcache.Record{}); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Debug("local cache initialized", zap.String("path", path))
	}

	return db, nil
}

func open(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: newGormLogger(logger)})
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
