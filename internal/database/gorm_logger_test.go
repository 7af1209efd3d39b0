package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/coralclub/tents/internal/kv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func TestMissingKeyLookupsStayQuiet(testContext *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	db, err := OpenSQLite(filepath.Join(testContext.TempDir(), "quiet.db"), zap.New(core))
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	testContext.Cleanup(func() { _ = sqlDB.Close() })

	store, err := kv.NewSQLiteStore(db, time.Now)
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	value, err := store.Get(context.Background(), "coralclub:missing")
	if err != nil || value != nil {
		testContext.Fatalf("expected nil for missing key, got %s err=%v", value, err)
	}
	if failures := logs.FilterLoggerName("gorm").FilterMessage("query failed"); failures.Len() != 0 {
		testContext.Fatalf("expected missing rows to stay out of the log, got %v", failures.All())
	}
}

func TestGormLoggerReportsFailures(testContext *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := newGormLogger(zap.New(core))
	query := func() (string, int64) { return "SELECT 1", 0 }

	logger.Trace(context.Background(), time.Now(), query, gorm.ErrRecordNotFound)
	logger.Trace(context.Background(), time.Now(), query, errors.New("disk I/O error"))
	logger.Trace(context.Background(), time.Now().Add(-time.Second), query, nil)
	logger.LogMode(gormlogger.Silent).Trace(context.Background(), time.Now(), query, errors.New("ignored"))

	entries := logs.All()
	if len(entries) != 2 {
		testContext.Fatalf("expected failure and slow query entries, got %v", entries)
	}
	if entries[0].Level != zapcore.ErrorLevel || entries[0].Message != "query failed" {
		testContext.Fatalf("unexpected first entry %+v", entries[0])
	}
	if entries[1].Level != zapcore.WarnLevel || entries[1].Message != "slow query" {
		testContext.Fatalf("unexpected second entry %+v", entries[1])
	}
}
