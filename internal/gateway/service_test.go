package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/coralclub/tents/internal/kv"
	"github.com/coralclub/tents/internal/state"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

const (
	testStateKey = "coralclub:state"
	testRevKey   = "coralclub:rev"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []int64
}

func (n *recordingNotifier) NotifyRevision(key string, rev int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, rev)
}

type failingStore struct {
	kv.Store
	failIncr bool
}

func (f failingStore) Incr(ctx context.Context, key string) (int64, error) {
	if f.failIncr {
		return 0, kv.ErrUpstream
	}
	return f.Store.Incr(ctx, key)
}

func newTestStore(t *testing.T) kv.Store {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "gateway.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.AutoMigrate(&kv.Entry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	store, err := kv.NewSQLiteStore(database, nil)
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return store
}

func newTestService(t *testing.T, store kv.Store, notifier RevisionNotifier, logger *zap.Logger) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{Store: store, Notifier: notifier, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service
}

func mustDocument(t *testing.T, raw string) state.Document {
	t.Helper()
	document, err := state.DecodeDocument(json.RawMessage(raw))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	return document
}

func TestNewServiceRequiresStore(t *testing.T) {
	_, err := NewService(ServiceConfig{})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected service error, got %v", err)
	}
	if serviceErr.Code() != "gateway.service.new.missing_store" {
		t.Fatalf("unexpected code %s", serviceErr.Code())
	}
}

func TestGetMissingKeyReturnsNil(t *testing.T) {
	service := newTestService(t, newTestStore(t), nil, nil)
	value, err := service.Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != nil {
		t.Fatalf("expected nil value, got %s", value)
	}
}

func TestEmptyKeyIsRejected(t *testing.T) {
	service := newTestService(t, newTestStore(t), nil, nil)
	_, err := service.Get(context.Background(), "  ")
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "gateway.get.invalid_key" {
		t.Fatalf("expected invalid key error, got %v", err)
	}
}

func TestSetEchoesValue(t *testing.T) {
	service := newTestService(t, newTestStore(t), nil, nil)
	ctx := context.Background()
	value, err := service.Set(ctx, "config", json.RawMessage(`{"a":1}`))
	if err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if string(value) != `{"a":1}` {
		t.Fatalf("unexpected echo %s", value)
	}
	stored, err := service.Get(ctx, "config")
	if err != nil || string(stored) != `{"a":1}` {
		t.Fatalf("unexpected stored value %s err=%v", stored, err)
	}
}

func TestIncrStartsFromZeroAndNotifies(t *testing.T) {
	notifier := &recordingNotifier{}
	service := newTestService(t, newTestStore(t), notifier, nil)
	ctx := context.Background()
	for want := int64(1); want <= 3; want++ {
		rev, err := service.Incr(ctx, testRevKey)
		if err != nil {
			t.Fatalf("incr failed: %v", err)
		}
		if rev != want {
			t.Fatalf("expected %d, got %d", want, rev)
		}
	}
	if len(notifier.events) != 3 || notifier.events[2] != 3 {
		t.Fatalf("unexpected notifications %v", notifier.events)
	}
}

func TestMergeOnEmptyStoreCreatesDocument(t *testing.T) {
	service := newTestService(t, newTestStore(t), nil, nil)
	merged, rev, err := service.Merge(context.Background(), testStateKey, mustDocument(t, `{"a":1}`), testRevKey)
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if rev != 1 {
		t.Fatalf("expected rev 1, got %d", rev)
	}
	if string(merged["a"]) != "1" || len(merged) != 1 {
		t.Fatalf("unexpected merged document %v", merged)
	}
}

func TestMergeReplacesTopLevelKeysAndBumpsRevision(t *testing.T) {
	service := newTestService(t, newTestStore(t), nil, nil)
	ctx := context.Background()
	if _, _, err := service.Merge(ctx, testStateKey, mustDocument(t, `{"a":1,"b":{"x":1}}`), testRevKey); err != nil {
		t.Fatalf("first merge failed: %v", err)
	}
	merged, rev, err := service.Merge(ctx, testStateKey, mustDocument(t, `{"b":{"y":2}}`), testRevKey)
	if err != nil {
		t.Fatalf("second merge failed: %v", err)
	}
	if rev != 2 {
		t.Fatalf("expected rev 2, got %d", rev)
	}
	if string(merged["a"]) != "1" {
		t.Fatalf("expected untouched key, got %s", merged["a"])
	}
	if string(merged["b"]) != `{"y":2}` {
		t.Fatalf("expected nested value to be replaced whole, got %s", merged["b"])
	}

	stored, err := service.Get(ctx, testStateKey)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(stored) != `{"a":1,"b":{"y":2}}` {
		t.Fatalf("unexpected stored document %s", stored)
	}
}

func TestMergeGuardedProtectedKeys(t *testing.T) {
	tests := []struct {
		name      string
		seed      string
		patch     string
		admin     bool
		expectErr bool
	}{
		{name: "bootstrap-allowed", seed: "", patch: `{"layout":{"count":20,"edit":false}}`},
		{name: "tents-open", seed: `{"layout":{"count":1,"edit":false}}`, patch: `{"tents":[]}`},
		{name: "layout-denied", seed: `{"layout":{"count":1,"edit":false}}`, patch: `{"layout":{"count":2,"edit":true}}`, expectErr: true},
		{name: "security-denied", seed: `{"security":{"adminPin":"1234"}}`, patch: `{"security":{"adminPin":"0000"}}`, expectErr: true},
		{name: "admin-allowed", seed: `{"payments":{"currency":"USD"}}`, patch: `{"payments":{"currency":"VES"}}`, admin: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := newTestService(t, newTestStore(t), nil, nil)
			ctx := context.Background()
			if tt.seed != "" {
				if _, err := service.Set(ctx, testStateKey, json.RawMessage(tt.seed)); err != nil {
					t.Fatalf("seed failed: %v", err)
				}
			}
			result, err := service.MergeGuarded(ctx, MergeRequest{
				StateKey: testStateKey,
				RevKey:   testRevKey,
				Patch:    mustDocument(t, tt.patch),
				Admin:    tt.admin,
			})
			if tt.expectErr {
				if !errors.Is(err, ErrAdminRequired) {
					t.Fatalf("expected admin required, got %v", err)
				}
				rev, getErr := service.Get(ctx, testRevKey)
				if getErr != nil || rev != nil {
					t.Fatalf("expected revision untouched, got %s err=%v", rev, getErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.Rev != 1 {
				t.Fatalf("expected rev 1, got %d", result.Rev)
			}
		})
	}
}

func TestMergeRejectsUnknownTentState(t *testing.T) {
	service := newTestService(t, newTestStore(t), nil, nil)
	ctx := context.Background()
	if _, _, err := service.Merge(ctx, testStateKey, mustDocument(t, `{"tents":[{"id":1,"state":"available"}]}`), testRevKey); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	_, err := service.MergeGuarded(ctx, MergeRequest{
		StateKey: testStateKey,
		RevKey:   testRevKey,
		Patch:    mustDocument(t, `{"tents":[{"id":1,"state":"reserved"}]}`),
	})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "gateway.merge.invalid_patch" {
		t.Fatalf("expected invalid patch, got %v", err)
	}
	if !errors.Is(err, state.ErrInvalidTentState) {
		t.Fatalf("expected the tent state error to be wrapped, got %v", err)
	}
	rev, err := service.Get(ctx, testRevKey)
	if err != nil || string(rev) != "1" {
		t.Fatalf("expected revision untouched at 1, got %s err=%v", rev, err)
	}
}

func TestMergeLogsRevisionFailure(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	store := failingStore{Store: newTestStore(t), failIncr: true}
	service := newTestService(t, store, nil, zap.New(core))

	_, _, err := service.Merge(context.Background(), testStateKey, mustDocument(t, `{"a":1}`), testRevKey)
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "gateway.merge.revision_failed" {
		t.Fatalf("expected revision failure, got %v", err)
	}

	entries := logs.FilterMessage("gateway service error").All()
	if len(entries) != 1 {
		t.Fatalf("expected one error log, got %d", len(entries))
	}
	if entries[0].ContextMap()["reason"] != "revision_failed" {
		t.Fatalf("unexpected log context %v", entries[0].ContextMap())
	}

	stored, getErr := store.Get(context.Background(), testStateKey)
	if getErr != nil || string(stored) != `{"a":1}` {
		t.Fatalf("expected written document despite counter failure, got %s err=%v", stored, getErr)
	}
}
