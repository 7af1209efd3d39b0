package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("kv: database handle is required")

// Entry is one stored key.
type Entry struct {
	Key              string `gorm:"column:entry_key;primaryKey;size:190;not null"`
	ValueJSON        string `gorm:"column:value_json;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "kv_entries"
}

// SQLiteStore keeps entries in one table. Increments run inside a transaction, and the
// connection pool is expected to be limited to one connection.
type SQLiteStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewSQLiteStore wraps an opened database whose schema includes Entry.
func NewSQLiteStore(db *gorm.DB, clock func() time.Time) (*SQLiteStore, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if clock == nil {
		clock = time.Now
	}
	return &SQLiteStore{db: db, clock: clock}, nil
}

// Get fetches the value at key.
func (s *SQLiteStore) Get(ctx context.Context, key string) (json.RawMessage, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	var entry Entry
	err := s.db.WithContext(ctx).Where("entry_key = ?", key).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return normalizeStored([]byte(entry.ValueJSON)), nil
}

// Set overwrites the value at key.
func (s *SQLiteStore) Set(ctx context.Context, key string, value json.RawMessage) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := validateValue(value); err != nil {
		return err
	}
	if err := upsertEntry(s.db.WithContext(ctx), key, string(value), s.clock()); err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return nil
}

// Incr atomically increments the integer at key, starting from zero.
func (s *SQLiteStore) Incr(ctx context.Context, key string) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	var next int64
	err := s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var entry Entry
		current := int64(0)
		lookupErr := transaction.Where("entry_key = ?", key).Take(&entry).Error
		switch {
		case errors.Is(lookupErr, gorm.ErrRecordNotFound):
		case lookupErr != nil:
			return fmt.Errorf("%w: %v", ErrUpstream, lookupErr)
		default:
			parsed, parseErr := strconv.ParseInt(strings.Trim(strings.TrimSpace(entry.ValueJSON), `"`), 10, 64)
			if parseErr != nil {
				return fmt.Errorf("%w: %s", ErrNotInteger, key)
			}
			current = parsed
		}
		next = current + 1
		if err := upsertEntry(transaction, key, strconv.FormatInt(next, 10), s.clock()); err != nil {
			return fmt.Errorf("%w: %v", ErrUpstream, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

func upsertEntry(db *gorm.DB, key, value string, now time.Time) error {
	entry := Entry{Key: key, ValueJSON: value, UpdatedAtSeconds: now.UTC().Unix()}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "entry_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value_json", "updated_at_s"}),
	}).Create(&entry).Error
}
