// Package localcache persists the session's minimal state projection between runs.
package localcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/coralclub/tents/internal/state"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultKey is the cache key holding the projection.
const DefaultKey = "coralclub:localState"

var errMissingDatabase = errors.New("localcache: database handle is required")

// Record is the persisted projection.
type Record struct {
	Key            string `gorm:"column:cache_key;primaryKey;size:190;not null"`
	PayloadJSON    string `gorm:"column:payload_json;type:text;not null"`
	SavedAtSeconds int64  `gorm:"column:saved_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "local_state"
}

// Config describes the cache dependencies.
type Config struct {
	Database *gorm.DB
	Key      string
	Clock    func() time.Time
}

// Cache reads and writes the projection of tents, reservations, payments, background,
// layout and security. Logs and volatile keys are never persisted.
type Cache struct {
	db    *gorm.DB
	key   string
	clock func() time.Time
}

// New constructs a Cache.
func New(cfg Config) (*Cache, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	key := cfg.Key
	if key == "" {
		key = DefaultKey
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Cache{db: cfg.Database, key: key, clock: clock}, nil
}

// Load returns the cached projection and whether one exists.
func (c *Cache) Load(ctx context.Context) (state.Document, bool, error) {
	var record Record
	err := c.db.WithContext(ctx).Where("cache_key = ?", c.key).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("localcache: load: %w", err)
	}
	document, err := state.DecodeDocument(json.RawMessage(record.PayloadJSON))
	if err != nil {
		return nil, false, fmt.Errorf("localcache: decode: %w", err)
	}
	if len(document) == 0 {
		return nil, false, nil
	}
	return document.Project(state.LocalProjectionKeys...), true, nil
}

// Save persists the projection of document.
func (c *Cache) Save(ctx context.Context, document state.Document) error {
	encoded, err := document.Project(state.LocalProjectionKeys...).Encode()
	if err != nil {
		return fmt.Errorf("localcache: encode: %w", err)
	}
	record := Record{
		Key:            c.key,
		PayloadJSON:    string(encoded),
		SavedAtSeconds: c.clock().UTC().Unix(),
	}
	err = c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cache_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload_json", "saved_at_s"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("localcache: save: %w", err)
	}
	return nil
}
