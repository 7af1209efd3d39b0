package database

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"github.com/coralclub/tents/internal/kv"
	"github.com/coralclub/tents/internal/state"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeTentStateCodes = "2025-07-01_normalize_tent_state_codes"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeTentStateCodes, apply: normalizeTentStateCodes},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeTentStateCodes rewrites documents written with the two-letter tent codes
// (av, pr, oc, bl) to the long state names. Entries that are not state documents are skipped.
func normalizeTentStateCodes(db *gorm.DB) error {
	var entries []kv.Entry
	if err := db.Find(&entries).Error; err != nil {
		return err
	}
	for _, entry := range entries {
		document, err := state.DecodeDocument(json.RawMessage(entry.ValueJSON))
		if err != nil || !document.Has(state.KeyTents) {
			continue
		}
		original := document[state.KeyTents]
		var tents []state.Tent
		if _, err := document.DecodeField(state.KeyTents, &tents); err != nil {
			continue
		}
		if err := document.Put(state.KeyTents, tents); err != nil {
			return err
		}
		if bytes.Equal(original, document[state.KeyTents]) {
			continue
		}
		encoded, err := document.Encode()
		if err != nil {
			return err
		}
		if err := db.Model(&kv.Entry{}).
			Where("entry_key = ?", entry.Key).
			Update("value_json", string(encoded)).Error; err != nil {
			return err
		}
	}
	return nil
}
