package database

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/andi/mediabatch/backend/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Config keys understood by the snapshot
const (
	ConfigKeyMaxConcurrentTasks = "maxConcurrentTasks"
	ConfigKeyThreadsPerTask     = "threadsPerTask"
	ConfigKeyAutoStart          = "autoStart"
	ConfigKeyRetentionDays      = "retentionDays"
	ConfigKeyLogLevel           = "logLevel"
)

// DefaultSettings returns the fixed default for every known key
func DefaultSettings() models.Settings {
	return models.Settings{
		MaxConcurrentTasks: 2,
		ThreadsPerTask:     2,
		AutoStart:          true,
		RetentionDays:      30,
		LogLevel:           "info",
	}
}

// ConfigRepo is the durable key/value store for tunables
type ConfigRepo struct {
	db *DB
}

// NewConfigRepo creates a new config repository
func NewConfigRepo(db *DB) *ConfigRepo {
	return &ConfigRepo{db: db}
}

// Seed writes the defaults on first run of an empty store; an already
// populated store is left untouched
func (r *ConfigRepo) Seed() error {
	var count int64
	if err := r.db.conn.Model(&ConfigModel{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	return r.Set(settingsMap(DefaultSettings()))
}

// Snapshot reads the typed settings, merging persisted overrides onto the
// defaults; missing keys silently fall back
func (r *ConfigRepo) Snapshot() (*models.Settings, error) {
	var rows []ConfigModel
	if err := r.db.conn.Find(&rows).Error; err != nil {
		return nil, err
	}

	settings := DefaultSettings()
	for _, row := range rows {
		switch row.Key {
		case ConfigKeyMaxConcurrentTasks:
			decodeConfigValue(row.Value, &settings.MaxConcurrentTasks)
		case ConfigKeyThreadsPerTask:
			decodeConfigValue(row.Value, &settings.ThreadsPerTask)
		case ConfigKeyAutoStart:
			decodeConfigValue(row.Value, &settings.AutoStart)
		case ConfigKeyRetentionDays:
			decodeConfigValue(row.Value, &settings.RetentionDays)
		case ConfigKeyLogLevel:
			decodeConfigValue(row.Value, &settings.LogLevel)
		}
	}
	return &settings, nil
}

// Set upserts one or many keys transactionally, each stamped with the
// write time
func (r *ConfigRepo) Set(values map[string]interface{}) error {
	if len(values) == 0 {
		return nil
	}
	now := time.Now()
	return r.db.conn.Transaction(func(tx *gorm.DB) error {
		for key, value := range values {
			raw, err := json.Marshal(value)
			if err != nil {
				return fmt.Errorf("failed to encode config %q: %w", key, err)
			}
			entry := ConfigModel{Key: key, Value: raw, UpdatedAt: now}
			err = tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "key"}},
				DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
			}).Create(&entry).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// ResetToDefault rewrites every known key back to its default value.
// Unknown keys written by other components are preserved.
func (r *ConfigRepo) ResetToDefault() error {
	return r.Set(settingsMap(DefaultSettings()))
}

func settingsMap(s models.Settings) map[string]interface{} {
	return map[string]interface{}{
		ConfigKeyMaxConcurrentTasks: s.MaxConcurrentTasks,
		ConfigKeyThreadsPerTask:     s.ThreadsPerTask,
		ConfigKeyAutoStart:          s.AutoStart,
		ConfigKeyRetentionDays:      s.RetentionDays,
		ConfigKeyLogLevel:           s.LogLevel,
	}
}

// decodeConfigValue ignores malformed stored values so a bad row falls
// back to the default rather than failing the snapshot
func decodeConfigValue(raw []byte, target interface{}) {
	if len(raw) == 0 {
		return
	}
	_ = json.Unmarshal(raw, target)
}
