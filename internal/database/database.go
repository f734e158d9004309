package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open opens the unit database at path, creating it on first run, and
// migrates the schema.
func Open(path string) (*gorm.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	// Units sharing one database file contend for the write lock.
	if _, err := sqlDB.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates every table the unit uses.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Setting{}, &ConfigOption{}, &StateEntry{}, &PeerDatum{}, &DeferredEvent{}, &ActionRecord{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	// Deferrals used to be unique per name alone, which made units sharing
	// the file collide.
	if m := db.Migrator(); m.HasIndex(&DeferredEvent{}, "idx_deferred_events_name") {
		if err := m.DropIndex(&DeferredEvent{}, "idx_deferred_events_name"); err != nil {
			return fmt.Errorf("drop legacy deferral index: %w", err)
		}
	}
	return nil
}

func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ErrNotFound is returned by the lookup helpers when no row matches.
var ErrNotFound = errors.New("not found")

func GetSetting(db *gorm.DB, key string) (string, error) {
	var s Setting
	if err := db.Where("key = ?", key).First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	return s.Value, nil
}

func SetSetting(db *gorm.DB, key, value string) error {
	return db.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

// Config option helpers

// SeedConfigOptions inserts defaults for options that have never been set.
// Existing values are left alone.
func SeedConfigOptions(db *gorm.DB, defaults map[string]string) error {
	for key, value := range defaults {
		var count int64
		if err := db.Model(&ConfigOption{}).Where("key = ?", key).Count(&count).Error; err != nil {
			return fmt.Errorf("count config option %s: %w", key, err)
		}
		if count == 0 {
			if err := db.Create(&ConfigOption{Key: key, Value: value}).Error; err != nil {
				return fmt.Errorf("seed config option %s: %w", key, err)
			}
		}
	}
	return nil
}

func ListConfigOptions(db *gorm.DB) (map[string]string, error) {
	var opts []ConfigOption
	if err := db.Order("key").Find(&opts).Error; err != nil {
		return nil, err
	}
	out := make(map[string]string, len(opts))
	for _, o := range opts {
		out[o.Key] = o.Value
	}
	return out, nil
}

func SetConfigOption(db *gorm.DB, key, value string) error {
	return db.Where("key = ?", key).Assign(ConfigOption{Value: value}).FirstOrCreate(&ConfigOption{Key: key}).Error
}
