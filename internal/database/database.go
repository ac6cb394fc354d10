package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tzfun/etcd-workbench/internal/config"
)

var DB *gorm.DB

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = gorm.ErrRecordNotFound

func Init() error {
	db, err := Open(config.Cfg.DatabasePath())
	if err != nil {
		return err
	}
	DB = db
	return nil
}

// Open opens (creating if needed) the sqlite database at path in WAL mode
// and migrates the schema. ":memory:" is accepted for tests.
func Open(path string) (*gorm.DB, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create db directory: %w", err)
			}
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
	if path == ":memory:" {
		// Every pooled connection would get its own empty database.
		sqlDB.SetMaxOpenConns(1)
	} else if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&Setting{}, &ConnectionProfile{}, &KeyMonitor{}, &KeyCollection{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	return db, nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// IsNotFound reports whether err means no row matched.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

func DeleteSetting(key string) error {
	return DB.Where("key = ?", key).Delete(&Setting{}).Error
}

// Profile helpers

func ListProfiles() ([]ConnectionProfile, error) {
	var profiles []ConnectionProfile
	if err := DB.Order("name").Find(&profiles).Error; err != nil {
		return nil, err
	}
	return profiles, nil
}

func GetProfile(name string) (*ConnectionProfile, error) {
	var p ConnectionProfile
	if err := DB.Where("name = ?", name).First(&p).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// SaveProfile inserts or replaces the profile with p.Name.
func SaveProfile(p *ConnectionProfile) error {
	return DB.Where("name = ?", p.Name).
		Assign(ConnectionProfile{SpecEnc: p.SpecEnc}).
		FirstOrCreate(p).Error
}

// DeleteProfile removes a profile together with its monitors and
// collection.
func DeleteProfile(name string) error {
	return DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("profile_name = ?", name).Delete(&KeyMonitor{}).Error; err != nil {
			return err
		}
		if err := tx.Where("profile_name = ?", name).Delete(&KeyCollection{}).Error; err != nil {
			return err
		}
		res := tx.Where("name = ?", name).Delete(&ConnectionProfile{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

// Monitor helpers

func ListMonitors(profile string) ([]KeyMonitor, error) {
	var monitors []KeyMonitor
	if err := DB.Where("profile_name = ?", profile).Order("key").Find(&monitors).Error; err != nil {
		return nil, err
	}
	return monitors, nil
}

// SaveMonitor inserts or replaces the monitor of (ProfileName, Key).
func SaveMonitor(m *KeyMonitor) error {
	return DB.Where("profile_name = ? AND key = ?", m.ProfileName, m.Key).
		Assign(map[string]interface{}{
			"is_prefix":      m.IsPrefix,
			"monitor_create": m.MonitorCreate,
			"monitor_modify": m.MonitorModify,
			"monitor_remove": m.MonitorRemove,
			"paused":         m.Paused,
		}).
		FirstOrCreate(m).Error
}

func DeleteMonitor(profile, key string) error {
	return DB.Where("profile_name = ? AND key = ?", profile, key).Delete(&KeyMonitor{}).Error
}

// Collection helpers

func GetCollection(profile string) ([]string, error) {
	var rows []KeyCollection
	if err := DB.Where("profile_name = ?", profile).Order("key").Find(&rows).Error; err != nil {
		return nil, err
	}
	keys := make([]string, len(rows))
	for i, r := range rows {
		keys[i] = r.Key
	}
	return keys, nil
}

// SetCollection replaces the collection of a profile.
func SetCollection(profile string, keys []string) error {
	return DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("profile_name = ?", profile).Delete(&KeyCollection{}).Error; err != nil {
			return err
		}
		seen := make(map[string]bool, len(keys))
		for _, k := range keys {
			if seen[k] {
				continue
			}
			seen[k] = true
			if err := tx.Create(&KeyCollection{ProfileName: profile, Key: k}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
