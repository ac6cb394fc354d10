package database

import "time"

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// ConnectionProfile is a saved connection. SpecEnc holds the fernet-sealed
// JSON of the connection spec, credentials included.
type ConnectionProfile struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string    `gorm:"uniqueIndex;not null;size:128" json:"name"`
	SpecEnc   string    `gorm:"type:text;not null" json:"-"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type KeyMonitor struct {
	ID            uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	ProfileName   string    `gorm:"not null;uniqueIndex:idx_monitor_key" json:"profile_name"`
	Key           string    `gorm:"not null;uniqueIndex:idx_monitor_key" json:"key"`
	IsPrefix      bool      `gorm:"not null;default:false" json:"is_prefix"`
	MonitorCreate bool      `gorm:"not null;default:false" json:"monitor_create"`
	MonitorModify bool      `gorm:"not null;default:false" json:"monitor_modify"`
	MonitorRemove bool      `gorm:"not null;default:false" json:"monitor_remove"`
	Paused        bool      `gorm:"not null;default:false" json:"paused"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type KeyCollection struct {
	ProfileName string `gorm:"primaryKey" json:"profile_name"`
	Key         string `gorm:"primaryKey" json:"key"`
}
