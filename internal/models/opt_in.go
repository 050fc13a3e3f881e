package models

import "time"

// OptIn records consent for one (phone, channel). Rows are never deleted;
// they are retained for compliance audit.
type OptIn struct {
	ID            uint   `gorm:"primaryKey;autoIncrement"`
	Phone         string `gorm:"size:20;not null;uniqueIndex:idx_optin_phone_channel"`
	Channel       string `gorm:"size:8;not null;uniqueIndex:idx_optin_phone_channel"`
	OptedIn       bool   `gorm:"not null"`
	ConsentSource string `gorm:"size:32"`
	ConsentAt     time.Time
	Locale        string `gorm:"size:16"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TableName pins the table name used by the admin console.
func (OptIn) TableName() string { return "opt_ins" }
