package models

import (
	"maps"
	"time"

	"gorm.io/datatypes"
)

// Session is the durable pointer of one (phone, channel) into a flow, plus
// the variables collected so far. FlowVersion never changes after creation.
// Version is the optimistic-concurrency token bumped on every save.
type Session struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	Phone          string `gorm:"size:20;not null;uniqueIndex:idx_session_phone_channel"`
	Channel        string `gorm:"size:8;not null;uniqueIndex:idx_session_phone_channel"`
	FlowID         string `gorm:"size:64;not null"`
	FlowVersion    int    `gorm:"not null"`
	CurrentNodeID  string `gorm:"size:64;not null"`
	Variables      datatypes.JSONType[map[string]string]
	RetryCount     int
	Version        int `gorm:"not null"`
	CreatedAt      time.Time
	LastActivityAt time.Time
	ExpiresAt      time.Time `gorm:"index"`
}

// Vars returns a copy of the session variables (never nil).
func (s *Session) Vars() map[string]string {
	out := make(map[string]string)
	maps.Copy(out, s.Variables.Data())
	return out
}

// SetVars replaces the session variables.
func (s *Session) SetVars(vars map[string]string) {
	s.Variables = datatypes.NewJSONType(vars)
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}
