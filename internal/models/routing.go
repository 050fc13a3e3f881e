package models

import "time"

// Routing rule matcher types.
const (
	MatcherKeyword       = "keyword"
	MatcherRegex         = "regex"
	MatcherSessionActive = "session-active"
	MatcherFallback      = "fallback"
)

// Keyword maps a literal trigger word to a flow entry point. Owned by admins;
// read-only to the engine.
type Keyword struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	Keyword     string `gorm:"size:64;not null;index"`
	Locale      string `gorm:"size:16"`
	FlowID      string `gorm:"size:64;not null"`
	Active      bool   `gorm:"index"`
	Description string `gorm:"size:256"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RoutingRule is one row of a channel's decision table. Rules are evaluated
// in (Priority, ID) order; the first match wins.
type RoutingRule struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	Priority     int    `gorm:"not null;index:idx_rule_channel_priority,priority:2"`
	Channel      string `gorm:"size:8;not null;index:idx_rule_channel_priority,priority:1"`
	MatcherType  string `gorm:"size:16;not null"`
	MatcherValue string `gorm:"size:256"`
	FlowID       string `gorm:"size:64"`
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ValidMatcherType reports whether t is a known matcher type.
func ValidMatcherType(t string) bool {
	switch t {
	case MatcherKeyword, MatcherRegex, MatcherSessionActive, MatcherFallback:
		return true
	}
	return false
}
