package models

import "time"

// Message directions.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Channels a conversation can run on.
const (
	ChannelSMS  = "sms"
	ChannelUSSD = "ussd"
)

// Message statuses. Inbound rows move received -> processed; outbound rows
// start at sent (or failed) and are later settled by delivery receipts.
const (
	StatusReceived  = "received"
	StatusProcessed = "processed"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// Message is the append-only audit record of one inbound or outbound text.
// Only Status (and its Error annotation) is ever updated after creation.
type Message struct {
	ID            uint      `gorm:"primaryKey;autoIncrement"`
	Direction     string    `gorm:"size:3;not null;uniqueIndex:idx_direction_correlation,priority:1"`
	Channel       string    `gorm:"size:8;not null;index:idx_message_phone_channel"`
	Phone         string    `gorm:"size:20;not null;index:idx_message_phone_channel"`
	Text          string    `gorm:"type:text"`
	Status        string    `gorm:"size:16;not null;index"`
	CorrelationID string    `gorm:"size:128;not null;uniqueIndex:idx_direction_correlation,priority:2"`
	Error         string    `gorm:"type:text"`
	CreatedAt     time.Time `gorm:"index"`
	UpdatedAt     time.Time
}

// ValidChannel reports whether ch is a supported channel.
func ValidChannel(ch string) bool {
	return ch == ChannelSMS || ch == ChannelUSSD
}
