// Package gateway is the boundary with the SMS/USSD aggregator: the client
// used to send replies and the inbound event types it posts to us.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/zulandar/switchyard/internal/models"
)

// Client sends one text to a phone on a channel and returns the gateway's
// correlation id for the outbound message.
type Client interface {
	Send(ctx context.Context, phone, channel, text string) (string, error)
}

// ErrInvalidEvent is wrapped by every validation failure of an inbound event.
var ErrInvalidEvent = errors.New("gateway: invalid event")

var e164 = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

// ValidPhone reports whether phone is in E.164 form.
func ValidPhone(phone string) bool {
	return e164.MatchString(phone)
}

// Inbound is a normalized inbound message, whatever channel it came from.
type Inbound struct {
	Phone         string
	Channel       string
	Text          string
	CorrelationID string
	ReceivedAt    time.Time
}

// Event is an inbound payload posted by the gateway.
type Event interface {
	Normalize(now time.Time) (Inbound, error)
}

// SMSEvent is one inbound SMS.
type SMSEvent struct {
	From       string    `json:"from" binding:"required"`
	Text       string    `json:"text"`
	MessageID  string    `json:"message_id" binding:"required"`
	ReceivedAt time.Time `json:"received_at"`
}

// Normalize validates the event and converts it to an Inbound.
func (e SMSEvent) Normalize(now time.Time) (Inbound, error) {
	phone := strings.TrimSpace(e.From)
	if !ValidPhone(phone) {
		return Inbound{}, fmt.Errorf("%w: phone %q is not E.164", ErrInvalidEvent, e.From)
	}
	if strings.TrimSpace(e.MessageID) == "" {
		return Inbound{}, fmt.Errorf("%w: message_id is required", ErrInvalidEvent)
	}
	at := e.ReceivedAt
	if at.IsZero() {
		at = now
	}
	return Inbound{
		Phone:         phone,
		Channel:       models.ChannelSMS,
		Text:          e.Text,
		CorrelationID: "sms:" + e.MessageID,
		ReceivedAt:    at,
	}, nil
}

// USSDEvent is one step of a USSD session. Text is cumulative: every reply
// in the session so far joined with '*', e.g. "1*2" for a second reply of "2".
type USSDEvent struct {
	SessionID   string    `json:"session_id" binding:"required"`
	PhoneNumber string    `json:"phone_number" binding:"required"`
	ServiceCode string    `json:"service_code"`
	Text        string    `json:"text"`
	ReceivedAt  time.Time `json:"received_at"`
}

// Normalize validates the event and reduces the cumulative text to the
// latest reply. The correlation id is unique per step of the USSD session.
func (e USSDEvent) Normalize(now time.Time) (Inbound, error) {
	phone := strings.TrimSpace(e.PhoneNumber)
	if !ValidPhone(phone) {
		return Inbound{}, fmt.Errorf("%w: phone %q is not E.164", ErrInvalidEvent, e.PhoneNumber)
	}
	if strings.TrimSpace(e.SessionID) == "" {
		return Inbound{}, fmt.Errorf("%w: session_id is required", ErrInvalidEvent)
	}
	text, step := LastUSSDInput(e.Text)
	at := e.ReceivedAt
	if at.IsZero() {
		at = now
	}
	return Inbound{
		Phone:         phone,
		Channel:       models.ChannelUSSD,
		Text:          text,
		CorrelationID: "ussd:" + e.SessionID + "#" + strconv.Itoa(step),
		ReceivedAt:    at,
	}, nil
}

// LastUSSDInput returns the newest reply in a cumulative USSD string and its
// 1-based step number. The initial dial (empty text) is step 0.
func LastUSSDInput(cumulative string) (string, int) {
	if cumulative == "" {
		return "", 0
	}
	parts := strings.Split(cumulative, "*")
	return parts[len(parts)-1], len(parts)
}

// Receipt is a delivery report for an outbound message.
type Receipt struct {
	CorrelationID string `json:"correlation_id" binding:"required"`
	Status        string `json:"status" binding:"required"` // "delivered" or "failed"
	Error         string `json:"error"`
}

// Validate checks the receipt status.
func (r Receipt) Validate() error {
	if strings.TrimSpace(r.CorrelationID) == "" {
		return fmt.Errorf("%w: correlation_id is required", ErrInvalidEvent)
	}
	switch r.Status {
	case models.StatusDelivered, models.StatusFailed:
		return nil
	}
	return fmt.Errorf("%w: receipt status %q (want delivered or failed)", ErrInvalidEvent, r.Status)
}
