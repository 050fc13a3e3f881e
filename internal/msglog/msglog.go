// Package msglog is the append-only audit log of inbound and outbound
// messages. Rows are never edited except for their status.
package msglog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/switchyard/internal/models"
	"gorm.io/gorm"
)

// Inbound describes an inbound message to record.
type Inbound struct {
	Phone         string
	Channel       string
	Text          string
	CorrelationID string
	ReceivedAt    time.Time
}

// RecordInbound inserts the inbound message with status received. If a row
// with the same correlation id already exists it is returned instead and
// dup is true.
func RecordInbound(ctx context.Context, db *gorm.DB, in Inbound) (msg *models.Message, dup bool, err error) {
	if in.CorrelationID == "" {
		return nil, false, fmt.Errorf("msglog: correlation id is required")
	}
	if !models.ValidChannel(in.Channel) {
		return nil, false, fmt.Errorf("msglog: unknown channel %q", in.Channel)
	}
	created := in.ReceivedAt
	if created.IsZero() {
		created = time.Now()
	}
	msg = &models.Message{
		Direction:     models.DirectionIn,
		Channel:       in.Channel,
		Phone:         in.Phone,
		Text:          in.Text,
		Status:        models.StatusReceived,
		CorrelationID: in.CorrelationID,
		CreatedAt:     created,
	}
	err = db.WithContext(ctx).Create(msg).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		existing, ferr := Find(ctx, db, models.DirectionIn, in.CorrelationID)
		if ferr != nil {
			return nil, false, ferr
		}
		return existing, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("msglog: record inbound %s: %w", in.CorrelationID, err)
	}
	return msg, false, nil
}

// Outbound describes an outbound message to record.
type Outbound struct {
	Phone         string
	Channel       string
	Text          string
	CorrelationID string // gateway id; a local id is generated when empty
	Err           error  // set when dispatch failed
}

// RecordOutbound inserts an outbound message with status sent, or failed
// when o.Err is set.
func RecordOutbound(ctx context.Context, db *gorm.DB, o Outbound) (*models.Message, error) {
	corr := o.CorrelationID
	if corr == "" {
		corr = "local-" + uuid.NewString()
	}
	msg := &models.Message{
		Direction:     models.DirectionOut,
		Channel:       o.Channel,
		Phone:         o.Phone,
		Text:          o.Text,
		Status:        models.StatusSent,
		CorrelationID: corr,
	}
	if o.Err != nil {
		msg.Status = models.StatusFailed
		msg.Error = o.Err.Error()
	}
	if err := db.WithContext(ctx).Create(msg).Error; err != nil {
		return nil, fmt.Errorf("msglog: record outbound to %s: %w", o.Phone, err)
	}
	return msg, nil
}

// MarkProcessed moves an inbound message from received to processed.
func MarkProcessed(ctx context.Context, db *gorm.DB, id uint) error {
	var msg models.Message
	if err := db.WithContext(ctx).First(&msg, id).Error; err != nil {
		return fmt.Errorf("msglog: mark processed %d: %w", id, err)
	}
	_, err := transition(ctx, db, &msg, models.StatusProcessed, "")
	return err
}

// UpdateStatus applies a delivery receipt to the outbound message with the
// given correlation id.
func UpdateStatus(ctx context.Context, db *gorm.DB, correlationID, status, errText string) (*models.Message, error) {
	msg, err := Find(ctx, db, models.DirectionOut, correlationID)
	if err != nil {
		return nil, err
	}
	return transition(ctx, db, msg, status, errText)
}

// transition validates the change with the status machine and writes it
// guarded on the old status, so concurrent receipts cannot both apply.
func transition(ctx context.Context, db *gorm.DB, msg *models.Message, status, errText string) (*models.Message, error) {
	trigger, err := triggerFor(status)
	if err != nil {
		return nil, err
	}
	next, err := nextStatus(ctx, msg.Status, trigger)
	if err != nil {
		return nil, fmt.Errorf("msglog: message %d: %w", msg.ID, err)
	}
	if next == msg.Status {
		return msg, nil
	}

	updates := map[string]interface{}{"status": next}
	if errText != "" {
		updates["error"] = errText
	}
	result := db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND status = ?", msg.ID, msg.Status).
		Updates(updates)
	if result.Error != nil {
		return nil, fmt.Errorf("msglog: update status %d: %w", msg.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("msglog: message %d: status changed concurrently", msg.ID)
	}
	msg.Status = next
	if errText != "" {
		msg.Error = errText
	}
	return msg, nil
}

// ErrNotFound is returned when no message matches.
var ErrNotFound = errors.New("msglog: message not found")

// Find returns the message with the given direction and correlation id.
func Find(ctx context.Context, db *gorm.DB, direction, correlationID string) (*models.Message, error) {
	var msg models.Message
	err := db.WithContext(ctx).
		Where("direction = ? AND correlation_id = ?", direction, correlationID).
		First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, direction, correlationID)
	}
	if err != nil {
		return nil, fmt.Errorf("msglog: find %s: %w", correlationID, err)
	}
	return &msg, nil
}

// ListOpts filters List. Zero values match everything.
type ListOpts struct {
	Phone     string
	Channel   string
	Direction string
	Status    string
	Limit     int // defaults to 50
	Offset    int
}

// List returns matching messages newest first, and the total match count.
func List(ctx context.Context, db *gorm.DB, opts ListOpts) ([]models.Message, int64, error) {
	filter := func() *gorm.DB {
		q := db.WithContext(ctx).Model(&models.Message{})
		if opts.Phone != "" {
			q = q.Where("phone = ?", opts.Phone)
		}
		if opts.Channel != "" {
			q = q.Where("channel = ?", strings.ToLower(opts.Channel))
		}
		if opts.Direction != "" {
			q = q.Where("direction = ?", opts.Direction)
		}
		if opts.Status != "" {
			q = q.Where("status = ?", opts.Status)
		}
		return q
	}

	var total int64
	if err := filter().Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("msglog: list: count: %w", err)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	var msgs []models.Message
	if err := filter().Order("created_at DESC, id DESC").Limit(limit).Offset(opts.Offset).Find(&msgs).Error; err != nil {
		return nil, 0, fmt.Errorf("msglog: list: %w", err)
	}
	return msgs, total, nil
}
