// Package session persists the per-conversation pointer into a flow and
// serializes concurrent work on the same conversation.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/switchyard/internal/models"
	"gorm.io/gorm"
)

// ErrConflict is returned by Save when the session was modified (or created)
// by someone else since it was loaded.
var ErrConflict = errors.New("session: version conflict")

// DefaultTTL is the inactivity window after which a session expires.
const DefaultTTL = 15 * time.Minute

// Store reads and writes sessions.
type Store struct {
	db  *gorm.DB
	ttl time.Duration
	now func() time.Time
}

// StoreOpts holds parameters for creating a Store.
type StoreOpts struct {
	DB  *gorm.DB
	TTL time.Duration    // defaults to DefaultTTL
	Now func() time.Time // defaults to time.Now
}

// NewStore creates a Store.
func NewStore(opts StoreOpts) (*Store, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("session: db is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{db: opts.DB, ttl: ttl, now: now}, nil
}

// TTL returns the configured inactivity window.
func (s *Store) TTL() time.Duration { return s.ttl }

// Load returns the live session for (phone, channel), or nil if there is
// none. An expired session is deleted and reported as absent.
func (s *Store) Load(ctx context.Context, phone, channel string) (*models.Session, error) {
	var sess models.Session
	err := s.db.WithContext(ctx).
		Where("phone = ? AND channel = ?", phone, channel).
		First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: load %s/%s: %w", phone, channel, err)
	}
	if sess.Expired(s.now()) {
		if err := s.db.WithContext(ctx).
			Where("id = ? AND version = ?", sess.ID, sess.Version).
			Delete(&models.Session{}).Error; err != nil {
			return nil, fmt.Errorf("session: expire %d: %w", sess.ID, err)
		}
		return nil, nil
	}
	return &sess, nil
}

// Save persists sess. A session with ID 0 is inserted; otherwise the row is
// updated only if its version still matches sess.Version. On success the
// activity and expiry timestamps are refreshed and Version is bumped.
func (s *Store) Save(ctx context.Context, sess *models.Session) error {
	now := s.now()
	if sess.ID == 0 {
		sess.Version = 1
		sess.CreatedAt = now
		sess.LastActivityAt = now
		sess.ExpiresAt = now.Add(s.ttl)
		err := s.db.WithContext(ctx).Create(sess).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			sess.ID = 0
			return ErrConflict
		}
		if err != nil {
			sess.ID = 0
			return fmt.Errorf("session: insert %s/%s: %w", sess.Phone, sess.Channel, err)
		}
		return nil
	}

	result := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND version = ?", sess.ID, sess.Version).
		Updates(map[string]interface{}{
			"current_node_id":  sess.CurrentNodeID,
			"variables":        sess.Variables,
			"retry_count":      sess.RetryCount,
			"version":          sess.Version + 1,
			"last_activity_at": now,
			"expires_at":       now.Add(s.ttl),
		})
	if result.Error != nil {
		return fmt.Errorf("session: update %d: %w", sess.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	sess.Version++
	sess.LastActivityAt = now
	sess.ExpiresAt = now.Add(s.ttl)
	return nil
}

// Delete removes the session for (phone, channel), if any.
func (s *Store) Delete(ctx context.Context, phone, channel string) error {
	err := s.db.WithContext(ctx).
		Where("phone = ? AND channel = ?", phone, channel).
		Delete(&models.Session{}).Error
	if err != nil {
		return fmt.Errorf("session: delete %s/%s: %w", phone, channel, err)
	}
	return nil
}

// DeleteVersion removes sess only if it has not been modified since it was
// loaded or saved.
func (s *Store) DeleteVersion(ctx context.Context, sess *models.Session) error {
	result := s.db.WithContext(ctx).
		Where("id = ? AND version = ?", sess.ID, sess.Version).
		Delete(&models.Session{})
	if result.Error != nil {
		return fmt.Errorf("session: delete %d: %w", sess.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// Restore undoes a step's write. before is the session as loaded (nil if
// there was none); after is what the step saved (nil if it deleted the
// session). The caller must still hold the conversation lock.
func (s *Store) Restore(ctx context.Context, before, after *models.Session) error {
	switch {
	case before == nil && after == nil:
		return nil
	case before == nil:
		return s.DeleteVersion(ctx, after)
	case after == nil:
		restored := *before
		if err := s.db.WithContext(ctx).Create(&restored).Error; err != nil {
			return fmt.Errorf("session: restore %d: %w", before.ID, err)
		}
		return nil
	}

	result := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND version = ?", after.ID, after.Version).
		Updates(map[string]interface{}{
			"current_node_id":  before.CurrentNodeID,
			"variables":        before.Variables,
			"retry_count":      before.RetryCount,
			"version":          after.Version + 1,
			"last_activity_at": before.LastActivityAt,
			"expires_at":       before.ExpiresAt,
		})
	if result.Error != nil {
		return fmt.Errorf("session: restore %d: %w", after.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// SweepExpired deletes every expired session and returns how many were
// removed.
func (s *Store) SweepExpired(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at <= ?", s.now()).
		Delete(&models.Session{})
	if result.Error != nil {
		return 0, fmt.Errorf("session: sweep: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Count returns the number of live sessions.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("expires_at > ?", s.now()).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("session: count: %w", err)
	}
	return n, nil
}
