// Package compliance enforces opt-in and opt-out rules before any routing
// happens. Every inbound message passes through the Gate first.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Outcome is the gate's verdict for one message.
type Outcome int

const (
	// Continue means the message proceeds to routing.
	Continue Outcome = iota
	// Stopped means the user just opted out; Reply is the confirmation.
	Stopped
	// Blocked means the user is opted out and did not send a start keyword.
	Blocked
	// Help means the user asked for help; Reply is the help text.
	Help
)

func (o Outcome) String() string {
	switch o {
	case Continue:
		return "continue"
	case Stopped:
		return "stopped"
	case Blocked:
		return "blocked"
	case Help:
		return "help"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result is returned by Check. Reply is empty for Continue.
type Result struct {
	Outcome Outcome
	Reply   string
	OptIn   *models.OptIn
}

// SessionDeleter removes the active session for a conversation.
type SessionDeleter interface {
	Delete(ctx context.Context, phone, channel string) error
}

// Gate applies the consent rules.
type Gate struct {
	db       *gorm.DB
	sessions SessionDeleter
	cfg      config.ComplianceConfig
	now      func() time.Time
}

// GateOpts holds parameters for creating a Gate.
type GateOpts struct {
	DB       *gorm.DB
	Sessions SessionDeleter
	Config   config.ComplianceConfig
	Now      func() time.Time // defaults to time.Now
}

// NewGate creates a Gate.
func NewGate(opts GateOpts) (*Gate, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("compliance: db is required")
	}
	if opts.Sessions == nil {
		return nil, fmt.Errorf("compliance: session store is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Gate{db: opts.DB, sessions: opts.Sessions, cfg: opts.Config, now: now}, nil
}

// Check classifies text for (phone, channel) and records any consent change.
func (g *Gate) Check(ctx context.Context, phone, channel, text string) (Result, error) {
	word := strings.TrimSpace(text)

	rec, err := g.Lookup(ctx, phone, channel)
	if err != nil {
		return Result{}, err
	}

	switch {
	case matches(g.cfg.StopKeywords, word):
		rec, err = g.record(ctx, rec, phone, channel, false, "")
		if err != nil {
			return Result{}, err
		}
		if err := g.sessions.Delete(ctx, phone, channel); err != nil {
			return Result{}, fmt.Errorf("compliance: stop: %w", err)
		}
		return Result{Outcome: Stopped, Reply: g.cfg.OptOutConfirmation, OptIn: rec}, nil

	case matches(g.cfg.StartKeywords, word):
		rec, err = g.record(ctx, rec, phone, channel, true, channel+"-start")
		if err != nil {
			return Result{}, err
		}
		return Result{Outcome: Continue, OptIn: rec}, nil

	case rec == nil:
		rec, err = g.record(ctx, nil, phone, channel, true, channel+"-first-contact")
		if err != nil {
			return Result{}, err
		}
		if matches(g.cfg.HelpKeywords, word) {
			return Result{Outcome: Help, Reply: g.cfg.HelpText, OptIn: rec}, nil
		}
		return Result{Outcome: Continue, OptIn: rec}, nil

	case !rec.OptedIn:
		return Result{Outcome: Blocked, Reply: g.cfg.OptedOutNotice, OptIn: rec}, nil

	case matches(g.cfg.HelpKeywords, word):
		return Result{Outcome: Help, Reply: g.cfg.HelpText, OptIn: rec}, nil
	}
	return Result{Outcome: Continue, OptIn: rec}, nil
}

// Lookup returns the consent record for (phone, channel), or nil if the
// user has never contacted the service on that channel.
func (g *Gate) Lookup(ctx context.Context, phone, channel string) (*models.OptIn, error) {
	var rec models.OptIn
	err := g.db.WithContext(ctx).Where("phone = ? AND channel = ?", phone, channel).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("compliance: lookup %s/%s: %w", phone, channel, err)
	}
	return &rec, nil
}

// SetLocale records the locale the user last chose, typically from the
// keyword that started a flow.
func (g *Gate) SetLocale(ctx context.Context, phone, channel, locale string) error {
	if locale == "" {
		return nil
	}
	err := g.db.WithContext(ctx).Model(&models.OptIn{}).
		Where("phone = ? AND channel = ?", phone, channel).
		Update("locale", locale).Error
	if err != nil {
		return fmt.Errorf("compliance: set locale: %w", err)
	}
	return nil
}

// record upserts the consent row. Opting out keeps the original consent
// timestamp and source for audit; only the flag changes.
func (g *Gate) record(ctx context.Context, rec *models.OptIn, phone, channel string, optedIn bool, source string) (*models.OptIn, error) {
	now := g.now()
	if rec == nil {
		rec = &models.OptIn{
			Phone:   phone,
			Channel: channel,
			Locale:  g.cfg.DefaultLocale,
		}
	}
	rec.OptedIn = optedIn
	if optedIn {
		rec.ConsentSource = source
		rec.ConsentAt = now
	}

	var err error
	if rec.ID != 0 {
		err = g.db.WithContext(ctx).Save(rec).Error
	} else {
		err = g.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "phone"}, {Name: "channel"}},
			DoUpdates: clause.AssignmentColumns([]string{"opted_in", "consent_source", "consent_at", "updated_at"}),
		}).Create(rec).Error
	}
	if err != nil {
		return nil, fmt.Errorf("compliance: record consent for %s/%s: %w", phone, channel, err)
	}
	return rec, nil
}

func matches(keywords []string, word string) bool {
	for _, kw := range keywords {
		if strings.EqualFold(strings.TrimSpace(kw), word) {
			return true
		}
	}
	return false
}
