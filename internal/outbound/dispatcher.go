package outbound

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/gateway"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/msglog"
	"gorm.io/gorm"
)

const (
	// defaultAttempts is the number of send attempts per message.
	defaultAttempts = 3
	// baseBackoff is the delay after the first failed attempt.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 30 * time.Second
)

// ErrDeadline is returned when the request deadline expired while sending.
// The caller should treat it as retryable.
var ErrDeadline = errors.New("outbound: request deadline exceeded")

// DispatchError is returned when every attempt to send a message failed.
type DispatchError struct {
	Phone    string
	Attempts int
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("outbound: send to %s failed after %d attempt(s): %v", e.Phone, e.Attempts, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// temporary is implemented by gateway errors that know whether a retry can help.
type temporary interface {
	Temporary() bool
}

// Dispatcher sends composed replies and records them in the message log.
type Dispatcher struct {
	client      gateway.Client
	db          *gorm.DB
	composer    *Composer
	attempts    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// DispatcherOpts holds parameters for creating a Dispatcher.
type DispatcherOpts struct {
	Client gateway.Client
	DB     *gorm.DB
	Config config.DispatchConfig
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts DispatcherOpts) (*Dispatcher, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("outbound: gateway client is required")
	}
	if opts.DB == nil {
		return nil, fmt.Errorf("outbound: db is required")
	}
	d := &Dispatcher{
		client:      opts.Client,
		db:          opts.DB,
		composer:    NewComposer(opts.Config),
		attempts:    opts.Config.Attempts,
		baseBackoff: opts.Config.BaseBackoff,
		maxBackoff:  opts.Config.MaxBackoff,
	}
	if d.attempts <= 0 {
		d.attempts = defaultAttempts
	}
	if d.baseBackoff <= 0 {
		d.baseBackoff = baseBackoff
	}
	if d.maxBackoff <= 0 {
		d.maxBackoff = maxBackoff
	}
	return d, nil
}

// Dispatch composes text for the channel and sends every part in order. Each
// part is recorded as an outbound message, sent or failed. Sending stops at
// the first part that cannot be delivered.
func (d *Dispatcher) Dispatch(ctx context.Context, phone, channel, text string) ([]*models.Message, error) {
	var sent []*models.Message
	for _, part := range d.composer.Compose(channel, text) {
		corr, attempts, err := d.send(ctx, phone, channel, part)

		// Record even when the request context is gone.
		rec, rerr := msglog.RecordOutbound(context.WithoutCancel(ctx), d.db, msglog.Outbound{
			Phone:         phone,
			Channel:       channel,
			Text:          part,
			CorrelationID: corr,
			Err:           err,
		})
		if rerr != nil {
			log.Printf("outbound: %v", rerr)
		} else {
			sent = append(sent, rec)
		}

		if err != nil {
			if errors.Is(err, ErrDeadline) {
				return sent, err
			}
			return sent, &DispatchError{Phone: phone, Attempts: attempts, Err: err}
		}
	}
	return sent, nil
}

// send tries one part up to d.attempts times with exponential backoff.
func (d *Dispatcher) send(ctx context.Context, phone, channel, text string) (string, int, error) {
	var lastErr error
	for attempt := 0; attempt < d.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(d.backoff(attempt)):
			case <-ctx.Done():
				return "", attempt, fmt.Errorf("%w: %v", ErrDeadline, lastErr)
			}
		}
		corr, err := d.client.Send(ctx, phone, channel, text)
		if err == nil {
			return corr, attempt + 1, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", attempt + 1, fmt.Errorf("%w: %v", ErrDeadline, err)
		}
		var t temporary
		if errors.As(err, &t) && !t.Temporary() {
			return "", attempt + 1, err
		}
		log.Printf("outbound: send to %s attempt %d/%d: %v", phone, attempt+1, d.attempts, err)
	}
	return "", d.attempts, lastErr
}

// backoff returns the delay before the given retry (1-based).
func (d *Dispatcher) backoff(retry int) time.Duration {
	delay := d.baseBackoff << (retry - 1)
	if delay > d.maxBackoff || delay <= 0 {
		delay = d.maxBackoff
	}
	return delay
}
