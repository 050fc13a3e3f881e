// Package engine runs one inbound message through the conversation
// pipeline: dedupe, per-conversation lock, compliance gate, router, flow
// step, session write, reply dispatch and message log.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/zulandar/switchyard/internal/catalog"
	"github.com/zulandar/switchyard/internal/compliance"
	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/content"
	"github.com/zulandar/switchyard/internal/flow"
	"github.com/zulandar/switchyard/internal/gateway"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/msglog"
	"github.com/zulandar/switchyard/internal/outbound"
	"github.com/zulandar/switchyard/internal/router"
	"github.com/zulandar/switchyard/internal/session"
	"gorm.io/gorm"
)

// ErrTransient means the message was not handled and the gateway should
// redeliver it: the lock or request deadline expired, or the session kept
// changing underneath us.
var ErrTransient = errors.New("engine: transient failure")

// Outcome describes what happened to an inbound message.
type Outcome string

const (
	OutcomeDuplicate Outcome = "duplicate" // already processed, nothing done
	OutcomeStopped   Outcome = "stopped"   // user opted out
	OutcomeBlocked   Outcome = "blocked"   // user is opted out
	OutcomeHelp      Outcome = "help"
	OutcomeEntered   Outcome = "entered"    // a new flow was started
	OutcomeAdvanced  Outcome = "advanced"   // the session moved to another node
	OutcomeInvalid   Outcome = "invalid"    // input rejected, prompt repeated
	OutcomeCompleted Outcome = "completed"  // terminal node reached, session ended
	OutcomeErrorExit Outcome = "error-exit" // retries exhausted, session ended
	OutcomeFallback  Outcome = "fallback"   // configuration or data problem, generic reply
)

// Result reports how an inbound message was handled.
type Result struct {
	Outcome   Outcome
	Reply     string
	FlowID    string
	NodeID    string
	MessageID uint // inbound message row
	// DispatchErr is set when the reply could not be delivered. The message
	// counts as handled and the session was left as it was before the step.
	DispatchErr error
}

// SessionStore is the part of session.Store the engine uses.
type SessionStore interface {
	Load(ctx context.Context, phone, channel string) (*models.Session, error)
	Save(ctx context.Context, sess *models.Session) error
	Delete(ctx context.Context, phone, channel string) error
	DeleteVersion(ctx context.Context, sess *models.Session) error
	Restore(ctx context.Context, before, after *models.Session) error
}

// Engine is safe for concurrent use. Messages for the same conversation are
// serialized by the locker; unrelated conversations run in parallel.
type Engine struct {
	db         *gorm.DB
	catalog    *catalog.Loader
	gate       *compliance.Gate
	sessions   SessionStore
	locker     session.Locker
	dispatcher *outbound.Dispatcher
	cfg        *config.Config
	now        func() time.Time
}

// Opts holds parameters for creating an Engine.
type Opts struct {
	DB         *gorm.DB
	Catalog    *catalog.Loader
	Gate       *compliance.Gate
	Sessions   SessionStore
	Locker     session.Locker // defaults to an in-process KeyedMutex
	Dispatcher *outbound.Dispatcher
	Config     *config.Config
	Now        func() time.Time // defaults to time.Now
}

// New creates an Engine.
func New(opts Opts) (*Engine, error) {
	switch {
	case opts.DB == nil:
		return nil, fmt.Errorf("engine: db is required")
	case opts.Catalog == nil:
		return nil, fmt.Errorf("engine: catalog is required")
	case opts.Gate == nil:
		return nil, fmt.Errorf("engine: compliance gate is required")
	case opts.Sessions == nil:
		return nil, fmt.Errorf("engine: session store is required")
	case opts.Dispatcher == nil:
		return nil, fmt.Errorf("engine: dispatcher is required")
	case opts.Config == nil:
		return nil, fmt.Errorf("engine: config is required")
	}
	locker := opts.Locker
	if locker == nil {
		locker = session.NewKeyedMutex()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		db:         opts.DB,
		catalog:    opts.Catalog,
		gate:       opts.Gate,
		sessions:   opts.Sessions,
		locker:     locker,
		dispatcher: opts.Dispatcher,
		cfg:        opts.Config,
		now:        now,
	}, nil
}

// HandleEvent validates a gateway event and processes it.
func (e *Engine) HandleEvent(ctx context.Context, ev gateway.Event) (*Result, error) {
	in, err := ev.Normalize(e.now())
	if err != nil {
		return nil, err
	}
	return e.OnInbound(ctx, in.Phone, in.Channel, in.Text, in.CorrelationID, in.ReceivedAt)
}

// OnInbound processes one inbound message. It is idempotent on
// correlationID: a message already processed is acknowledged without
// running another step. A returned error wrapping ErrTransient means the
// message was not handled and should be redelivered.
func (e *Engine) OnInbound(ctx context.Context, phone, channel, text, correlationID string, receivedAt time.Time) (*Result, error) {
	if !gateway.ValidPhone(phone) {
		return nil, fmt.Errorf("%w: phone %q is not E.164", gateway.ErrInvalidEvent, phone)
	}
	if !models.ValidChannel(channel) {
		return nil, fmt.Errorf("%w: unknown channel %q", gateway.ErrInvalidEvent, channel)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Engine.RequestTimeout)
	defer cancel()

	msg, dup, err := msglog.RecordInbound(ctx, e.db, msglog.Inbound{
		Phone:         phone,
		Channel:       channel,
		Text:          text,
		CorrelationID: correlationID,
		ReceivedAt:    receivedAt,
	})
	if err != nil {
		return nil, transient(ctx, err)
	}
	if dup && msg.Status == models.StatusProcessed {
		return &Result{Outcome: OutcomeDuplicate, MessageID: msg.ID}, nil
	}

	lockCtx, lockCancel := context.WithTimeout(ctx, e.cfg.Session.LockTimeout)
	unlock, err := e.locker.Lock(lockCtx, session.Key(phone, channel))
	lockCancel()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer unlock()

	// A concurrent delivery of the same event may have been handled while
	// we waited for the lock.
	current, err := msglog.Find(ctx, e.db, models.DirectionIn, correlationID)
	if err != nil {
		return nil, transient(ctx, err)
	}
	if current.Status == models.StatusProcessed {
		return &Result{Outcome: OutcomeDuplicate, MessageID: msg.ID}, nil
	}

	var res *Result
	for attempt := 0; attempt < 2; attempt++ {
		res, err = e.step(ctx, phone, channel, text)
		if !errors.Is(err, session.ErrConflict) {
			break
		}
		log.Printf("engine: %s/%s: session conflict (attempt %d)", phone, channel, attempt+1)
	}
	if err != nil {
		if errors.Is(err, session.ErrConflict) {
			return nil, fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return nil, transient(ctx, err)
	}

	res.MessageID = msg.ID
	if err := msglog.MarkProcessed(ctx, e.db, msg.ID); err != nil {
		// The step and reply are done; a redelivery will run one more step.
		log.Printf("engine: %v", err)
	}
	return res, nil
}

// OnReceipt applies a delivery receipt to the outbound message log.
func (e *Engine) OnReceipt(ctx context.Context, r gateway.Receipt) (*models.Message, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return msglog.UpdateStatus(ctx, e.db, r.CorrelationID, r.Status, r.Error)
}

// step runs the pipeline once. Session writes happen before the reply is
// sent and are undone if it cannot be delivered.
func (e *Engine) step(ctx context.Context, phone, channel, text string) (*Result, error) {
	snap, err := e.catalog.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	check, err := e.gate.Check(ctx, phone, channel, text)
	if err != nil {
		return nil, err
	}
	switch check.Outcome {
	case compliance.Stopped:
		return e.reply(ctx, phone, channel, &Result{Outcome: OutcomeStopped, Reply: check.Reply}, nil, nil)
	case compliance.Blocked:
		return e.reply(ctx, phone, channel, &Result{Outcome: OutcomeBlocked, Reply: check.Reply}, nil, nil)
	case compliance.Help:
		return e.reply(ctx, phone, channel, &Result{Outcome: OutcomeHelp, Reply: check.Reply}, nil, nil)
	}

	current, err := e.sessions.Load(ctx, phone, channel)
	if err != nil {
		return nil, err
	}

	locale := e.cfg.Compliance.DefaultLocale
	if check.OptIn != nil && check.OptIn.Locale != "" {
		locale = check.OptIn.Locale
	}
	decision, err := router.Route(snap, router.Input{
		Channel:       channel,
		Text:          text,
		SessionActive: current != nil,
		Locale:        locale,
	})
	if err != nil {
		log.Printf("engine: %s/%s: route: %v", phone, channel, err)
		return e.reply(ctx, phone, channel, e.fallback(), nil, nil)
	}

	fe, err := e.flowEngine(snap)
	if err != nil {
		return nil, err
	}

	var (
		step *flow.Step
		f    *models.Flow
		ok   bool
	)
	switch decision.Kind {
	case router.Enter:
		f, ok = snap.ActiveFlow(decision.FlowID)
		if !ok {
			log.Printf("engine: %s/%s: rule %d: flow %q not available", phone, channel, decision.RuleID, decision.FlowID)
			return e.reply(ctx, phone, channel, e.fallback(), nil, nil)
		}
		if decision.Locale != "" {
			locale = decision.Locale
			if err := e.gate.SetLocale(ctx, phone, channel, locale); err != nil {
				return nil, err
			}
		}
		step, err = fe.Start(ctx, f, phone, channel, map[string]string{e.cfg.Content.LanguageVar: locale})

	case router.Continue:
		f, ok = snap.Flow(current.FlowID, current.FlowVersion)
		if !ok {
			log.Printf("engine: %s/%s: session flow %s@%d no longer loadable, ending session",
				phone, channel, current.FlowID, current.FlowVersion)
			if err := e.sessions.DeleteVersion(ctx, current); err != nil {
				return nil, err
			}
			return e.reply(ctx, phone, channel, e.fallback(), current, nil)
		}
		step, err = fe.Advance(ctx, f, current, text)
	}
	if err != nil {
		var dErr *content.DataIntegrityError
		if !errors.As(err, &dErr) {
			return nil, err
		}
		log.Printf("engine: %s/%s: %v", phone, channel, err)
		var before *models.Session
		if current != nil {
			if err := e.sessions.DeleteVersion(ctx, current); err != nil {
				return nil, err
			}
			before = current
		}
		return e.reply(ctx, phone, channel, e.fallback(), before, nil)
	}

	after, err := e.persist(ctx, current, decision.Kind, step)
	if err != nil {
		return nil, err
	}

	res := &Result{Reply: step.Reply, FlowID: f.ID}
	if step.Node != nil {
		res.NodeID = step.Node.NodeID
	}
	switch {
	case step.ErrorExit:
		res.Outcome = OutcomeErrorExit
	case step.Invalid:
		res.Outcome = OutcomeInvalid
	case step.End:
		res.Outcome = OutcomeCompleted
	case decision.Kind == router.Enter:
		res.Outcome = OutcomeEntered
	default:
		res.Outcome = OutcomeAdvanced
	}
	return e.reply(ctx, phone, channel, res, current, after)
}

// persist writes the step's session change. Entering a flow replaces any
// existing session with a new one; a session's flow version never changes.
// It returns the session as saved, or nil if the conversation ended.
func (e *Engine) persist(ctx context.Context, current *models.Session, kind router.Kind, step *flow.Step) (*models.Session, error) {
	if kind == router.Enter && current != nil {
		if err := e.sessions.DeleteVersion(ctx, current); err != nil {
			return nil, err
		}
	}
	if step.End {
		if kind == router.Continue && current != nil {
			if err := e.sessions.DeleteVersion(ctx, current); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}
	next := step.Session
	if kind == router.Enter {
		next.ID = 0
	}
	if err := e.sessions.Save(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// reply sends res.Reply. If delivery fails the session is put back the way
// it was (before) so the user's next message retries the same step. A
// deadline during dispatch is returned as an error; exhausted retries are
// reported in res.DispatchErr.
func (e *Engine) reply(ctx context.Context, phone, channel string, res *Result, before, after *models.Session) (*Result, error) {
	_, err := e.dispatcher.Dispatch(ctx, phone, channel, res.Reply)
	if err == nil {
		return res, nil
	}

	if rerr := e.undo(context.WithoutCancel(ctx), before, after); rerr != nil {
		log.Printf("engine: %s/%s: restore session: %v", phone, channel, rerr)
	}
	if errors.Is(err, outbound.ErrDeadline) {
		return nil, err
	}
	log.Printf("engine: %s/%s: %v", phone, channel, err)
	res.DispatchErr = err
	return res, nil
}

// undo reverts a step's session write. When a new flow replaced the old
// session the new row starts again at version 1, so it is removed and the
// old one re-created.
func (e *Engine) undo(ctx context.Context, before, after *models.Session) error {
	if before != nil && after != nil && (before.ID != after.ID || after.Version <= before.Version) {
		if err := e.sessions.Restore(ctx, nil, after); err != nil {
			return err
		}
		return e.sessions.Restore(ctx, before, nil)
	}
	if before != nil && after == nil {
		// Only re-create if the step actually removed it.
		live, err := e.sessions.Load(ctx, before.Phone, before.Channel)
		if err != nil {
			return err
		}
		if live != nil {
			return nil
		}
	}
	return e.sessions.Restore(ctx, before, after)
}

func (e *Engine) fallback() *Result {
	return &Result{Outcome: OutcomeFallback, Reply: e.cfg.Engine.FallbackMessage}
}

// flowEngine builds a flow engine bound to the snapshot's targeting rules.
func (e *Engine) flowEngine(snap *catalog.Snapshot) (*flow.Engine, error) {
	return flow.NewEngine(flow.EngineOpts{
		Content:    content.NewResolver(snap.Targeting(), e.cfg.Content),
		MaxRetries: e.cfg.Session.MaxRetries,
		ErrorExit:  e.cfg.Engine.ErrorExitMessage,
	})
}

// transient marks err as ErrTransient when the request deadline caused it.
func transient(ctx context.Context, err error) error {
	if errors.Is(err, outbound.ErrDeadline) || errors.Is(err, session.ErrLockTimeout) ||
		errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return err
}

// Describe renders a one-line summary of a result for operator output.
func Describe(res *Result) string {
	var b strings.Builder
	b.WriteString(string(res.Outcome))
	if res.FlowID != "" {
		fmt.Fprintf(&b, " flow=%s", res.FlowID)
	}
	if res.NodeID != "" {
		fmt.Fprintf(&b, " node=%s", res.NodeID)
	}
	if res.DispatchErr != nil {
		fmt.Fprintf(&b, " dispatch-error=%q", res.DispatchErr.Error())
	}
	return b.String()
}
