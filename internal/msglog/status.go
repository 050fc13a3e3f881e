package msglog

import (
	"context"
	"errors"
	"fmt"

	"github.com/qmuntal/stateless"
	"github.com/zulandar/switchyard/internal/models"
)

// Status triggers.
const (
	triggerProcess = "process"
	triggerDeliver = "deliver"
	triggerFail    = "fail"
)

// ErrInvalidTransition is returned when a status change is not allowed from
// the message's current status.
var ErrInvalidTransition = errors.New("msglog: invalid status transition")

// newStatusMachine builds the lifecycle of a message starting at status:
//
//	received --process--> processed
//	sent --deliver--> delivered
//	sent --fail--> failed
//
// Repeating the trigger that produced a settled status is ignored so that
// redelivered receipts are harmless.
func newStatusMachine(status string) *stateless.StateMachine {
	sm := stateless.NewStateMachine(status)
	sm.Configure(models.StatusReceived).
		Permit(triggerProcess, models.StatusProcessed)
	sm.Configure(models.StatusProcessed).
		Ignore(triggerProcess)
	sm.Configure(models.StatusSent).
		Permit(triggerDeliver, models.StatusDelivered).
		Permit(triggerFail, models.StatusFailed)
	sm.Configure(models.StatusDelivered).
		Ignore(triggerDeliver)
	sm.Configure(models.StatusFailed).
		Ignore(triggerFail)
	return sm
}

// nextStatus returns the status reached by firing trigger from status.
func nextStatus(ctx context.Context, status, trigger string) (string, error) {
	sm := newStatusMachine(status)
	if err := sm.FireCtx(ctx, trigger); err != nil {
		return "", fmt.Errorf("%w: %s from %q", ErrInvalidTransition, trigger, status)
	}
	next, err := sm.State(ctx)
	if err != nil {
		return "", fmt.Errorf("msglog: status: %w", err)
	}
	return next.(string), nil
}

// triggerFor maps a receipt status to its trigger.
func triggerFor(status string) (string, error) {
	switch status {
	case models.StatusDelivered:
		return triggerDeliver, nil
	case models.StatusFailed:
		return triggerFail, nil
	case models.StatusProcessed:
		return triggerProcess, nil
	}
	return "", fmt.Errorf("%w: no transition to %q", ErrInvalidTransition, status)
}
