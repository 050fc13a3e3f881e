// Package router picks, for one inbound message, the flow to enter or the
// decision to continue the active session.
package router

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zulandar/switchyard/internal/catalog"
	"github.com/zulandar/switchyard/internal/models"
)

// Kind says whether a decision starts a new flow or continues the session.
type Kind int

const (
	Enter Kind = iota + 1
	Continue
)

func (k Kind) String() string {
	switch k {
	case Enter:
		return "enter"
	case Continue:
		return "continue"
	}
	return "unknown"
}

// Decision is the router's output. FlowID is empty for Continue. Locale is
// set when the match came from a keyword row that carries one.
type Decision struct {
	Kind   Kind
	FlowID string
	RuleID uint
	Locale string
}

// ErrNoMatch is returned when no rule matches. It cannot happen on a channel
// that passed snapshot validation (which requires a fallback rule).
var ErrNoMatch = errors.New("router: no rule matched")

// Input is what the router looks at.
type Input struct {
	Channel       string
	Text          string
	SessionActive bool   // a non-expired session exists for the conversation
	Locale        string // the user's preferred locale, for keyword ties
}

// Route evaluates the channel's rules in (priority, id) order and returns
// the first match.
func Route(snap *catalog.Snapshot, in Input) (Decision, error) {
	rules, err := snap.Rules(in.Channel)
	if err != nil {
		return Decision{}, fmt.Errorf("router: %w", err)
	}
	text := strings.TrimSpace(in.Text)
	for _, r := range rules {
		if d, ok := match(snap, r, text, in); ok {
			return d, nil
		}
	}
	return Decision{}, ErrNoMatch
}

func match(snap *catalog.Snapshot, r catalog.Rule, text string, in Input) (Decision, bool) {
	switch r.MatcherType {
	case models.MatcherKeyword:
		if r.MatcherValue != "" {
			if strings.EqualFold(text, strings.TrimSpace(r.MatcherValue)) {
				return Decision{Kind: Enter, FlowID: r.FlowID, RuleID: r.ID}, true
			}
			return Decision{}, false
		}
		kw, ok := pickKeyword(snap.Keywords(text), in.Locale)
		if !ok {
			return Decision{}, false
		}
		return Decision{Kind: Enter, FlowID: kw.FlowID, RuleID: r.ID, Locale: kw.Locale}, true

	case models.MatcherRegex:
		if r.Pattern != nil && r.Pattern.MatchString(text) {
			return Decision{Kind: Enter, FlowID: r.FlowID, RuleID: r.ID}, true
		}

	case models.MatcherSessionActive:
		if in.SessionActive {
			return Decision{Kind: Continue, RuleID: r.ID}, true
		}

	case models.MatcherFallback:
		return Decision{Kind: Enter, FlowID: r.FlowID, RuleID: r.ID}, true
	}
	return Decision{}, false
}

// pickKeyword prefers a row in the user's locale, then the lowest id. rows
// arrive ordered by id.
func pickKeyword(rows []models.Keyword, locale string) (models.Keyword, bool) {
	if len(rows) == 0 {
		return models.Keyword{}, false
	}
	if locale != "" {
		for _, kw := range rows {
			if strings.EqualFold(kw.Locale, locale) {
				return kw, true
			}
		}
	}
	return rows[0], true
}
