// Package catalog loads the admin-owned, read-mostly tables (keywords,
// routing rules, flows, content targeting rules) into an immutable Snapshot
// that a request uses unchanged from start to finish.
package catalog

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zulandar/switchyard/internal/models"
	"gorm.io/gorm"
)

// ConfigError reports a broken flow or rule set. The affected flow or
// channel is refused; the rest of the catalog stays usable.
type ConfigError struct {
	Scope  string // "flow lessons@1", "channel sms", "rule 7"
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("catalog: %s: %s", e.Scope, e.Reason)
}

// Rule is a routing rule with its regex compiled.
type Rule struct {
	models.RoutingRule
	Pattern *regexp.Regexp
}

// Snapshot is an immutable view of the catalog tables.
type Snapshot struct {
	LoadedAt time.Time

	rules     map[string][]Rule // channel -> rules in (priority, id) order
	disabled  map[string]*ConfigError
	keywords  map[string][]models.Keyword // upper-cased keyword -> rows by id
	flows     map[flowKey]*models.Flow
	latest    map[string]int // flow id -> highest active version
	targeting []models.ContentTargetingRule
	errs      []*ConfigError
}

type flowKey struct {
	id      string
	version int
}

// Rules returns the active rules for channel in evaluation order, or the
// ConfigError that disabled the channel.
func (s *Snapshot) Rules(channel string) ([]Rule, error) {
	if cerr, ok := s.disabled[channel]; ok {
		return nil, cerr
	}
	rules, ok := s.rules[channel]
	if !ok {
		return nil, &ConfigError{Scope: "channel " + channel, Reason: "no routing rules"}
	}
	return rules, nil
}

// Keywords returns the active keyword rows matching word case-insensitively,
// ordered by id.
func (s *Snapshot) Keywords(word string) []models.Keyword {
	return s.keywords[strings.ToUpper(strings.TrimSpace(word))]
}

// Flow returns a specific flow version, active or not. Sessions keep running
// on the version they started with.
func (s *Snapshot) Flow(id string, version int) (*models.Flow, bool) {
	f, ok := s.flows[flowKey{id, version}]
	return f, ok
}

// ActiveFlow returns the highest active version of the flow.
func (s *Snapshot) ActiveFlow(id string) (*models.Flow, bool) {
	v, ok := s.latest[id]
	if !ok {
		return nil, false
	}
	return s.Flow(id, v)
}

// Targeting returns the active content targeting rules.
func (s *Snapshot) Targeting() []models.ContentTargetingRule {
	return s.targeting
}

// Errors returns every configuration error found while building.
func (s *Snapshot) Errors() []*ConfigError {
	return s.errs
}

// DisabledChannels returns the channels whose rule set failed validation,
// sorted by name.
func (s *Snapshot) DisabledChannels() []string {
	out := make([]string, 0, len(s.disabled))
	for ch := range s.disabled {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Build validates the raw rows and assembles a Snapshot. Invalid flows are
// dropped; a channel whose rule set is invalid or lacks an active fallback
// is disabled.
func Build(keywords []models.Keyword, rules []models.RoutingRule, flows []models.Flow, targeting []models.ContentTargetingRule) *Snapshot {
	s := &Snapshot{
		LoadedAt: time.Now(),
		rules:    make(map[string][]Rule),
		disabled: make(map[string]*ConfigError),
		keywords: make(map[string][]models.Keyword),
		flows:    make(map[flowKey]*models.Flow),
		latest:   make(map[string]int),
	}

	for i := range flows {
		f := &flows[i]
		if err := ValidateFlow(f); err != nil {
			s.errs = append(s.errs, err)
			continue
		}
		s.flows[flowKey{f.ID, f.Version}] = f
		if f.Active && f.Version > s.latest[f.ID] {
			s.latest[f.ID] = f.Version
		}
	}

	sort.SliceStable(keywords, func(i, j int) bool { return keywords[i].ID < keywords[j].ID })
	for _, kw := range keywords {
		if !kw.Active {
			continue
		}
		if _, ok := s.latest[kw.FlowID]; !ok {
			s.errs = append(s.errs, &ConfigError{
				Scope:  "keyword " + kw.Keyword,
				Reason: fmt.Sprintf("flow %q has no valid active version", kw.FlowID),
			})
			continue
		}
		key := strings.ToUpper(strings.TrimSpace(kw.Keyword))
		s.keywords[key] = append(s.keywords[key], kw)
	}

	byChannel := make(map[string][]models.RoutingRule)
	for _, r := range rules {
		if r.Active {
			byChannel[r.Channel] = append(byChannel[r.Channel], r)
		}
	}
	for channel, rs := range byChannel {
		compiled, err := s.compileRules(channel, rs)
		if err != nil {
			s.disabled[channel] = err
			s.errs = append(s.errs, err)
			continue
		}
		s.rules[channel] = compiled
	}

	for _, t := range targeting {
		if t.Active {
			s.targeting = append(s.targeting, t)
		}
	}
	return s
}

func (s *Snapshot) compileRules(channel string, rs []models.RoutingRule) ([]Rule, *ConfigError) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].Priority != rs[j].Priority {
			return rs[i].Priority < rs[j].Priority
		}
		return rs[i].ID < rs[j].ID
	})

	scope := "channel " + channel
	out := make([]Rule, 0, len(rs))
	hasFallback := false
	for _, r := range rs {
		rule := Rule{RoutingRule: r}
		switch r.MatcherType {
		case models.MatcherRegex:
			re, err := regexp.Compile(r.MatcherValue)
			if err != nil {
				return nil, &ConfigError{Scope: scope, Reason: fmt.Sprintf("rule %d: bad regex: %v", r.ID, err)}
			}
			rule.Pattern = re
		case models.MatcherFallback:
			hasFallback = true
		case models.MatcherKeyword, models.MatcherSessionActive:
		default:
			return nil, &ConfigError{Scope: scope, Reason: fmt.Sprintf("rule %d: unknown matcher %q", r.ID, r.MatcherType)}
		}
		if needsFlow(r) {
			if _, ok := s.latest[r.FlowID]; !ok {
				return nil, &ConfigError{Scope: scope, Reason: fmt.Sprintf("rule %d: flow %q has no valid active version", r.ID, r.FlowID)}
			}
		}
		out = append(out, rule)
	}
	if !hasFallback {
		return nil, &ConfigError{Scope: scope, Reason: "no active fallback rule"}
	}
	return out, nil
}

// needsFlow reports whether the rule enters a flow named on the rule itself.
// Keyword rules without a literal take their flow from the keyword table.
func needsFlow(r models.RoutingRule) bool {
	switch r.MatcherType {
	case models.MatcherSessionActive:
		return false
	case models.MatcherKeyword:
		return r.MatcherValue != ""
	}
	return true
}

// ValidateFlow checks that a flow graph is closed: the start and error nodes
// exist, every transition and default target exists, menus have options and
// regex inputs compile.
func ValidateFlow(f *models.Flow) *ConfigError {
	scope := fmt.Sprintf("flow %s@%d", f.ID, f.Version)
	if len(f.Nodes) == 0 {
		return &ConfigError{Scope: scope, Reason: "no nodes"}
	}
	nodes := make(map[string]*models.FlowNode, len(f.Nodes))
	for i := range f.Nodes {
		nodes[f.Nodes[i].NodeID] = &f.Nodes[i]
	}
	if _, ok := nodes[f.StartNodeID]; !ok {
		return &ConfigError{Scope: scope, Reason: fmt.Sprintf("start node %q not found", f.StartNodeID)}
	}
	if f.ErrorNodeID != "" {
		if _, ok := nodes[f.ErrorNodeID]; !ok {
			return &ConfigError{Scope: scope, Reason: fmt.Sprintf("error node %q not found", f.ErrorNodeID)}
		}
	}
	for _, n := range f.Nodes {
		switch n.Kind {
		case models.NodeTerminal:
			continue
		case models.NodePrompt, models.NodeCapture:
		case models.NodeMenu:
			if len(n.MenuOptions()) == 0 {
				return &ConfigError{Scope: scope, Reason: fmt.Sprintf("menu node %q has no options", n.NodeID)}
			}
		default:
			return &ConfigError{Scope: scope, Reason: fmt.Sprintf("node %q: unknown kind %q", n.NodeID, n.Kind)}
		}
		if n.InputSpec == models.InputRegex {
			if _, err := regexp.Compile(n.InputPattern); err != nil {
				return &ConfigError{Scope: scope, Reason: fmt.Sprintf("node %q: bad input pattern: %v", n.NodeID, err)}
			}
		}
		targets := n.TransitionMap()
		if len(targets) == 0 && n.DefaultNextID == "" {
			return &ConfigError{Scope: scope, Reason: fmt.Sprintf("node %q is a dead end (no transitions, no default)", n.NodeID)}
		}
		for input, next := range targets {
			if _, ok := nodes[next]; !ok {
				return &ConfigError{Scope: scope, Reason: fmt.Sprintf("node %q: transition %q -> unknown node %q", n.NodeID, input, next)}
			}
		}
		if n.DefaultNextID != "" {
			if _, ok := nodes[n.DefaultNextID]; !ok {
				return &ConfigError{Scope: scope, Reason: fmt.Sprintf("node %q: default -> unknown node %q", n.NodeID, n.DefaultNextID)}
			}
		}
	}
	return nil
}

// Loader reads the catalog from the database and caches the Snapshot for
// the refresh interval.
type Loader struct {
	db       *gorm.DB
	interval time.Duration

	mu      sync.Mutex
	current *Snapshot
}

// NewLoader creates a Loader. A zero interval reloads on every call.
func NewLoader(db *gorm.DB, interval time.Duration) *Loader {
	return &Loader{db: db, interval: interval}
}

// Snapshot returns the cached snapshot, reloading it when older than the
// refresh interval. If a reload fails and a previous snapshot exists, the
// previous snapshot is returned and the error is logged.
func (l *Loader) Snapshot(ctx context.Context) (*Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.current != nil && l.interval > 0 && time.Since(l.current.LoadedAt) < l.interval {
		return l.current, nil
	}
	snap, err := l.load(ctx)
	if err != nil {
		if l.current != nil {
			log.Printf("catalog: reload failed, keeping snapshot from %s: %v",
				l.current.LoadedAt.Format(time.RFC3339), err)
			return l.current, nil
		}
		return nil, err
	}
	for _, cerr := range snap.Errors() {
		log.Printf("%v", cerr)
	}
	l.current = snap
	return snap, nil
}

// Invalidate forces the next Snapshot call to reload.
func (l *Loader) Invalidate() {
	l.mu.Lock()
	l.current = nil
	l.mu.Unlock()
}

func (l *Loader) load(ctx context.Context) (*Snapshot, error) {
	tx := l.db.WithContext(ctx)

	var keywords []models.Keyword
	if err := tx.Where("active = ?", true).Order("id").Find(&keywords).Error; err != nil {
		return nil, fmt.Errorf("catalog: load keywords: %w", err)
	}
	var rules []models.RoutingRule
	if err := tx.Where("active = ?", true).Order("priority, id").Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("catalog: load rules: %w", err)
	}
	var flows []models.Flow
	if err := tx.Preload("Nodes", func(db *gorm.DB) *gorm.DB {
		return db.Order("position")
	}).Find(&flows).Error; err != nil {
		return nil, fmt.Errorf("catalog: load flows: %w", err)
	}
	var targeting []models.ContentTargetingRule
	if err := tx.Where("active = ?", true).Order("rule_name").Find(&targeting).Error; err != nil {
		return nil, fmt.Errorf("catalog: load targeting: %w", err)
	}
	return Build(keywords, rules, flows, targeting), nil
}
