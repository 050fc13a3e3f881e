// Package flow advances a conversation one step through a versioned flow
// graph. It is pure apart from content resolution: the caller persists the
// resulting session and sends the reply.
package flow

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/zulandar/switchyard/internal/models"
)

// DefaultMaxRetries is the number of invalid inputs tolerated on one node
// before the conversation is sent to the error exit.
const DefaultMaxRetries = 3

// ContentVar is the session variable that holds the resolved content
// reference and the placeholder that renders it.
const ContentVar = "content"

// ContentResolver picks the content reference for a terminal node.
type ContentResolver interface {
	Resolve(ctx context.Context, vars map[string]string) (models.ContentRef, error)
}

// Step is the outcome of one Start or Advance. Exactly one reply is
// produced. When End is true the caller deletes the session; otherwise it
// saves Session.
type Step struct {
	Reply     string
	Session   *models.Session
	Node      *models.FlowNode // node the conversation is now on
	End       bool
	ErrorExit bool // retries exhausted
	Invalid   bool // input rejected, node unchanged
	Content   models.ContentRef
}

// Engine runs flow steps.
type Engine struct {
	content    ContentResolver
	maxRetries int
	errorExit  string
}

// EngineOpts holds parameters for creating an Engine.
type EngineOpts struct {
	Content    ContentResolver
	MaxRetries int    // defaults to DefaultMaxRetries
	ErrorExit  string // reply when the flow has no error node
}

// NewEngine creates an Engine.
func NewEngine(opts EngineOpts) (*Engine, error) {
	if opts.Content == nil {
		return nil, fmt.Errorf("flow: content resolver is required")
	}
	max := opts.MaxRetries
	if max <= 0 {
		max = DefaultMaxRetries
	}
	exit := opts.ErrorExit
	if exit == "" {
		exit = "Sorry, we could not understand your reply."
	}
	return &Engine{content: opts.Content, maxRetries: max, errorExit: exit}, nil
}

// Start creates a session for (phone, channel) on the flow's start node.
func (e *Engine) Start(ctx context.Context, f *models.Flow, phone, channel string, vars map[string]string) (*Step, error) {
	sess := &models.Session{
		Phone:       phone,
		Channel:     channel,
		FlowID:      f.ID,
		FlowVersion: f.Version,
	}
	if vars == nil {
		vars = map[string]string{}
	}
	return e.enter(ctx, f, sess, f.StartNodeID, vars)
}

// Advance applies one inbound text to the session's current node. The
// caller's session is not modified.
func (e *Engine) Advance(ctx context.Context, f *models.Flow, sess *models.Session, text string) (*Step, error) {
	if sess.FlowID != f.ID || sess.FlowVersion != f.Version {
		return nil, fmt.Errorf("flow: session is on %s@%d, got %s@%d", sess.FlowID, sess.FlowVersion, f.ID, f.Version)
	}
	node := findNode(f, sess.CurrentNodeID)
	if node == nil {
		return nil, fmt.Errorf("flow: node %q not found in %s@%d", sess.CurrentNodeID, f.ID, f.Version)
	}

	next := *sess
	vars := sess.Vars()

	value, ok := accept(node, text)
	var target string
	if ok {
		target = nextNode(node, value)
		ok = target != ""
	}
	if !ok {
		return e.reject(ctx, f, &next, node, vars)
	}

	if node.CaptureKey != "" && (node.Kind == models.NodeCapture || node.Kind == models.NodeMenu) {
		vars[node.CaptureKey] = value
	}
	next.RetryCount = 0
	return e.enter(ctx, f, &next, target, vars)
}

// reject handles invalid input: re-prompt, or force the error exit once the
// retry budget is spent.
func (e *Engine) reject(ctx context.Context, f *models.Flow, sess *models.Session, node *models.FlowNode, vars map[string]string) (*Step, error) {
	retries := sess.RetryCount + 1
	if retries > e.maxRetries {
		sess.RetryCount = retries
		sess.SetVars(vars)
		step := &Step{Session: sess, End: true, ErrorExit: true}
		if errNode := findNode(f, f.ErrorNodeID); errNode != nil {
			sess.CurrentNodeID = errNode.NodeID
			step.Node = errNode
			step.Reply = render(errNode, vars)
		} else {
			step.Reply = e.errorExit
		}
		return step, nil
	}
	sess.RetryCount = retries
	sess.SetVars(vars)
	return &Step{Reply: render(node, vars), Session: sess, Node: node, Invalid: true}, nil
}

// enter moves the session onto nodeID and renders its prompt. Terminal
// nodes end the conversation, resolving content first when required.
func (e *Engine) enter(ctx context.Context, f *models.Flow, sess *models.Session, nodeID string, vars map[string]string) (*Step, error) {
	node := findNode(f, nodeID)
	if node == nil {
		return nil, fmt.Errorf("flow: node %q not found in %s@%d", nodeID, f.ID, f.Version)
	}
	sess.CurrentNodeID = node.NodeID

	step := &Step{Session: sess, Node: node}
	if node.Kind == models.NodeTerminal {
		step.End = true
		if node.ContentRequired {
			ref, err := e.content.Resolve(ctx, vars)
			if err != nil {
				return nil, fmt.Errorf("flow: %s@%d node %s: %w", f.ID, f.Version, node.NodeID, err)
			}
			step.Content = ref
			vars[ContentVar] = ref.String()
		}
	}
	sess.SetVars(vars)
	step.Reply = render(node, vars)
	return step, nil
}

// accept validates text against the node and returns the normalized value.
func accept(node *models.FlowNode, text string) (string, bool) {
	text = strings.TrimSpace(text)
	if node.Kind == models.NodeMenu {
		return menuChoice(node.MenuOptions(), text)
	}
	switch node.InputSpec {
	case models.InputFreeText:
		return text, text != ""
	case models.InputNumericChoice:
		if _, err := strconv.Atoi(text); err != nil {
			return "", false
		}
		return text, true
	case models.InputRegex:
		re, err := regexp.Compile(node.InputPattern)
		if err != nil || !re.MatchString(text) {
			return "", false
		}
		return text, true
	}
	if node.Kind == models.NodeCapture {
		return text, text != ""
	}
	return text, true
}

// menuChoice accepts 1..N or an option's value or label.
func menuChoice(opts []models.MenuOption, text string) (string, bool) {
	if n, err := strconv.Atoi(text); err == nil {
		if n >= 1 && n <= len(opts) {
			return opts[n-1].Value, true
		}
		return "", false
	}
	for _, o := range opts {
		if strings.EqualFold(o.Value, text) || strings.EqualFold(o.Label, text) {
			return o.Value, true
		}
	}
	return "", false
}

// nextNode resolves the transition for value: exact key, then
// case-insensitive key, then the node default.
func nextNode(node *models.FlowNode, value string) string {
	transitions := node.TransitionMap()
	if next, ok := transitions[value]; ok {
		return next
	}
	keys := make([]string, 0, len(transitions))
	for k := range transitions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if strings.EqualFold(k, value) {
			return transitions[k]
		}
	}
	return node.DefaultNextID
}

func findNode(f *models.Flow, id string) *models.FlowNode {
	if id == "" {
		return nil
	}
	for i := range f.Nodes {
		if f.Nodes[i].NodeID == id {
			return &f.Nodes[i]
		}
	}
	return nil
}

// render substitutes {var} placeholders and lists menu options.
func render(node *models.FlowNode, vars map[string]string) string {
	text := Expand(node.PromptText, vars)
	if node.Kind != models.NodeMenu {
		return text
	}
	var b strings.Builder
	b.WriteString(text)
	for i, o := range node.MenuOptions() {
		label := o.Label
		if label == "" {
			label = o.Value
		}
		fmt.Fprintf(&b, "\n%d. %s", i+1, label)
	}
	return b.String()
}

// Expand replaces each {name} in text with vars[name]. Unknown placeholders
// are left as written.
func Expand(text string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(text, "{") {
		return text
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}
