package models

import (
	"time"

	"gorm.io/datatypes"
)

// Flow node kinds.
const (
	NodePrompt   = "prompt"
	NodeMenu     = "menu"
	NodeCapture  = "capture"
	NodeTerminal = "terminal"
)

// Expected input specs.
const (
	InputNone          = "none"
	InputNumericChoice = "numeric-choice"
	InputFreeText      = "free-text"
	InputRegex         = "regex"
)

// Flow is a versioned conversation definition. A published (ID, Version) is
// immutable; edits create a new version so running sessions are unaffected.
type Flow struct {
	ID          string `gorm:"primaryKey;size:64"`
	Version     int    `gorm:"primaryKey;autoIncrement:false"`
	Name        string `gorm:"size:128;not null"`
	Type        string `gorm:"size:32"`
	Locale      string `gorm:"size:16"`
	Active      bool   `gorm:"index"`
	StartNodeID string `gorm:"size:64;not null"`
	ErrorNodeID string `gorm:"size:64"`
	CreatedAt   time.Time

	Nodes []FlowNode `gorm:"foreignKey:FlowID,FlowVersion;references:ID,Version"`
}

// MenuOption is one numbered entry of a menu node. Value is what gets
// captured and matched against transitions; Label is what the user sees.
type MenuOption struct {
	Value string `json:"value" yaml:"value"`
	Label string `json:"label" yaml:"label"`
}

// FlowNode is one step of a Flow.
type FlowNode struct {
	FlowID          string `gorm:"primaryKey;size:64"`
	FlowVersion     int    `gorm:"primaryKey;autoIncrement:false"`
	NodeID          string `gorm:"primaryKey;size:64"`
	Position        int
	Kind            string `gorm:"size:16;not null"`
	PromptText      string `gorm:"type:text"`
	InputSpec       string `gorm:"size:16"`
	InputPattern    string `gorm:"size:256"`
	CaptureKey      string `gorm:"size:64"`
	Options         datatypes.JSONType[[]MenuOption]
	Transitions     datatypes.JSONType[map[string]string]
	DefaultNextID   string `gorm:"size:64"`
	ContentRequired bool
}

// MenuOptions returns the node's menu options.
func (n *FlowNode) MenuOptions() []MenuOption {
	return n.Options.Data()
}

// TransitionMap returns the node's input -> next node map (never nil).
func (n *FlowNode) TransitionMap() map[string]string {
	m := n.Transitions.Data()
	if m == nil {
		return map[string]string{}
	}
	return m
}
