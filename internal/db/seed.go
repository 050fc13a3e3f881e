package db

import (
	"fmt"
	"os"
	"strings"

	"github.com/zulandar/switchyard/internal/models"
	"gopkg.in/yaml.v3"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Catalog is the YAML bootstrap file for the admin-owned tables: keywords,
// routing rules, flows and content targeting rules.
type Catalog struct {
	Keywords  []KeywordSeed   `yaml:"keywords"`
	Rules     []RuleSeed      `yaml:"rules"`
	Flows     []FlowSeed      `yaml:"flows"`
	Targeting []TargetingSeed `yaml:"targeting"`
}

// KeywordSeed declares one keyword.
type KeywordSeed struct {
	Keyword     string `yaml:"keyword"`
	Locale      string `yaml:"locale"`
	Flow        string `yaml:"flow"`
	Description string `yaml:"description"`
	Active      *bool  `yaml:"active"`
}

// RuleSeed declares one routing rule.
type RuleSeed struct {
	Channel  string `yaml:"channel"`
	Priority int    `yaml:"priority"`
	Matcher  string `yaml:"matcher"`
	Value    string `yaml:"value"`
	Flow     string `yaml:"flow"`
	Active   *bool  `yaml:"active"`
}

// FlowSeed declares one flow version and its nodes.
type FlowSeed struct {
	ID      string     `yaml:"id"`
	Version int        `yaml:"version"`
	Name    string     `yaml:"name"`
	Type    string     `yaml:"type"`
	Locale  string     `yaml:"locale"`
	Start   string     `yaml:"start"`
	Error   string     `yaml:"error"`
	Active  *bool      `yaml:"active"`
	Nodes   []NodeSeed `yaml:"nodes"`
}

// NodeSeed declares one flow node.
type NodeSeed struct {
	ID              string              `yaml:"id"`
	Kind            string              `yaml:"kind"`
	Prompt          string              `yaml:"prompt"`
	Input           string              `yaml:"input"`
	Pattern         string              `yaml:"pattern"`
	Capture         string              `yaml:"capture"`
	Options         []models.MenuOption `yaml:"options"`
	Transitions     map[string]string   `yaml:"transitions"`
	Default         string              `yaml:"default"`
	ContentRequired bool                `yaml:"content"`
}

// TargetingSeed declares one content targeting rule. Empty Grade, Subject or
// Language means "any".
type TargetingSeed struct {
	Name         string `yaml:"name"`
	Grade        string `yaml:"grade"`
	Subject      string `yaml:"subject"`
	Language     string `yaml:"language"`
	Book         string `yaml:"book"`
	Lesson       string `yaml:"lesson"`
	PracticePack string `yaml:"practice_pack"`
	Active       *bool  `yaml:"active"`
}

// LoadCatalog reads a catalog YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("db: read catalog %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog unmarshals catalog YAML.
func ParseCatalog(data []byte) (*Catalog, error) {
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("db: parse catalog: %w", err)
	}
	return &cat, nil
}

// SeedResult counts what SeedCatalog wrote.
type SeedResult struct {
	Keywords     int
	Rules        int
	Flows        int
	FlowsSkipped int
	Targeting    int
}

// SeedCatalog upserts the catalog into the database in one transaction.
// Published flow versions are never overwritten; a seed entry for an
// existing (id, version) is skipped.
func SeedCatalog(db *gorm.DB, cat *Catalog) (SeedResult, error) {
	var res SeedResult
	err := db.Transaction(func(tx *gorm.DB) error {
		for _, k := range cat.Keywords {
			kw := models.Keyword{
				Keyword:     strings.ToUpper(strings.TrimSpace(k.Keyword)),
				Locale:      k.Locale,
				FlowID:      k.Flow,
				Description: k.Description,
				Active:      boolOr(k.Active, true),
			}
			if kw.Keyword == "" || kw.FlowID == "" {
				return fmt.Errorf("keyword %q: keyword and flow are required", k.Keyword)
			}
			if err := tx.Where("keyword = ? AND locale = ?", kw.Keyword, kw.Locale).
				Assign(map[string]interface{}{
					"flow_id":     kw.FlowID,
					"description": kw.Description,
					"active":      kw.Active,
				}).FirstOrCreate(&kw).Error; err != nil {
				return fmt.Errorf("keyword %q: %w", kw.Keyword, err)
			}
			res.Keywords++
		}

		for _, r := range cat.Rules {
			if !models.ValidChannel(r.Channel) {
				return fmt.Errorf("rule %s/%d: unknown channel %q", r.Channel, r.Priority, r.Channel)
			}
			if !models.ValidMatcherType(r.Matcher) {
				return fmt.Errorf("rule %s/%d: unknown matcher %q", r.Channel, r.Priority, r.Matcher)
			}
			rule := models.RoutingRule{
				Channel:      r.Channel,
				Priority:     r.Priority,
				MatcherType:  r.Matcher,
				MatcherValue: r.Value,
				FlowID:       r.Flow,
				Active:       boolOr(r.Active, true),
			}
			if err := tx.Where("channel = ? AND matcher_type = ? AND matcher_value = ?",
				rule.Channel, rule.MatcherType, rule.MatcherValue).
				Assign(map[string]interface{}{
					"priority": rule.Priority,
					"flow_id":  rule.FlowID,
					"active":   rule.Active,
				}).FirstOrCreate(&rule).Error; err != nil {
				return fmt.Errorf("rule %s/%d: %w", rule.Channel, rule.Priority, err)
			}
			res.Rules++
		}

		for _, f := range cat.Flows {
			created, err := seedFlow(tx, f)
			if err != nil {
				return err
			}
			if created {
				res.Flows++
			} else {
				res.FlowsSkipped++
			}
		}

		for _, ts := range cat.Targeting {
			rule := models.ContentTargetingRule{
				RuleName:       ts.Name,
				GradeBand:      optional(ts.Grade),
				Subject:        optional(strings.ToUpper(ts.Subject)),
				Language:       optional(ts.Language),
				BookID:         ts.Book,
				LessonID:       ts.Lesson,
				PracticePackID: ts.PracticePack,
				Active:         boolOr(ts.Active, true),
			}
			if rule.RuleName == "" {
				return fmt.Errorf("targeting rule: name is required")
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "rule_name"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"grade_band", "subject", "language", "book_id", "lesson_id", "practice_pack_id", "active", "updated_at",
				}),
			}).Create(&rule).Error; err != nil {
				return fmt.Errorf("targeting rule %q: %w", rule.RuleName, err)
			}
			res.Targeting++
		}
		return nil
	})
	if err != nil {
		return SeedResult{}, fmt.Errorf("db: seed catalog: %w", err)
	}
	return res, nil
}

// seedFlow creates a flow version with its nodes unless it already exists.
func seedFlow(tx *gorm.DB, f FlowSeed) (bool, error) {
	if f.ID == "" || f.Version <= 0 {
		return false, fmt.Errorf("flow %q: id and positive version are required", f.ID)
	}
	var count int64
	if err := tx.Model(&models.Flow{}).
		Where("id = ? AND version = ?", f.ID, f.Version).Count(&count).Error; err != nil {
		return false, fmt.Errorf("flow %s v%d: %w", f.ID, f.Version, err)
	}
	if count > 0 {
		return false, nil
	}

	flow := models.Flow{
		ID:          f.ID,
		Version:     f.Version,
		Name:        f.Name,
		Type:        f.Type,
		Locale:      f.Locale,
		Active:      boolOr(f.Active, true),
		StartNodeID: f.Start,
		ErrorNodeID: f.Error,
	}
	if flow.Name == "" {
		flow.Name = f.ID
	}
	for i, n := range f.Nodes {
		input := n.Input
		if input == "" {
			input = defaultInputSpec(n.Kind)
		}
		flow.Nodes = append(flow.Nodes, models.FlowNode{
			NodeID:          n.ID,
			Position:        i,
			Kind:            n.Kind,
			PromptText:      n.Prompt,
			InputSpec:       input,
			InputPattern:    n.Pattern,
			CaptureKey:      n.Capture,
			Options:         datatypes.NewJSONType(n.Options),
			Transitions:     datatypes.NewJSONType(n.Transitions),
			DefaultNextID:   n.Default,
			ContentRequired: n.ContentRequired,
		})
	}
	if err := tx.Create(&flow).Error; err != nil {
		return false, fmt.Errorf("flow %s v%d: %w", f.ID, f.Version, err)
	}
	return true, nil
}

func defaultInputSpec(kind string) string {
	switch kind {
	case models.NodeMenu:
		return models.InputNumericChoice
	case models.NodeCapture:
		return models.InputFreeText
	default:
		return models.InputNone
	}
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
