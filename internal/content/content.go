// Package content picks the lesson, book or practice pack for the variables
// a conversation has collected.
package content

import (
	"context"
	"fmt"
	"strings"

	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/models"
)

// Specificity weights of a non-wildcard match.
const (
	weightGrade    = 2
	weightSubject  = 2
	weightLanguage = 1
)

// DataIntegrityError reports a winning rule that does not name exactly one
// content target. An empty RuleName means no rule matched and no default
// reference is configured.
type DataIntegrityError struct {
	RuleName string
	Targets  int
}

func (e *DataIntegrityError) Error() string {
	if e.RuleName == "" {
		return "content: no targeting rule matched and content.default_id is unset"
	}
	return fmt.Sprintf("content: rule %q has %d targets, want exactly 1", e.RuleName, e.Targets)
}

// Resolver scores targeting rules against session variables.
type Resolver struct {
	rules    []models.ContentTargetingRule
	cfg      config.ContentConfig
	fallback models.ContentRef
}

// NewResolver creates a Resolver over rules. Inactive rules are ignored.
func NewResolver(rules []models.ContentTargetingRule, cfg config.ContentConfig) *Resolver {
	var fallback models.ContentRef
	if cfg.DefaultID != "" {
		fallback = models.ContentRef{Kind: cfg.DefaultKind, ID: cfg.DefaultID}
	}
	return &Resolver{rules: rules, cfg: cfg, fallback: fallback}
}

// Resolve returns the reference of the most specific matching rule. Ties go
// to the lowest rule name. With no candidate the configured default is
// returned, or a DataIntegrityError when there is none.
func (r *Resolver) Resolve(ctx context.Context, vars map[string]string) (models.ContentRef, error) {
	var (
		best      *models.ContentTargetingRule
		bestScore = -1
	)
	for i := range r.rules {
		rule := &r.rules[i]
		if !rule.Active {
			continue
		}
		score, ok := r.score(rule, vars)
		if !ok {
			continue
		}
		if score > bestScore || (score == bestScore && rule.RuleName < best.RuleName) {
			best, bestScore = rule, score
		}
	}
	if best == nil {
		if r.fallback.IsZero() {
			return models.ContentRef{}, &DataIntegrityError{}
		}
		return r.fallback, nil
	}
	targets := best.Targets()
	if len(targets) != 1 {
		return models.ContentRef{}, &DataIntegrityError{RuleName: best.RuleName, Targets: len(targets)}
	}
	return targets[0], nil
}

// score returns the rule's specificity, or false if any specified field
// disagrees with (or is missing from) vars.
func (r *Resolver) score(rule *models.ContentTargetingRule, vars map[string]string) (int, bool) {
	total := 0
	for _, f := range []struct {
		want   *string
		name   string
		weight int
	}{
		{rule.GradeBand, r.cfg.GradeVar, weightGrade},
		{rule.Subject, r.cfg.SubjectVar, weightSubject},
		{rule.Language, r.cfg.LanguageVar, weightLanguage},
	} {
		if f.want == nil {
			continue
		}
		have, ok := vars[f.name]
		if !ok || !strings.EqualFold(strings.TrimSpace(have), strings.TrimSpace(*f.want)) {
			return 0, false
		}
		total += f.weight
	}
	return total, true
}
