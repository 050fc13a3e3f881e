package models

import "time"

// Content reference kinds.
const (
	ContentBook         = "book"
	ContentLesson       = "lesson"
	ContentPracticePack = "practice_pack"
)

// ContentTargetingRule maps collected variables to a content reference.
// Nil GradeBand, Subject or Language means "any".
type ContentTargetingRule struct {
	ID             uint    `gorm:"primaryKey;autoIncrement"`
	RuleName       string  `gorm:"size:128;not null;uniqueIndex"`
	GradeBand      *string `gorm:"size:16"`
	Subject        *string `gorm:"size:32"`
	Language       *string `gorm:"size:16"`
	BookID         string  `gorm:"size:64"`
	LessonID       string  `gorm:"size:64"`
	PracticePackID string  `gorm:"size:64"`
	Active         bool    `gorm:"index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ContentRef identifies one piece of content.
type ContentRef struct {
	Kind string
	ID   string
}

// IsZero reports whether the reference is unset.
func (r ContentRef) IsZero() bool {
	return r.Kind == "" && r.ID == ""
}

// String renders the reference as "kind:id".
func (r ContentRef) String() string {
	if r.IsZero() {
		return ""
	}
	return r.Kind + ":" + r.ID
}

// Targets returns every content reference set on the rule.
func (r *ContentTargetingRule) Targets() []ContentRef {
	var refs []ContentRef
	if r.BookID != "" {
		refs = append(refs, ContentRef{Kind: ContentBook, ID: r.BookID})
	}
	if r.LessonID != "" {
		refs = append(refs, ContentRef{Kind: ContentLesson, ID: r.LessonID})
	}
	if r.PracticePackID != "" {
		refs = append(refs, ContentRef{Kind: ContentPracticePack, ID: r.PracticePackID})
	}
	return refs
}
