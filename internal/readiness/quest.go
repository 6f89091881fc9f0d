package readiness

import (
	"fmt"
	"sort"
	"strings"
)

const (
	maxTitleLen       = 100
	maxDescriptionLen = 500
)

// DetectionType says how a quest may be satisfied.
type DetectionType string

const (
	DetectionAuto   DetectionType = "auto"
	DetectionManual DetectionType = "manual"
	DetectionBoth   DetectionType = "both"
)

// ConditionType selects the evaluator for a level condition.
type ConditionType string

const (
	CondPass   ConditionType = "pass"
	CondExists ConditionType = "exists"
	CondCount  ConditionType = "count"
	CondScore  ConditionType = "score"
)

// Condition is a single level's satisfaction rule. Min applies to count and
// score conditions only.
type Condition struct {
	Type ConditionType `json:"type"`
	Min  float64       `json:"min,omitempty"`
}

// Level is one achievement tier of a quest.
type Level struct {
	Level       int       `json:"level"`
	Description string    `json:"description,omitempty"`
	Condition   Condition `json:"condition"`
}

// Quest is a single checkable readiness requirement. Construct with NewQuest;
// the zero value is not valid.
type Quest struct {
	ID            string        `json:"id"`
	Key           string        `json:"key"`
	Title         string        `json:"title"`
	Category      string        `json:"category"`
	Description   string        `json:"description"`
	Active        bool          `json:"active"`
	DetectionType DetectionType `json:"detection_type"`
	Languages     []string      `json:"languages,omitempty"`
	Levels        []Level       `json:"levels,omitempty"`
	CreatedAt     string        `json:"created_at"`
	UpdatedAt     string        `json:"updated_at"`
}

// QuestOptions are parameters for constructing a quest.
type QuestOptions struct {
	ID            string
	Key           string
	Title         string
	Category      string
	Description   string
	DetectionType DetectionType
	Languages     []string
	Levels        []Level
}

// NewQuest validates and constructs an active quest. Validation failures are
// returned as *ValidationError.
func NewQuest(opts QuestOptions, now string) (Quest, error) {
	key := strings.TrimSpace(opts.Key)
	title := strings.TrimSpace(opts.Title)
	category := strings.TrimSpace(opts.Category)
	description := strings.TrimSpace(opts.Description)
	if key == "" {
		return Quest{}, validationf("quest key is required")
	}
	if title == "" {
		return Quest{}, validationf("quest title is required")
	}
	if len(title) > maxTitleLen {
		return Quest{}, validationf("quest title exceeds %d characters", maxTitleLen)
	}
	if category == "" {
		return Quest{}, validationf("quest category is required")
	}
	if description == "" {
		return Quest{}, validationf("quest description is required")
	}
	if len(description) > maxDescriptionLen {
		return Quest{}, validationf("quest description exceeds %d characters", maxDescriptionLen)
	}
	switch opts.DetectionType {
	case DetectionAuto, DetectionManual, DetectionBoth:
	default:
		return Quest{}, validationf("unknown detection type %q", string(opts.DetectionType))
	}
	for _, lang := range opts.Languages {
		if !knownLanguage(lang) {
			return Quest{}, validationf("unknown language tag %q", lang)
		}
	}
	levels := append([]Level(nil), opts.Levels...)
	for _, lvl := range levels {
		if lvl.Level < 1 {
			return Quest{}, validationf("quest level must be >= 1, got %d", lvl.Level)
		}
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i].Level < levels[j].Level })
	return Quest{
		ID:            opts.ID,
		Key:           key,
		Title:         title,
		Category:      category,
		Description:   description,
		Active:        true,
		DetectionType: opts.DetectionType,
		Languages:     append([]string(nil), opts.Languages...),
		Levels:        levels,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// CanBeAutoDetected reports whether scans may satisfy this quest.
func (q Quest) CanBeAutoDetected() bool {
	return q.DetectionType == DetectionAuto || q.DetectionType == DetectionBoth
}

// CanBeManuallyApproved reports whether a human may approve this quest.
func (q Quest) CanBeManuallyApproved() bool {
	return q.DetectionType == DetectionManual || q.DetectionType == DetectionBoth
}

// AppliesToLanguage reports whether the quest applies to a repository with
// the given language. A quest with no declared languages applies to every
// repository, and a repository whose language is unknown matches every quest.
func (q Quest) AppliesToLanguage(repoLanguage string) bool {
	if len(q.Languages) == 0 {
		return true
	}
	if repoLanguage == "" {
		return true
	}
	for _, lang := range q.Languages {
		if lang == repoLanguage {
			return true
		}
	}
	return false
}

// Activate returns a copy of the quest marked active.
func (q Quest) Activate(now string) Quest {
	q.Active = true
	q.UpdatedAt = now
	return q
}

// Deactivate returns a copy of the quest marked inactive. Quests are never
// hard-deleted; deactivation hides them from catalog queries.
func (q Quest) Deactivate(now string) Quest {
	q.Active = false
	q.UpdatedAt = now
	return q
}

// WithDescription returns a copy of the quest with a new description.
func (q Quest) WithDescription(description, now string) (Quest, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return Quest{}, validationf("quest description is required")
	}
	if len(description) > maxDescriptionLen {
		return Quest{}, validationf("quest description exceeds %d characters", maxDescriptionLen)
	}
	q.Description = description
	q.UpdatedAt = now
	return q, nil
}

// ValidationError marks malformed construction input. It is never retried.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func validationf(format string, args ...any) *ValidationError {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}
