package readiness

import (
	"errors"
	"strings"
)

// Completion status of a quest entry. A key absent from the snapshot is
// StatusUnknown by definition.
const (
	StatusComplete   = "complete"
	StatusIncomplete = "incomplete"
	StatusUnknown    = "unknown"
)

// Completion source of a quest entry.
const (
	SourceAutomatic = "automatic"
	SourceManual    = "manual"
)

// ManualSeedScanRunID is the sentinel provenance id for snapshots created by
// manual bootstrapping before any scan exists.
const ManualSeedScanRunID = "manual"

var (
	// ErrEntryNotFound signals a revocation for a quest key with no entry.
	ErrEntryNotFound = errors.New("no readiness entry for quest key")
	// ErrEntryNotManual signals a revocation of an automatic entry.
	ErrEntryNotManual = errors.New("readiness entry is not a manual approval")
)

// ManualApproval records the human decision behind a manual entry.
type ManualApproval struct {
	ApprovedBy string `json:"approved_by"`
	ApprovedAt string `json:"approved_at"`
	RevokedAt  string `json:"revoked_at,omitempty"`
}

// Revoked reports whether the approval has been revoked.
func (a ManualApproval) Revoked() bool { return a.RevokedAt != "" }

// Entry is the readiness state of a single quest. ManualApproval is present
// exactly when CompletionSource is SourceManual; use the constructors below
// rather than building entries by hand.
type Entry struct {
	Status           string          `json:"status"`
	Level            int             `json:"level"`
	LastSeenAt       string          `json:"last_seen_at"`
	CompletionSource string          `json:"completion_source"`
	ManualApproval   *ManualApproval `json:"manual_approval,omitempty"`
}

// AutomaticEntry builds a scan-derived entry. An achieved level of 0 yields
// an incomplete entry; the recorded level is then pinned to 1, a placeholder
// the persisted schema requires even though no level was achieved.
func AutomaticEntry(achievedLevel int, lastSeenAt string) Entry {
	status := StatusIncomplete
	level := 1
	if achievedLevel > 0 {
		status = StatusComplete
		level = achievedLevel
	}
	return Entry{
		Status:           status,
		Level:            level,
		LastSeenAt:       lastSeenAt,
		CompletionSource: SourceAutomatic,
	}
}

// ManualEntry builds a human-approved entry.
func ManualEntry(level int, approvedBy, now string) Entry {
	return Entry{
		Status:           StatusComplete,
		Level:            level,
		LastSeenAt:       now,
		CompletionSource: SourceManual,
		ManualApproval: &ManualApproval{
			ApprovedBy: approvedBy,
			ApprovedAt: now,
		},
	}
}

// Snapshot is the latest derived readiness state of one repository. Mutators
// return a new snapshot; the receiver is never modified.
type Snapshot struct {
	RepoID                string           `json:"repo_id"`
	TeamID                string           `json:"team_id"`
	ComputedFromScanRunID string           `json:"computed_from_scan_run_id"`
	UpdatedAt             string           `json:"updated_at"`
	Quests                map[string]Entry `json:"quests"`
}

// NewEmptySnapshot seeds a snapshot for a repository whose readiness is being
// manually bootstrapped before any scan exists.
func NewEmptySnapshot(repoID, teamID, now string) Snapshot {
	return Snapshot{
		RepoID:                repoID,
		TeamID:                teamID,
		ComputedFromScanRunID: ManualSeedScanRunID,
		UpdatedAt:             now,
		Quests:                map[string]Entry{},
	}
}

// Entry returns the entry for a quest key, if any.
func (s Snapshot) Entry(key string) (Entry, bool) {
	e, ok := s.Quests[key]
	return e, ok
}

// ApproveQuest returns a snapshot where the quest key is manually complete at
// the given level, unconditionally overwriting any prior entry. Level 0 means
// the default level 1. Verifying that the quest allows manual approval and
// that the repository belongs to the caller's team is the use case's job.
func (s Snapshot) ApproveQuest(key, approvedBy string, level int, now string) (Snapshot, error) {
	key = strings.TrimSpace(key)
	approvedBy = strings.TrimSpace(approvedBy)
	if key == "" {
		return Snapshot{}, validationf("quest key is required")
	}
	if approvedBy == "" {
		return Snapshot{}, validationf("approved_by is required")
	}
	if level == 0 {
		level = 1
	}
	if level < 1 {
		return Snapshot{}, validationf("approval level must be >= 1, got %d", level)
	}
	next := s.clone()
	next.Quests[key] = ManualEntry(level, approvedBy, now)
	next.UpdatedAt = now
	return next, nil
}

// RevokeApproval returns a snapshot with the quest key's manual entry
// removed. The entry vanishes outright rather than becoming incomplete: the
// key is StatusUnknown by absence afterwards. Revoking a missing or
// automatic entry is a caller logic error.
func (s Snapshot) RevokeApproval(key, now string) (Snapshot, error) {
	entry, ok := s.Quests[key]
	if !ok {
		return Snapshot{}, ErrEntryNotFound
	}
	if entry.CompletionSource != SourceManual {
		return Snapshot{}, ErrEntryNotManual
	}
	next := s.clone()
	delete(next.Quests, key)
	next.UpdatedAt = now
	return next, nil
}

func (s Snapshot) clone() Snapshot {
	quests := make(map[string]Entry, len(s.Quests))
	for k, e := range s.Quests {
		if e.ManualApproval != nil {
			approval := *e.ManualApproval
			e.ManualApproval = &approval
		}
		quests[k] = e
	}
	s.Quests = quests
	return s
}
