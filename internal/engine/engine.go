package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"questline/internal/config"
	"questline/internal/domain"
	"questline/internal/events"
	"questline/internal/readiness"
	"questline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

// IngestOptions are parameters for ingesting one scan report.
type IngestOptions struct {
	RepoID          string
	CommitSHA       string
	Ref             string
	ProviderRunID   string
	RunURL          string
	WorkflowVersion string
	ScannedAt       string
	Results         map[string]readiness.Measurement
	ActorID         string
}

// IngestScanRun records a scan report and recomputes the repository's
// readiness snapshot in a single transaction. The catalog subset handed to
// the computer is restricted to active, auto-detectable quests applicable to
// the repository's language, so manual-only quests can never be satisfied by
// a scan.
func (e Engine) IngestScanRun(ctx context.Context, opts IngestOptions) (readiness.ScanRun, readiness.Snapshot, error) {
	repository, err := e.Repo.GetRepository(ctx, opts.RepoID)
	if err != nil {
		return readiness.ScanRun{}, readiness.Snapshot{}, err
	}
	scannedAt := opts.ScannedAt
	if scannedAt == "" {
		scannedAt = e.nowString()
	}
	run, err := readiness.NewScanRun(readiness.ScanRunOptions{
		ID:              uuid.New().String(),
		RepoID:          repository.ID,
		TeamID:          repository.TeamID,
		CommitSHA:       opts.CommitSHA,
		Ref:             opts.Ref,
		ProviderRunID:   opts.ProviderRunID,
		RunURL:          opts.RunURL,
		WorkflowVersion: opts.WorkflowVersion,
		ScannedAt:       scannedAt,
		Results:         opts.Results,
	})
	if err != nil {
		return readiness.ScanRun{}, readiness.Snapshot{}, err
	}

	catalog, err := e.Repo.FindActiveQuestsForLanguage(ctx, repository.Language)
	if err != nil {
		return run, readiness.Snapshot{}, err
	}
	var prior *readiness.Snapshot
	if snap, err := e.Repo.GetSnapshot(ctx, repository.ID); err == nil {
		prior = &snap
	} else if !errors.Is(err, repo.ErrNotFound) {
		return run, readiness.Snapshot{}, err
	}

	computer := readiness.Computer{Now: e.Now}
	next := computer.ComputeFromScanRun(run, catalog, prior)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return run, readiness.Snapshot{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertScanRun(ctx, tx, run, e.nowString()); err != nil {
		return run, readiness.Snapshot{}, fmt.Errorf("insert scan run: %w", err)
	}
	if err := e.Repo.SaveSnapshot(ctx, tx, next); err != nil {
		return run, readiness.Snapshot{}, fmt.Errorf("save snapshot: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "scan.ingested", repository.ID, "scan_run", run.ID, opts.ActorID, events.EventPayload{
		"commit_sha": run.CommitSHA,
		"ref":        run.Ref,
		"results":    len(run.Results),
	}); err != nil {
		return run, readiness.Snapshot{}, err
	}
	if err := e.Events.Append(ctx, tx, "readiness.computed", repository.ID, "snapshot", repository.ID, opts.ActorID, events.EventPayload{
		"scan_run_id": run.ID,
		"quests":      len(next.Quests),
	}); err != nil {
		return run, readiness.Snapshot{}, err
	}
	if err := tx.Commit(); err != nil {
		return run, readiness.Snapshot{}, err
	}
	return run, next, nil
}

// GetReadiness returns the current snapshot for a repository.
func (e Engine) GetReadiness(ctx context.Context, repoID string) (readiness.Snapshot, error) {
	if _, err := e.Repo.GetRepository(ctx, repoID); err != nil {
		return readiness.Snapshot{}, err
	}
	return e.Repo.GetSnapshot(ctx, repoID)
}

// ApproveQuest records a manual approval for a quest on a repository. The
// quest must allow manual approval; a missing snapshot is bootstrapped with
// the manual-seed provenance sentinel.
func (e Engine) ApproveQuest(ctx context.Context, repoID, questKey, approvedBy string, level int, actorID string) (readiness.Snapshot, error) {
	repository, err := e.Repo.GetRepository(ctx, repoID)
	if err != nil {
		return readiness.Snapshot{}, err
	}
	quest, err := e.Repo.GetQuestByKey(ctx, questKey)
	if err != nil {
		return readiness.Snapshot{}, fmt.Errorf("quest %s: %w", questKey, err)
	}
	if !quest.CanBeManuallyApproved() {
		return readiness.Snapshot{}, fmt.Errorf("quest %s: %w", questKey, ErrNotManuallyApprovable)
	}

	now := e.nowString()
	snap, err := e.Repo.GetSnapshot(ctx, repoID)
	if errors.Is(err, repo.ErrNotFound) {
		snap = readiness.NewEmptySnapshot(repository.ID, repository.TeamID, now)
	} else if err != nil {
		return readiness.Snapshot{}, err
	}
	next, err := snap.ApproveQuest(questKey, approvedBy, level, now)
	if err != nil {
		return readiness.Snapshot{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return readiness.Snapshot{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.SaveSnapshot(ctx, tx, next); err != nil {
		return readiness.Snapshot{}, fmt.Errorf("save snapshot: %w", err)
	}
	entry := next.Quests[questKey]
	if err := e.Events.Append(ctx, tx, "quest.approved", repoID, "quest", questKey, actorID, events.EventPayload{
		"approved_by": approvedBy,
		"level":       entry.Level,
	}); err != nil {
		return readiness.Snapshot{}, err
	}
	if err := tx.Commit(); err != nil {
		return readiness.Snapshot{}, err
	}
	return next, nil
}

// RevokeApproval removes a manual approval. The entry is deleted from the
// snapshot; future scans may still re-satisfy the quest automatically.
func (e Engine) RevokeApproval(ctx context.Context, repoID, questKey, actorID string) (readiness.Snapshot, error) {
	if _, err := e.Repo.GetRepository(ctx, repoID); err != nil {
		return readiness.Snapshot{}, err
	}
	snap, err := e.Repo.GetSnapshot(ctx, repoID)
	if errors.Is(err, repo.ErrNotFound) {
		return readiness.Snapshot{}, readiness.ErrEntryNotFound
	} else if err != nil {
		return readiness.Snapshot{}, err
	}
	now := e.nowString()
	next, err := snap.RevokeApproval(questKey, now)
	if err != nil {
		return readiness.Snapshot{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return readiness.Snapshot{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.SaveSnapshot(ctx, tx, next); err != nil {
		return readiness.Snapshot{}, fmt.Errorf("save snapshot: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "quest.approval_revoked", repoID, "quest", questKey, actorID, nil); err != nil {
		return readiness.Snapshot{}, err
	}
	if err := tx.Commit(); err != nil {
		return readiness.Snapshot{}, err
	}
	return next, nil
}

// ErrNotManuallyApprovable signals an approval attempt on an auto-only quest.
var ErrNotManuallyApprovable = errors.New("quest cannot be manually approved")

// ErrQuestKeyTaken signals quest creation with an already-registered key.
var ErrQuestKeyTaken = errors.New("quest key already exists")

// CreateQuest registers a new catalog entry.
func (e Engine) CreateQuest(ctx context.Context, opts readiness.QuestOptions, actorID string) (readiness.Quest, error) {
	if opts.ID == "" {
		opts.ID = uuid.New().String()
	}
	quest, err := readiness.NewQuest(opts, e.nowString())
	if err != nil {
		return readiness.Quest{}, err
	}
	if _, err := e.Repo.GetQuestByKey(ctx, quest.Key); err == nil {
		return readiness.Quest{}, fmt.Errorf("quest %s: %w", quest.Key, ErrQuestKeyTaken)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return readiness.Quest{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return readiness.Quest{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertQuest(ctx, tx, quest); err != nil {
		return readiness.Quest{}, fmt.Errorf("insert quest: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "quest.created", "", "quest", quest.Key, actorID, events.EventPayload{
		"title":     quest.Title,
		"category":  quest.Category,
		"detection": string(quest.DetectionType),
	}); err != nil {
		return readiness.Quest{}, err
	}
	if err := tx.Commit(); err != nil {
		return readiness.Quest{}, err
	}
	return quest, nil
}

// SetQuestActive activates or deactivates a catalog entry. Deactivation
// hides the quest from future computations; existing snapshot entries are
// left alone.
func (e Engine) SetQuestActive(ctx context.Context, questKey string, active bool, actorID string) (readiness.Quest, error) {
	quest, err := e.Repo.GetQuestByKey(ctx, questKey)
	if err != nil {
		return readiness.Quest{}, err
	}
	now := e.nowString()
	if active {
		quest = quest.Activate(now)
	} else {
		quest = quest.Deactivate(now)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return readiness.Quest{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.SaveQuest(ctx, tx, quest); err != nil {
		return readiness.Quest{}, err
	}
	if err := e.Events.Append(ctx, tx, "quest.updated", "", "quest", quest.Key, actorID, events.EventPayload{"active": active}); err != nil {
		return readiness.Quest{}, err
	}
	if err := tx.Commit(); err != nil {
		return readiness.Quest{}, err
	}
	return quest, nil
}

// UpdateQuestDescription rewrites a catalog entry's description.
func (e Engine) UpdateQuestDescription(ctx context.Context, questKey, description, actorID string) (readiness.Quest, error) {
	quest, err := e.Repo.GetQuestByKey(ctx, questKey)
	if err != nil {
		return readiness.Quest{}, err
	}
	quest, err = quest.WithDescription(description, e.nowString())
	if err != nil {
		return readiness.Quest{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return readiness.Quest{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.SaveQuest(ctx, tx, quest); err != nil {
		return readiness.Quest{}, err
	}
	if err := e.Events.Append(ctx, tx, "quest.updated", "", "quest", quest.Key, actorID, events.EventPayload{"description": true}); err != nil {
		return readiness.Quest{}, err
	}
	if err := tx.Commit(); err != nil {
		return readiness.Quest{}, err
	}
	return quest, nil
}

// SeedCatalog inserts or refreshes catalog entries from the loaded config.
// Existing rows keep their id and created_at; everything else follows the
// YAML declaration.
func (e Engine) SeedCatalog(ctx context.Context, actorID string) (int, error) {
	if e.Config == nil {
		return 0, errors.New("config not loaded")
	}
	now := e.nowString()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	count := 0
	for key, qc := range e.Config.Catalog.Quests {
		opts := qc.QuestOptions(key)
		opts.ID = uuid.New().String()
		quest, err := readiness.NewQuest(opts, now)
		if err != nil {
			return count, fmt.Errorf("seed quest %s: %w", key, err)
		}
		if existing, err := e.Repo.GetQuestByKey(ctx, key); err == nil {
			quest.ID = existing.ID
			quest.CreatedAt = existing.CreatedAt
			quest.Active = existing.Active
		} else if !errors.Is(err, repo.ErrNotFound) {
			return count, err
		}
		if err := e.Repo.UpsertQuest(ctx, tx, quest); err != nil {
			return count, fmt.Errorf("seed quest %s: %w", key, err)
		}
		count++
	}
	if err := e.Events.Append(ctx, tx, "catalog.seeded", "", "catalog", "", actorID, events.EventPayload{"quests": count}); err != nil {
		return count, err
	}
	if err := tx.Commit(); err != nil {
		return count, err
	}
	return count, nil
}

// CreateAPIKey generates a fresh key, stores its hash, and returns the
// plaintext once. It is never recoverable afterwards.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (string, domain.APIKey, error) {
	if actorID == "" {
		return "", domain.APIKey{}, errors.New("actor_id required")
	}
	plaintext := uuid.New().String() + uuid.New().String()
	key := domain.APIKey{
		ID:        uuid.New().String(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plaintext),
		CreatedAt: e.nowString(),
	}
	if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
		return "", domain.APIKey{}, err
	}
	return plaintext, key, nil
}
