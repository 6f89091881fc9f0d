package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"questline/internal/app"
	"questline/internal/config"
	"questline/internal/db"
	"questline/internal/engine"
	"questline/internal/migrate"
	"questline/internal/readiness"
	"questline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("platform")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.SeedCatalog(ctx, "tester"); err != nil {
		t.Fatalf("seed catalog: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func ensureRepo(t *testing.T, env testEnv, id, language string) {
	t.Helper()
	if _, err := app.EnsureRepository(env.Ctx, env.Engine.Repo, app.RepositoryOptions{
		ID:       id,
		TeamID:   "platform",
		Name:     id,
		Language: language,
	}); err != nil {
		t.Fatalf("ensure repository: %v", err)
	}
}

func ingest(t *testing.T, env testEnv, repoID string, results map[string]readiness.Measurement) readiness.Snapshot {
	t.Helper()
	_, snap, err := env.Engine.IngestScanRun(env.Ctx, engine.IngestOptions{
		RepoID:          repoID,
		CommitSHA:       "abc1234",
		Ref:             "refs/heads/main",
		ProviderRunID:   "run-1",
		RunURL:          "https://ci.example.com/runs/1",
		WorkflowVersion: "v3",
		ScannedAt:       "2026-03-01T11:00:00Z",
		Results:         results,
		ActorID:         "scanner",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	return snap
}

func TestIngestPersistsSnapshotAndEvents(t *testing.T) {
	env := newTestEnv(t)
	ensureRepo(t, env, "payments", "go")

	snap := ingest(t, env, "payments", map[string]readiness.Measurement{
		"docs.agents_md_present": {"passed": true},
		"go.modules_tidy":        {"passed": true},
	})
	if snap.ComputedFromScanRunID == "" || snap.ComputedFromScanRunID == readiness.ManualSeedScanRunID {
		t.Fatalf("snapshot should carry scan run provenance, got %q", snap.ComputedFromScanRunID)
	}

	stored, err := env.Engine.GetReadiness(env.Ctx, "payments")
	if err != nil {
		t.Fatalf("get readiness: %v", err)
	}
	if len(stored.Quests) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(stored.Quests))
	}
	for _, key := range []string{"docs.agents_md_present", "go.modules_tidy"} {
		entry, ok := stored.Entry(key)
		if !ok || entry.Status != readiness.StatusComplete {
			t.Fatalf("entry %s: %+v ok=%v", key, entry, ok)
		}
	}

	evts, err := env.Engine.Repo.ListEvents(env.Ctx, "payments", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	types := map[string]bool{}
	for _, evt := range evts {
		types[evt.Type] = true
	}
	if !types["scan.ingested"] || !types["readiness.computed"] {
		t.Fatalf("missing ingest events, got %v", types)
	}
}

func TestIngestIgnoresManualOnlyQuests(t *testing.T) {
	env := newTestEnv(t)
	ensureRepo(t, env, "payments", "go")

	// A scanner claiming a manual-only quest passed must be ignored: the
	// quest is excluded from the catalog subset handed to the computer.
	snap := ingest(t, env, "payments", map[string]readiness.Measurement{
		"process.agent_review": {"passed": true},
	})
	if _, ok := snap.Entry("process.agent_review"); ok {
		t.Fatalf("manual-only quest must not be satisfiable by a scan")
	}
}

func TestIngestFiltersByLanguage(t *testing.T) {
	env := newTestEnv(t)
	ensureRepo(t, env, "webapp", "typescript")

	snap := ingest(t, env, "webapp", map[string]readiness.Measurement{
		"go.modules_tidy":        {"passed": true},
		"docs.agents_md_present": {"passed": true},
	})
	if _, ok := snap.Entry("go.modules_tidy"); ok {
		t.Fatalf("go-only quest must not apply to a typescript repository")
	}
	if entry, ok := snap.Entry("docs.agents_md_present"); !ok || entry.Status != readiness.StatusComplete {
		t.Fatalf("language-agnostic quest should apply: %+v", entry)
	}
}

func TestIngestUnknownRepository(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.Engine.IngestScanRun(env.Ctx, engine.IngestOptions{
		RepoID:          "ghost",
		CommitSHA:       "abc1234",
		Ref:             "refs/heads/main",
		ProviderRunID:   "run-1",
		RunURL:          "https://ci.example.com/runs/1",
		WorkflowVersion: "v3",
		ActorID:         "scanner",
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIngestRejectsBadCommitSHA(t *testing.T) {
	env := newTestEnv(t)
	ensureRepo(t, env, "payments", "go")
	_, _, err := env.Engine.IngestScanRun(env.Ctx, engine.IngestOptions{
		RepoID:          "payments",
		CommitSHA:       "not-a-sha",
		Ref:             "refs/heads/main",
		ProviderRunID:   "run-1",
		RunURL:          "https://ci.example.com/runs/1",
		WorkflowVersion: "v3",
		ActorID:         "scanner",
	})
	var ve *readiness.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestApproveBootstrapsSnapshot(t *testing.T) {
	env := newTestEnv(t)
	ensureRepo(t, env, "payments", "go")

	snap, err := env.Engine.ApproveQuest(env.Ctx, "payments", "process.agent_review", "alice", 0, "alice")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if snap.ComputedFromScanRunID != readiness.ManualSeedScanRunID {
		t.Fatalf("bootstrap snapshot should use the manual seed sentinel, got %q", snap.ComputedFromScanRunID)
	}
	entry, ok := snap.Entry("process.agent_review")
	if !ok || entry.CompletionSource != readiness.SourceManual || entry.Level != 1 {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestApproveRejectsAutoOnlyQuest(t *testing.T) {
	env := newTestEnv(t)
	ensureRepo(t, env, "payments", "go")
	_, err := env.Engine.ApproveQuest(env.Ctx, "payments", "lint.clean", "alice", 1, "alice")
	if !errors.Is(err, engine.ErrNotManuallyApprovable) {
		t.Fatalf("expected ErrNotManuallyApprovable, got %v", err)
	}
}

func TestApprovalSurvivesIngestAndRevocationIsFinal(t *testing.T) {
	env := newTestEnv(t)
	ensureRepo(t, env, "payments", "go")

	if _, err := env.Engine.ApproveQuest(env.Ctx, "payments", "process.agent_review", "alice", 3, "alice"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	snap := ingest(t, env, "payments", map[string]readiness.Measurement{
		"docs.agents_md_present": {"passed": true},
	})
	entry, ok := snap.Entry("process.agent_review")
	if !ok || entry.Level != 3 || entry.CompletionSource != readiness.SourceManual {
		t.Fatalf("approval should survive ingest: %+v ok=%v", entry, ok)
	}

	if _, err := env.Engine.RevokeApproval(env.Ctx, "payments", "process.agent_review", "alice"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	snap = ingest(t, env, "payments", map[string]readiness.Measurement{
		"docs.agents_md_present": {"passed": true},
	})
	if _, ok := snap.Entry("process.agent_review"); ok {
		t.Fatalf("revoked approval must not resurrect on ingest")
	}

	_, err := env.Engine.RevokeApproval(env.Ctx, "payments", "process.agent_review", "alice")
	if !errors.Is(err, readiness.ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestRevokeAutomaticEntryRejected(t *testing.T) {
	env := newTestEnv(t)
	ensureRepo(t, env, "payments", "go")
	ingest(t, env, "payments", map[string]readiness.Measurement{
		"docs.agents_md_present": {"passed": true},
	})
	_, err := env.Engine.RevokeApproval(env.Ctx, "payments", "docs.agents_md_present", "alice")
	if !errors.Is(err, readiness.ErrEntryNotManual) {
		t.Fatalf("expected ErrEntryNotManual, got %v", err)
	}
}

func TestCreateQuestDuplicateKey(t *testing.T) {
	env := newTestEnv(t)
	opts := readiness.QuestOptions{
		Key:           "docs.runbook_present",
		Title:         "Runbook present",
		Category:      "docs",
		Description:   "Operational runbook is documented",
		DetectionType: readiness.DetectionAuto,
		Levels:        []readiness.Level{{Level: 1, Condition: readiness.Condition{Type: readiness.CondExists}}},
	}
	if _, err := env.Engine.CreateQuest(env.Ctx, opts, "tester"); err != nil {
		t.Fatalf("create quest: %v", err)
	}
	_, err := env.Engine.CreateQuest(env.Ctx, opts, "tester")
	if !errors.Is(err, engine.ErrQuestKeyTaken) {
		t.Fatalf("expected ErrQuestKeyTaken, got %v", err)
	}
}

func TestSeedCatalogPreservesIdentity(t *testing.T) {
	env := newTestEnv(t)
	before, err := env.Engine.Repo.GetQuestByKey(env.Ctx, "lint.clean")
	if err != nil {
		t.Fatalf("get quest: %v", err)
	}
	if _, err := env.Engine.SetQuestActive(env.Ctx, "lint.clean", false, "tester"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := env.Engine.SeedCatalog(env.Ctx, "tester"); err != nil {
		t.Fatalf("reseed: %v", err)
	}
	after, err := env.Engine.Repo.GetQuestByKey(env.Ctx, "lint.clean")
	if err != nil {
		t.Fatalf("get quest: %v", err)
	}
	if after.ID != before.ID || after.CreatedAt != before.CreatedAt {
		t.Fatalf("reseed must preserve identity: before=%+v after=%+v", before, after)
	}
	if after.Active {
		t.Fatalf("reseed must not re-activate a deactivated quest")
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	plaintext, key, err := env.Engine.CreateAPIKey(env.Ctx, "ci-bot", "ci")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	found, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(plaintext))
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if found.ID != key.ID || found.ActorID != "ci-bot" {
		t.Fatalf("unexpected key: %+v", found)
	}
}
