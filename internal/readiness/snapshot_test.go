package readiness_test

import (
	"errors"
	"testing"

	"questline/internal/readiness"
)

func TestNewEmptySnapshotSentinel(t *testing.T) {
	snap := readiness.NewEmptySnapshot("repo-1", "team-1", "2024-01-01T00:00:00Z")
	if snap.ComputedFromScanRunID != readiness.ManualSeedScanRunID {
		t.Fatalf("sentinel = %s", snap.ComputedFromScanRunID)
	}
	if len(snap.Quests) != 0 {
		t.Fatalf("expected empty quest map")
	}
}

func TestApproveQuestOverwritesAnyEntry(t *testing.T) {
	snap := readiness.NewEmptySnapshot("repo-1", "team-1", "2024-01-01T00:00:00Z")
	snap.Quests["quest-a"] = readiness.AutomaticEntry(2, "2024-01-01T00:00:00Z")

	approved, err := snap.ApproveQuest("quest-a", "alice", 0, "2024-02-01T00:00:00Z")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	entry, _ := approved.Entry("quest-a")
	if entry.CompletionSource != readiness.SourceManual || entry.Status != readiness.StatusComplete {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if entry.Level != 1 {
		t.Fatalf("level 0 defaults to 1, got %d", entry.Level)
	}
	if entry.ManualApproval == nil || entry.ManualApproval.ApprovedBy != "alice" {
		t.Fatalf("manual approval missing: %+v", entry)
	}
	if approved.UpdatedAt != "2024-02-01T00:00:00Z" {
		t.Fatalf("updated_at not bumped")
	}
	// Receiver untouched.
	if snap.Quests["quest-a"].CompletionSource != readiness.SourceAutomatic {
		t.Fatalf("receiver mutated")
	}

	// Re-approval overwrites the previous manual entry too.
	reapproved, err := approved.ApproveQuest("quest-a", "bob", 3, "2024-03-01T00:00:00Z")
	if err != nil {
		t.Fatalf("re-approve: %v", err)
	}
	entry, _ = reapproved.Entry("quest-a")
	if entry.Level != 3 || entry.ManualApproval.ApprovedBy != "bob" {
		t.Fatalf("unexpected re-approved entry: %+v", entry)
	}
}

func TestApproveQuestValidation(t *testing.T) {
	snap := readiness.NewEmptySnapshot("repo-1", "team-1", "2024-01-01T00:00:00Z")
	if _, err := snap.ApproveQuest(" ", "alice", 1, "now"); err == nil {
		t.Fatalf("expected error for empty key")
	}
	if _, err := snap.ApproveQuest("quest-a", "", 1, "now"); err == nil {
		t.Fatalf("expected error for empty approver")
	}
	if _, err := snap.ApproveQuest("quest-a", "alice", -2, "now"); err == nil {
		t.Fatalf("expected error for negative level")
	}
}

func TestRevokeApprovalRemovesEntry(t *testing.T) {
	snap := readiness.NewEmptySnapshot("repo-1", "team-1", "2024-01-01T00:00:00Z")
	snap, _ = snap.ApproveQuest("quest-a", "alice", 1, "2024-01-01T00:00:00Z")
	revoked, err := snap.RevokeApproval("quest-a", "2024-02-01T00:00:00Z")
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, ok := revoked.Entry("quest-a"); ok {
		t.Fatalf("entry must vanish, not convert to incomplete")
	}
	if revoked.UpdatedAt != "2024-02-01T00:00:00Z" {
		t.Fatalf("updated_at not bumped")
	}
	if _, ok := snap.Entry("quest-a"); !ok {
		t.Fatalf("receiver mutated")
	}
}

func TestRevokeApprovalBusinessRules(t *testing.T) {
	snap := readiness.NewEmptySnapshot("repo-1", "team-1", "2024-01-01T00:00:00Z")
	if _, err := snap.RevokeApproval("missing", "now"); !errors.Is(err, readiness.ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
	snap.Quests["auto"] = readiness.AutomaticEntry(1, "2024-01-01T00:00:00Z")
	if _, err := snap.RevokeApproval("auto", "now"); !errors.Is(err, readiness.ErrEntryNotManual) {
		t.Fatalf("expected ErrEntryNotManual, got %v", err)
	}
}

func TestAutomaticEntryInvariants(t *testing.T) {
	complete := readiness.AutomaticEntry(3, "2024-01-01T00:00:00Z")
	if complete.Status != readiness.StatusComplete || complete.Level != 3 || complete.ManualApproval != nil {
		t.Fatalf("unexpected complete entry: %+v", complete)
	}
	incomplete := readiness.AutomaticEntry(0, "2024-01-01T00:00:00Z")
	if incomplete.Status != readiness.StatusIncomplete || incomplete.Level != 1 {
		t.Fatalf("unexpected incomplete entry: %+v", incomplete)
	}
}
