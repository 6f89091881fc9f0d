package readiness_test

import (
	"errors"
	"strings"
	"testing"

	"questline/internal/readiness"
)

func validQuestOptions() readiness.QuestOptions {
	return readiness.QuestOptions{
		Key:           "docs.agents_md_present",
		Title:         "AGENTS.md present",
		Category:      "docs",
		Description:   "Repository documents agent workflows in AGENTS.md",
		DetectionType: readiness.DetectionAuto,
	}
}

func TestNewQuestValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*readiness.QuestOptions)
	}{
		{"empty key", func(o *readiness.QuestOptions) { o.Key = "  " }},
		{"empty title", func(o *readiness.QuestOptions) { o.Title = "" }},
		{"oversized title", func(o *readiness.QuestOptions) { o.Title = strings.Repeat("x", 101) }},
		{"empty category", func(o *readiness.QuestOptions) { o.Category = " " }},
		{"empty description", func(o *readiness.QuestOptions) { o.Description = "" }},
		{"oversized description", func(o *readiness.QuestOptions) { o.Description = strings.Repeat("x", 501) }},
		{"bad detection type", func(o *readiness.QuestOptions) { o.DetectionType = "psychic" }},
		{"unknown language", func(o *readiness.QuestOptions) { o.Languages = []string{"cobol"} }},
		{"zero level", func(o *readiness.QuestOptions) {
			o.Levels = []readiness.Level{{Level: 0, Condition: readiness.Condition{Type: readiness.CondPass}}}
		}},
	}
	for _, tc := range cases {
		opts := validQuestOptions()
		tc.mutate(&opts)
		_, err := readiness.NewQuest(opts, "2024-01-01T00:00:00Z")
		if err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
		var ve *readiness.ValidationError
		if !errors.As(err, &ve) {
			t.Fatalf("%s: expected *ValidationError, got %T", tc.name, err)
		}
	}
}

func TestNewQuestTrimsAndSortsLevels(t *testing.T) {
	opts := validQuestOptions()
	opts.Key = "  docs.agents_md_present  "
	opts.Title = " AGENTS.md present "
	opts.Levels = []readiness.Level{
		{Level: 3, Condition: readiness.Condition{Type: readiness.CondCount, Min: 10}},
		{Level: 1, Condition: readiness.Condition{Type: readiness.CondCount, Min: 1}},
	}
	q, err := readiness.NewQuest(opts, "2024-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("new quest: %v", err)
	}
	if q.Key != "docs.agents_md_present" || q.Title != "AGENTS.md present" {
		t.Fatalf("fields not trimmed: %+v", q)
	}
	if !q.Active {
		t.Fatalf("new quests start active")
	}
	if q.Levels[0].Level != 1 || q.Levels[1].Level != 3 {
		t.Fatalf("levels not sorted ascending: %+v", q.Levels)
	}
}

func TestQuestDetectionProjections(t *testing.T) {
	cases := []struct {
		dt         readiness.DetectionType
		auto, manu bool
	}{
		{readiness.DetectionAuto, true, false},
		{readiness.DetectionManual, false, true},
		{readiness.DetectionBoth, true, true},
	}
	for _, tc := range cases {
		opts := validQuestOptions()
		opts.DetectionType = tc.dt
		q, err := readiness.NewQuest(opts, "2024-01-01T00:00:00Z")
		if err != nil {
			t.Fatalf("new quest: %v", err)
		}
		if q.CanBeAutoDetected() != tc.auto || q.CanBeManuallyApproved() != tc.manu {
			t.Fatalf("%s: auto=%v manual=%v", tc.dt, q.CanBeAutoDetected(), q.CanBeManuallyApproved())
		}
	}
}

func TestQuestAppliesToLanguage(t *testing.T) {
	unrestricted, _ := readiness.NewQuest(validQuestOptions(), "2024-01-01T00:00:00Z")
	if !unrestricted.AppliesToLanguage("go") || !unrestricted.AppliesToLanguage("") {
		t.Fatalf("quest without languages applies everywhere")
	}
	opts := validQuestOptions()
	opts.Languages = []string{"go", "rust"}
	q, err := readiness.NewQuest(opts, "2024-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("new quest: %v", err)
	}
	if !q.AppliesToLanguage("go") {
		t.Fatalf("expected go to match")
	}
	if q.AppliesToLanguage("python") {
		t.Fatalf("python must not match")
	}
	if !q.AppliesToLanguage("") {
		t.Fatalf("unknown repository language matches every quest")
	}
}

func TestQuestMutatorsReturnCopies(t *testing.T) {
	q, _ := readiness.NewQuest(validQuestOptions(), "2024-01-01T00:00:00Z")
	deactivated := q.Deactivate("2024-02-01T00:00:00Z")
	if !q.Active {
		t.Fatalf("receiver mutated by Deactivate")
	}
	if deactivated.Active || deactivated.UpdatedAt != "2024-02-01T00:00:00Z" {
		t.Fatalf("unexpected deactivated quest: %+v", deactivated)
	}
	reactivated := deactivated.Activate("2024-03-01T00:00:00Z")
	if !reactivated.Active || reactivated.UpdatedAt != "2024-03-01T00:00:00Z" {
		t.Fatalf("unexpected reactivated quest: %+v", reactivated)
	}
	updated, err := q.WithDescription("New wording", "2024-04-01T00:00:00Z")
	if err != nil {
		t.Fatalf("with description: %v", err)
	}
	if updated.Description != "New wording" || q.Description == "New wording" {
		t.Fatalf("description update wrong: %+v / %+v", updated, q)
	}
	if _, err := q.WithDescription("   ", "2024-04-01T00:00:00Z"); err == nil {
		t.Fatalf("expected validation error for empty description")
	}
}
