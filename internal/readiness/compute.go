package readiness

import (
	"time"
)

// Computer derives readiness snapshots from scan runs. It is pure: no I/O,
// no shared state. Now is injectable for deterministic output.
type Computer struct {
	Now func() time.Time
}

func (c Computer) now() string {
	if c.Now != nil {
		return c.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// ComputeFromScanRun merges one scan run with the applicable quest catalog
// subset and the prior snapshot (nil if none) into a new snapshot.
//
// Unrevoked manual entries from the prior snapshot are carried forward and
// shield their quest key from the scan: a manual approval always wins over a
// fresh automatic result. Revoked manual entries are dropped entirely, not
// demoted to automatic. Prior automatic entries are recomputed from scratch,
// so a quest the scan no longer reports simply disappears.
//
// The catalog subset must already be filtered by the caller to quests that
// are active, auto-detectable, and applicable to the repository's language;
// scan results for keys outside the subset are skipped.
func (c Computer) ComputeFromScanRun(run ScanRun, catalog []Quest, prior *Snapshot) Snapshot {
	byKey := make(map[string]Quest, len(catalog))
	for _, q := range catalog {
		byKey[q.Key] = q
	}

	quests := map[string]Entry{}
	if prior != nil {
		for key, entry := range prior.Quests {
			if entry.CompletionSource != SourceManual {
				continue
			}
			if entry.ManualApproval != nil && entry.ManualApproval.Revoked() {
				continue
			}
			if entry.ManualApproval != nil {
				approval := *entry.ManualApproval
				entry.ManualApproval = &approval
			}
			quests[key] = entry
		}
	}

	for key, measurement := range run.Results {
		quest, ok := byKey[key]
		if !ok {
			// The catalog may lag behind the scanner; unknown keys are
			// skipped rather than failing the whole computation.
			continue
		}
		if _, protected := quests[key]; protected {
			continue
		}
		quests[key] = AutomaticEntry(achievedLevel(quest, measurement), run.ScannedAt)
	}

	return Snapshot{
		RepoID:                run.RepoID,
		TeamID:                run.TeamID,
		ComputedFromScanRunID: run.ID,
		UpdatedAt:             c.now(),
		Quests:                quests,
	}
}

// achievedLevel returns the maximum level whose condition the measurement
// satisfies, or 0 if none do. Quests that define no levels fall back to a
// legacy heuristic granting level 1.
func achievedLevel(q Quest, m Measurement) int {
	if len(q.Levels) == 0 {
		if fallbackSatisfied(m) {
			return 1
		}
		return 0
	}
	achieved := 0
	for _, lvl := range q.Levels {
		if conditionSatisfied(lvl.Condition, m) && lvl.Level > achieved {
			achieved = lvl.Level
		}
	}
	return achieved
}

// conditionSatisfied evaluates one level condition. Unrecognized condition
// shapes fail closed.
func conditionSatisfied(cond Condition, m Measurement) bool {
	switch cond.Type {
	case CondPass:
		return boolField(m, "passed") || boolField(m, "present") || boolField(m, "available")
	case CondExists:
		return boolField(m, "present")
	case CondCount:
		n, ok := numberField(m, "count")
		return ok && n >= cond.Min
	case CondScore:
		n, ok := numberField(m, "score")
		return ok && n >= cond.Min
	default:
		return false
	}
}

// fallbackSatisfied is the legacy heuristic for quests without level
// definitions. It overlaps with, but is deliberately not the same as, the
// pass condition evaluator: zero-level catalog entries must keep hitting
// this path.
func fallbackSatisfied(m Measurement) bool {
	if boolField(m, "passed") || boolField(m, "present") || boolField(m, "available") {
		return true
	}
	n, ok := numberField(m, "count")
	return ok && n > 0
}

func boolField(m Measurement, key string) bool {
	v, ok := m[key]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

func numberField(m Measurement, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
