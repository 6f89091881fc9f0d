package readiness

import (
	"reflect"
	"regexp"
	"strings"
)

var commitSHAPattern = regexp.MustCompile(`^[0-9a-fA-F]{7,40}$`)

// Measurement is one raw observation for a quest key, an arbitrary
// structured record as reported by the scanner (booleans, counts, scores).
type Measurement map[string]any

// Equal compares two measurements structurally.
func (m Measurement) Equal(other Measurement) bool {
	return reflect.DeepEqual(m, other)
}

// ScanRun is one ingestion event: provenance plus quest-keyed measurements.
// It is immutable after construction; there is no update operation.
type ScanRun struct {
	ID              string                 `json:"id"`
	RepoID          string                 `json:"repo_id"`
	TeamID          string                 `json:"team_id"`
	CommitSHA       string                 `json:"commit_sha"`
	Ref             string                 `json:"ref"`
	ProviderRunID   string                 `json:"provider_run_id"`
	RunURL          string                 `json:"run_url"`
	WorkflowVersion string                 `json:"workflow_version"`
	ScannedAt       string                 `json:"scanned_at"`
	Results         map[string]Measurement `json:"results"`
}

// ScanRunOptions are parameters for constructing a scan run.
type ScanRunOptions struct {
	ID              string
	RepoID          string
	TeamID          string
	CommitSHA       string
	Ref             string
	ProviderRunID   string
	RunURL          string
	WorkflowVersion string
	ScannedAt       string
	Results         map[string]Measurement
}

// NewScanRun validates and constructs an immutable scan run.
func NewScanRun(opts ScanRunOptions) (ScanRun, error) {
	sha := strings.TrimSpace(opts.CommitSHA)
	ref := strings.TrimSpace(opts.Ref)
	providerRunID := strings.TrimSpace(opts.ProviderRunID)
	runURL := strings.TrimSpace(opts.RunURL)
	workflowVersion := strings.TrimSpace(opts.WorkflowVersion)
	if !commitSHAPattern.MatchString(sha) {
		return ScanRun{}, validationf("commit sha must be 7-40 hex characters, got %q", opts.CommitSHA)
	}
	if ref == "" {
		return ScanRun{}, validationf("ref name is required")
	}
	if providerRunID == "" {
		return ScanRun{}, validationf("provider run id is required")
	}
	if runURL == "" {
		return ScanRun{}, validationf("run url is required")
	}
	if workflowVersion == "" {
		return ScanRun{}, validationf("workflow version is required")
	}
	results := make(map[string]Measurement, len(opts.Results))
	for key, m := range opts.Results {
		results[key] = m
	}
	return ScanRun{
		ID:              opts.ID,
		RepoID:          opts.RepoID,
		TeamID:          opts.TeamID,
		CommitSHA:       sha,
		Ref:             ref,
		ProviderRunID:   providerRunID,
		RunURL:          runURL,
		WorkflowVersion: workflowVersion,
		ScannedAt:       opts.ScannedAt,
		Results:         results,
	}, nil
}
