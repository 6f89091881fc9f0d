package questlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Questline HTTP API client, intended for CI scanners
// pushing reports and dashboards reading readiness.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// RepositoryMetadata lets the first scan create its repository.
type RepositoryMetadata struct {
	TeamID        string `json:"team_id,omitempty"`
	Name          string `json:"name,omitempty"`
	Language      string `json:"language,omitempty"`
	DefaultBranch string `json:"default_branch,omitempty"`
}

// ScanReport is one scanner run's worth of measurements.
type ScanReport struct {
	CommitSHA       string                    `json:"commit_sha"`
	Ref             string                    `json:"ref"`
	ProviderRunID   string                    `json:"provider_run_id"`
	RunURL          string                    `json:"run_url"`
	WorkflowVersion string                    `json:"workflow_version"`
	ScannedAt       string                    `json:"scanned_at,omitempty"`
	Results         map[string]map[string]any `json:"results"`
	Repository      *RepositoryMetadata       `json:"repository,omitempty"`
}

// ManualApproval records who approved a quest and when.
type ManualApproval struct {
	ApprovedBy string `json:"approved_by"`
	ApprovedAt string `json:"approved_at"`
	RevokedAt  string `json:"revoked_at,omitempty"`
}

// Entry is the readiness state of one quest.
type Entry struct {
	Status           string          `json:"status"`
	Level            int             `json:"level"`
	LastSeenAt       string          `json:"last_seen_at"`
	CompletionSource string          `json:"completion_source"`
	ManualApproval   *ManualApproval `json:"manual_approval,omitempty"`
}

// Snapshot is a repository's readiness state.
type Snapshot struct {
	RepoID                string           `json:"repo_id"`
	TeamID                string           `json:"team_id"`
	ComputedFromScanRunID string           `json:"computed_from_scan_run_id"`
	UpdatedAt             string           `json:"updated_at"`
	Quests                map[string]Entry `json:"quests"`
}

// ScanRun echoes the recorded provenance of an ingested report.
type ScanRun struct {
	ID              string `json:"id"`
	RepoID          string `json:"repo_id"`
	TeamID          string `json:"team_id"`
	CommitSHA       string `json:"commit_sha"`
	Ref             string `json:"ref"`
	ProviderRunID   string `json:"provider_run_id"`
	RunURL          string `json:"run_url"`
	WorkflowVersion string `json:"workflow_version"`
	ScannedAt       string `json:"scanned_at"`
}

// IngestResult is the response to a pushed scan report.
type IngestResult struct {
	ScanRun  ScanRun  `json:"scan_run"`
	Snapshot Snapshot `json:"snapshot"`
}

// Quest is a catalog entry.
type Quest struct {
	ID          string   `json:"id"`
	Key         string   `json:"key"`
	Title       string   `json:"title"`
	Category    string   `json:"category"`
	Description string   `json:"description"`
	Active      bool     `json:"active"`
	Detection   string   `json:"detection"`
	Languages   []string `json:"languages,omitempty"`
}

// Event is a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	RepoID     string         `json:"repo_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PushScanReport ingests a scan report for a repository and returns the
// recomputed snapshot.
func (c *Client) PushScanReport(ctx context.Context, repoID string, report ScanReport) (IngestResult, error) {
	var resp IngestResult
	endpoint := fmt.Sprintf("v0/repos/%s/scans", url.PathEscape(repoID))
	err := c.do(ctx, http.MethodPost, endpoint, report, &resp)
	return resp, err
}

// Readiness returns a repository's current snapshot.
func (c *Client) Readiness(ctx context.Context, repoID string) (Snapshot, error) {
	var resp Snapshot
	endpoint := fmt.Sprintf("v0/repos/%s/readiness", url.PathEscape(repoID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ApproveQuest records a manual approval. A zero level means level 1.
func (c *Client) ApproveQuest(ctx context.Context, repoID, questKey, approvedBy string, level int) (Snapshot, error) {
	body := map[string]any{
		"approved_by": approvedBy,
		"level":       level,
	}
	var resp Snapshot
	endpoint := fmt.Sprintf("v0/repos/%s/readiness/%s/approve", url.PathEscape(repoID), url.PathEscape(questKey))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// RevokeApproval removes a manual approval.
func (c *Client) RevokeApproval(ctx context.Context, repoID, questKey string) (Snapshot, error) {
	var resp Snapshot
	endpoint := fmt.Sprintf("v0/repos/%s/readiness/%s/approval", url.PathEscape(repoID), url.PathEscape(questKey))
	err := c.do(ctx, http.MethodDelete, endpoint, nil, &resp)
	return resp, err
}

// Quests lists the active quest catalog.
func (c *Client) Quests(ctx context.Context) ([]Quest, error) {
	var resp []Quest
	err := c.do(ctx, http.MethodGet, "v0/quests", nil, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, repoID string, limit int) ([]Event, error) {
	endpoint := "v0/events"
	params := url.Values{}
	if repoID != "" {
		params.Set("repo_id", repoID)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", limit))
	}
	if encoded := params.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
