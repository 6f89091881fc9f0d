package server

import (
	"encoding/json"

	"questline/internal/domain"
	"questline/internal/readiness"
)

// Request payloads

// RepositoryMetadata carries repository facts alongside a scan report so the
// repository can be created on first contact.
type RepositoryMetadata struct {
	TeamID        string `json:"team_id,omitempty"`
	Name          string `json:"name,omitempty"`
	Language      string `json:"language,omitempty"`
	DefaultBranch string `json:"default_branch,omitempty"`
}

type ScanReportRequest struct {
	CommitSHA       string                    `json:"commit_sha"`
	Ref             string                    `json:"ref"`
	ProviderRunID   string                    `json:"provider_run_id"`
	RunURL          string                    `json:"run_url"`
	WorkflowVersion string                    `json:"workflow_version"`
	ScannedAt       string                    `json:"scanned_at,omitempty" format:"date-time"`
	Results         map[string]map[string]any `json:"results"`
	Repository      *RepositoryMetadata       `json:"repository,omitempty"`
}

type ApproveQuestRequest struct {
	ApprovedBy string `json:"approved_by,omitempty"`
	Level      int    `json:"level,omitempty" minimum:"0"`
}

type QuestLevelRequest struct {
	Level       int     `json:"level" minimum:"1"`
	Description string  `json:"description,omitempty"`
	Condition   string  `json:"condition" enum:"pass,exists,count,score"`
	Min         float64 `json:"min,omitempty"`
}

type CreateQuestRequest struct {
	Key         string              `json:"key"`
	Title       string              `json:"title"`
	Category    string              `json:"category"`
	Description string              `json:"description"`
	Detection   string              `json:"detection" enum:"auto,manual,both"`
	Languages   []string            `json:"languages,omitempty"`
	Levels      []QuestLevelRequest `json:"levels,omitempty"`
}

type UpdateQuestRequest struct {
	Description *string `json:"description,omitempty"`
	Active      *bool   `json:"active,omitempty"`
}

// Response payloads

type TeamResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type RepositoryResponse struct {
	ID            string `json:"id"`
	TeamID        string `json:"team_id"`
	Name          string `json:"name"`
	Language      string `json:"language,omitempty"`
	DefaultBranch string `json:"default_branch,omitempty"`
	CreatedAt     string `json:"created_at" format:"date-time"`
	UpdatedAt     string `json:"updated_at" format:"date-time"`
}

type QuestLevelResponse struct {
	Level       int     `json:"level"`
	Description string  `json:"description,omitempty"`
	Condition   string  `json:"condition" enum:"pass,exists,count,score"`
	Min         float64 `json:"min,omitempty"`
}

type QuestResponse struct {
	ID          string               `json:"id"`
	Key         string               `json:"key"`
	Title       string               `json:"title"`
	Category    string               `json:"category"`
	Description string               `json:"description"`
	Active      bool                 `json:"active"`
	Detection   string               `json:"detection" enum:"auto,manual,both"`
	Languages   []string             `json:"languages,omitempty"`
	Levels      []QuestLevelResponse `json:"levels,omitempty"`
	CreatedAt   string               `json:"created_at" format:"date-time"`
	UpdatedAt   string               `json:"updated_at" format:"date-time"`
}

type ManualApprovalResponse struct {
	ApprovedBy string `json:"approved_by"`
	ApprovedAt string `json:"approved_at" format:"date-time"`
	RevokedAt  string `json:"revoked_at,omitempty" format:"date-time"`
}

type EntryResponse struct {
	Status           string                  `json:"status" enum:"complete,incomplete,unknown"`
	Level            int                     `json:"level"`
	LastSeenAt       string                  `json:"last_seen_at" format:"date-time"`
	CompletionSource string                  `json:"completion_source" enum:"automatic,manual"`
	ManualApproval   *ManualApprovalResponse `json:"manual_approval,omitempty"`
}

type SnapshotResponse struct {
	RepoID                string                   `json:"repo_id"`
	TeamID                string                   `json:"team_id"`
	ComputedFromScanRunID string                   `json:"computed_from_scan_run_id"`
	UpdatedAt             string                   `json:"updated_at" format:"date-time"`
	Quests                map[string]EntryResponse `json:"quests"`
}

type ScanRunResponse struct {
	ID              string `json:"id"`
	RepoID          string `json:"repo_id"`
	TeamID          string `json:"team_id"`
	CommitSHA       string `json:"commit_sha"`
	Ref             string `json:"ref"`
	ProviderRunID   string `json:"provider_run_id"`
	RunURL          string `json:"run_url"`
	WorkflowVersion string `json:"workflow_version"`
	ScannedAt       string `json:"scanned_at" format:"date-time"`
}

type IngestResponse struct {
	ScanRun  ScanRunResponse  `json:"scan_run"`
	Snapshot SnapshotResponse `json:"snapshot"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	RepoID     string         `json:"repo_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Converters

func teamResponse(t domain.Team) TeamResponse {
	return TeamResponse{ID: t.ID, Name: t.Name, CreatedAt: t.CreatedAt}
}

func repositoryResponse(r domain.Repository) RepositoryResponse {
	return RepositoryResponse{
		ID:            r.ID,
		TeamID:        r.TeamID,
		Name:          r.Name,
		Language:      r.Language,
		DefaultBranch: r.DefaultBranch,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func questResponse(q readiness.Quest) QuestResponse {
	levels := make([]QuestLevelResponse, 0, len(q.Levels))
	for _, lvl := range q.Levels {
		levels = append(levels, QuestLevelResponse{
			Level:       lvl.Level,
			Description: lvl.Description,
			Condition:   string(lvl.Condition.Type),
			Min:         lvl.Condition.Min,
		})
	}
	return QuestResponse{
		ID:          q.ID,
		Key:         q.Key,
		Title:       q.Title,
		Category:    q.Category,
		Description: q.Description,
		Active:      q.Active,
		Detection:   string(q.DetectionType),
		Languages:   q.Languages,
		Levels:      levels,
		CreatedAt:   q.CreatedAt,
		UpdatedAt:   q.UpdatedAt,
	}
}

func mapQuests(items []readiness.Quest) []QuestResponse {
	res := make([]QuestResponse, 0, len(items))
	for _, q := range items {
		res = append(res, questResponse(q))
	}
	return res
}

func entryResponse(e readiness.Entry) EntryResponse {
	res := EntryResponse{
		Status:           e.Status,
		Level:            e.Level,
		LastSeenAt:       e.LastSeenAt,
		CompletionSource: e.CompletionSource,
	}
	if e.ManualApproval != nil {
		res.ManualApproval = &ManualApprovalResponse{
			ApprovedBy: e.ManualApproval.ApprovedBy,
			ApprovedAt: e.ManualApproval.ApprovedAt,
			RevokedAt:  e.ManualApproval.RevokedAt,
		}
	}
	return res
}

func snapshotResponse(s readiness.Snapshot) SnapshotResponse {
	quests := make(map[string]EntryResponse, len(s.Quests))
	for key, entry := range s.Quests {
		quests[key] = entryResponse(entry)
	}
	return SnapshotResponse{
		RepoID:                s.RepoID,
		TeamID:                s.TeamID,
		ComputedFromScanRunID: s.ComputedFromScanRunID,
		UpdatedAt:             s.UpdatedAt,
		Quests:                quests,
	}
}

func scanRunResponse(run readiness.ScanRun) ScanRunResponse {
	return ScanRunResponse{
		ID:              run.ID,
		RepoID:          run.RepoID,
		TeamID:          run.TeamID,
		CommitSHA:       run.CommitSHA,
		Ref:             run.Ref,
		ProviderRunID:   run.ProviderRunID,
		RunURL:          run.RunURL,
		WorkflowVersion: run.WorkflowVersion,
		ScannedAt:       run.ScannedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	var payload map[string]any
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		RepoID:     e.RepoID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    payload,
	}
}

func questOptionsFromRequest(req CreateQuestRequest) readiness.QuestOptions {
	levels := make([]readiness.Level, 0, len(req.Levels))
	for _, lvl := range req.Levels {
		levels = append(levels, readiness.Level{
			Level:       lvl.Level,
			Description: lvl.Description,
			Condition: readiness.Condition{
				Type: readiness.ConditionType(lvl.Condition),
				Min:  lvl.Min,
			},
		})
	}
	return readiness.QuestOptions{
		Key:           req.Key,
		Title:         req.Title,
		Category:      req.Category,
		Description:   req.Description,
		DetectionType: readiness.DetectionType(req.Detection),
		Languages:     req.Languages,
		Levels:        levels,
	}
}

func measurementsFromRequest(results map[string]map[string]any) map[string]readiness.Measurement {
	res := make(map[string]readiness.Measurement, len(results))
	for key, m := range results {
		res[key] = readiness.Measurement(m)
	}
	return res
}
