package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"questline/internal/domain"
	"questline/internal/readiness"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// --- teams ---

func (r Repo) EnsureTeam(ctx context.Context, tx *sql.Tx, id, name, now string) error {
	exec := execer(r.DB, tx)
	_, err := exec(ctx, `INSERT INTO teams(id,name,created_at) VALUES (?,?,?) ON CONFLICT(id) DO NOTHING`, id, name, now)
	return err
}

func (r Repo) GetTeam(ctx context.Context, id string) (domain.Team, error) {
	var t domain.Team
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM teams WHERE id=?`, id).
		Scan(&t.ID, &t.Name, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) ListTeams(ctx context.Context) ([]domain.Team, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,created_at FROM teams ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Team
	for rows.Next() {
		var t domain.Team
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// --- repositories ---

func (r Repo) InsertRepository(ctx context.Context, tx *sql.Tx, repo domain.Repository) error {
	exec := execer(r.DB, tx)
	_, err := exec(ctx, `INSERT INTO repositories(id,team_id,name,language,default_branch,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		repo.ID, repo.TeamID, repo.Name, nullable(repo.Language), nullable(repo.DefaultBranch), repo.CreatedAt, repo.UpdatedAt)
	return err
}

func (r Repo) GetRepository(ctx context.Context, id string) (domain.Repository, error) {
	var repo domain.Repository
	var language, branch sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,team_id,name,language,default_branch,created_at,updated_at FROM repositories WHERE id=?`, id).
		Scan(&repo.ID, &repo.TeamID, &repo.Name, &language, &branch, &repo.CreatedAt, &repo.UpdatedAt)
	if err == sql.ErrNoRows {
		return repo, ErrNotFound
	}
	if err != nil {
		return repo, err
	}
	repo.Language = language.String
	repo.DefaultBranch = branch.String
	return repo, nil
}

func (r Repo) ListRepositories(ctx context.Context, teamID string) ([]domain.Repository, error) {
	query := `SELECT id,team_id,name,language,default_branch,created_at,updated_at FROM repositories`
	var args []any
	if teamID != "" {
		query += ` WHERE team_id=?`
		args = append(args, teamID)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Repository
	for rows.Next() {
		var repo domain.Repository
		var language, branch sql.NullString
		if err := rows.Scan(&repo.ID, &repo.TeamID, &repo.Name, &language, &branch, &repo.CreatedAt, &repo.UpdatedAt); err != nil {
			return nil, err
		}
		repo.Language = language.String
		repo.DefaultBranch = branch.String
		res = append(res, repo)
	}
	return res, rows.Err()
}

func (r Repo) UpdateRepositoryLanguage(ctx context.Context, tx *sql.Tx, id, language, now string) error {
	exec := execer(r.DB, tx)
	res, err := exec(ctx, `UPDATE repositories SET language=?, updated_at=? WHERE id=?`, nullable(language), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- quests ---

// UpsertQuest inserts a quest or, when the key already exists, updates the
// definition in place while preserving the stored id and created_at.
func (r Repo) UpsertQuest(ctx context.Context, tx *sql.Tx, q readiness.Quest) error {
	languages, levels, err := marshalQuestColumns(q)
	if err != nil {
		return err
	}
	exec := execer(r.DB, tx)
	_, err = exec(ctx, `INSERT INTO quests(id,key,title,category,description,active,detection_type,languages_json,levels_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(key) DO UPDATE SET
  title=excluded.title,
  category=excluded.category,
  description=excluded.description,
  active=excluded.active,
  detection_type=excluded.detection_type,
  languages_json=excluded.languages_json,
  levels_json=excluded.levels_json,
  updated_at=excluded.updated_at`,
		q.ID, q.Key, q.Title, q.Category, q.Description, boolInt(q.Active), string(q.DetectionType), languages, levels, q.CreatedAt, q.UpdatedAt)
	return err
}

// SaveQuest replaces an existing quest row by key.
func (r Repo) SaveQuest(ctx context.Context, tx *sql.Tx, q readiness.Quest) error {
	languages, levels, err := marshalQuestColumns(q)
	if err != nil {
		return err
	}
	exec := execer(r.DB, tx)
	res, err := exec(ctx, `UPDATE quests SET title=?, category=?, description=?, active=?, detection_type=?, languages_json=?, levels_json=?, updated_at=? WHERE key=?`,
		q.Title, q.Category, q.Description, boolInt(q.Active), string(q.DetectionType), languages, levels, q.UpdatedAt, q.Key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetQuestByKey(ctx context.Context, key string) (readiness.Quest, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,key,title,category,description,active,detection_type,languages_json,levels_json,created_at,updated_at FROM quests WHERE key=?`, key)
	return scanQuest(row)
}

// ListQuests returns the catalog, inactive entries included only on request.
func (r Repo) ListQuests(ctx context.Context, includeInactive bool) ([]readiness.Quest, error) {
	query := `SELECT id,key,title,category,description,active,detection_type,languages_json,levels_json,created_at,updated_at FROM quests`
	if !includeInactive {
		query += ` WHERE active=1`
	}
	query += ` ORDER BY category ASC, key ASC`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []readiness.Quest
	for rows.Next() {
		q, err := scanQuestRow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, q)
	}
	return res, rows.Err()
}

// FindActiveQuestsForLanguage returns active auto-detectable quests
// applicable to the repository language: the catalog subset the readiness
// computer expects.
func (r Repo) FindActiveQuestsForLanguage(ctx context.Context, language string) ([]readiness.Quest, error) {
	all, err := r.ListQuests(ctx, false)
	if err != nil {
		return nil, err
	}
	var res []readiness.Quest
	for _, q := range all {
		if q.CanBeAutoDetected() && q.AppliesToLanguage(language) {
			res = append(res, q)
		}
	}
	return res, nil
}

func marshalQuestColumns(q readiness.Quest) (string, string, error) {
	languages, err := json.Marshal(q.Languages)
	if err != nil {
		return "", "", fmt.Errorf("marshal quest languages: %w", err)
	}
	levels, err := json.Marshal(q.Levels)
	if err != nil {
		return "", "", fmt.Errorf("marshal quest levels: %w", err)
	}
	return string(languages), string(levels), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuest(row *sql.Row) (readiness.Quest, error) {
	q, err := scanQuestRow(row)
	if err == sql.ErrNoRows {
		return q, ErrNotFound
	}
	return q, err
}

func scanQuestRow(row rowScanner) (readiness.Quest, error) {
	var q readiness.Quest
	var active int
	var detection string
	var languagesJSON, levelsJSON sql.NullString
	err := row.Scan(&q.ID, &q.Key, &q.Title, &q.Category, &q.Description, &active, &detection, &languagesJSON, &levelsJSON, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return q, err
	}
	q.Active = active != 0
	q.DetectionType = readiness.DetectionType(detection)
	if languagesJSON.Valid && languagesJSON.String != "" {
		if err := json.Unmarshal([]byte(languagesJSON.String), &q.Languages); err != nil {
			return q, fmt.Errorf("decode quest %s languages: %w", q.Key, err)
		}
	}
	if levelsJSON.Valid && levelsJSON.String != "" {
		if err := json.Unmarshal([]byte(levelsJSON.String), &q.Levels); err != nil {
			return q, fmt.Errorf("decode quest %s levels: %w", q.Key, err)
		}
	}
	return q, nil
}

// --- scan runs ---

func (r Repo) InsertScanRun(ctx context.Context, tx *sql.Tx, run readiness.ScanRun, now string) error {
	results, err := json.Marshal(run.Results)
	if err != nil {
		return fmt.Errorf("marshal scan results: %w", err)
	}
	exec := execer(r.DB, tx)
	_, err = exec(ctx, `INSERT INTO scan_runs(id,repo_id,team_id,commit_sha,ref,provider_run_id,run_url,workflow_version,scanned_at,results_json,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.RepoID, run.TeamID, run.CommitSHA, run.Ref, run.ProviderRunID, run.RunURL, run.WorkflowVersion, run.ScannedAt, string(results), now)
	return err
}

func (r Repo) GetScanRun(ctx context.Context, id string) (readiness.ScanRun, error) {
	var run readiness.ScanRun
	var resultsJSON string
	err := r.DB.QueryRowContext(ctx, `SELECT id,repo_id,team_id,commit_sha,ref,provider_run_id,run_url,workflow_version,scanned_at,results_json FROM scan_runs WHERE id=?`, id).
		Scan(&run.ID, &run.RepoID, &run.TeamID, &run.CommitSHA, &run.Ref, &run.ProviderRunID, &run.RunURL, &run.WorkflowVersion, &run.ScannedAt, &resultsJSON)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	if err := json.Unmarshal([]byte(resultsJSON), &run.Results); err != nil {
		return run, fmt.Errorf("decode scan results: %w", err)
	}
	return run, nil
}

func (r Repo) ListScanRuns(ctx context.Context, repoID string, limit int) ([]readiness.ScanRun, error) {
	query := `SELECT id,repo_id,team_id,commit_sha,ref,provider_run_id,run_url,workflow_version,scanned_at,results_json FROM scan_runs WHERE repo_id=? ORDER BY scanned_at DESC, id DESC`
	args := []any{repoID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []readiness.ScanRun
	for rows.Next() {
		var run readiness.ScanRun
		var resultsJSON string
		if err := rows.Scan(&run.ID, &run.RepoID, &run.TeamID, &run.CommitSHA, &run.Ref, &run.ProviderRunID, &run.RunURL, &run.WorkflowVersion, &run.ScannedAt, &resultsJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(resultsJSON), &run.Results); err != nil {
			return nil, fmt.Errorf("decode scan results: %w", err)
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

// --- readiness snapshots ---

// SaveSnapshot upserts the full snapshot document: one row per repository,
// last write replaces everything.
func (r Repo) SaveSnapshot(ctx context.Context, tx *sql.Tx, snap readiness.Snapshot) error {
	quests, err := json.Marshal(snap.Quests)
	if err != nil {
		return fmt.Errorf("marshal snapshot quests: %w", err)
	}
	exec := execer(r.DB, tx)
	_, err = exec(ctx, `INSERT INTO readiness_snapshots(repo_id,team_id,computed_from_scan_run_id,updated_at,quests_json)
VALUES (?,?,?,?,?)
ON CONFLICT(repo_id) DO UPDATE SET
  team_id=excluded.team_id,
  computed_from_scan_run_id=excluded.computed_from_scan_run_id,
  updated_at=excluded.updated_at,
  quests_json=excluded.quests_json`,
		snap.RepoID, snap.TeamID, snap.ComputedFromScanRunID, snap.UpdatedAt, string(quests))
	return err
}

func (r Repo) GetSnapshot(ctx context.Context, repoID string) (readiness.Snapshot, error) {
	var snap readiness.Snapshot
	var questsJSON string
	err := r.DB.QueryRowContext(ctx, `SELECT repo_id,team_id,computed_from_scan_run_id,updated_at,quests_json FROM readiness_snapshots WHERE repo_id=?`, repoID).
		Scan(&snap.RepoID, &snap.TeamID, &snap.ComputedFromScanRunID, &snap.UpdatedAt, &questsJSON)
	if err == sql.ErrNoRows {
		return snap, ErrNotFound
	}
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal([]byte(questsJSON), &snap.Quests); err != nil {
		return snap, fmt.Errorf("decode snapshot quests: %w", err)
	}
	if snap.Quests == nil {
		snap.Quests = map[string]readiness.Entry{}
	}
	return snap, nil
}

// --- events ---

func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64, repoID string) ([]domain.Event, error) {
	clauses := []string{"id > ?"}
	args := []any{afterID}
	if repoID != "" {
		clauses = append(clauses, "repo_id=?")
		args = append(args, repoID)
	}
	query := `SELECT id,ts,type,COALESCE(repo_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RepoID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestEventID(ctx context.Context, repoID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if repoID != "" {
		query += ` WHERE repo_id=?`
		args = append(args, repoID)
	}
	var id int64
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id)
	return id, err
}

func (r Repo) ListEvents(ctx context.Context, repoID string, limit int) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if repoID != "" {
		clauses = []string{"repo_id=?"}
		args = append(args, repoID)
	}
	query := `SELECT id,ts,type,COALESCE(repo_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.RepoID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

type execFunc func(ctx context.Context, query string, args ...any) (sql.Result, error)

func execer(db *sql.DB, tx *sql.Tx) execFunc {
	if tx != nil {
		return tx.ExecContext
	}
	return db.ExecContext
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
