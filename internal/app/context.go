package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"questline/internal/config"
	"questline/internal/domain"
	"questline/internal/readiness"
	"questline/internal/repo"
)

// ResolveTeamAndConfig picks the active team and ensures it exists in DB.
// The override wins; otherwise the workspace config decides. The team row is
// created on the fly if missing so a fresh workspace needs no setup step.
func ResolveTeamAndConfig(ctx context.Context, workspace, teamOverride string, r repo.Repo) (string, *config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	teamID := teamOverride
	if teamID == "" && cfg != nil {
		teamID = cfg.Team.ID
	}
	if teamID == "" {
		return "", nil, fmt.Errorf("team not specified; use --team or add team.id to %s", config.Path(workspace))
	}
	if cfg == nil {
		cfg = config.Default(teamID)
	}
	teamName := cfg.Team.Name
	if teamName == "" {
		teamName = teamID
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if err := r.EnsureTeam(ctx, nil, teamID, teamName, now); err != nil {
		return "", nil, fmt.Errorf("ensure team: %w", err)
	}
	cfg.Team.ID = teamID
	return teamID, cfg, nil
}

// RepositoryOptions describe a repository as reported by scan metadata.
type RepositoryOptions struct {
	ID            string
	TeamID        string
	Name          string
	Language      string
	DefaultBranch string
}

// EnsureRepository returns the repository, creating it from scan metadata on
// first contact. An existing repository with an unknown language picks one
// up from the metadata; nothing else is overwritten.
func EnsureRepository(ctx context.Context, r repo.Repo, opts RepositoryOptions) (domain.Repository, error) {
	if opts.ID == "" {
		return domain.Repository{}, errors.New("repository id required")
	}
	if opts.Language != "" && !knownLanguage(opts.Language) {
		return domain.Repository{}, fmt.Errorf("unknown language %q", opts.Language)
	}
	existing, err := r.GetRepository(ctx, opts.ID)
	if err == nil {
		if existing.Language == "" && opts.Language != "" {
			now := time.Now().UTC().Format(time.RFC3339)
			if err := r.UpdateRepositoryLanguage(ctx, nil, existing.ID, opts.Language, now); err != nil {
				return domain.Repository{}, err
			}
			existing.Language = opts.Language
		}
		return existing, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Repository{}, err
	}
	if opts.TeamID == "" {
		return domain.Repository{}, errors.New("team id required to create repository")
	}
	name := opts.Name
	if name == "" {
		name = opts.ID
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if err := r.EnsureTeam(ctx, nil, opts.TeamID, opts.TeamID, now); err != nil {
		return domain.Repository{}, fmt.Errorf("ensure team: %w", err)
	}
	created := domain.Repository{
		ID:            opts.ID,
		TeamID:        opts.TeamID,
		Name:          name,
		Language:      opts.Language,
		DefaultBranch: opts.DefaultBranch,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.InsertRepository(ctx, nil, created); err != nil {
		return domain.Repository{}, fmt.Errorf("insert repository: %w", err)
	}
	return created, nil
}

func knownLanguage(lang string) bool {
	for _, l := range readiness.Languages {
		if l == lang {
			return true
		}
	}
	return false
}
