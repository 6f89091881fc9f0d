package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"questline/internal/app"
	"questline/internal/engine"
	"questline/internal/readiness"
	"questline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"quest_not_manually_approvable"`
	Message string         `json:"message" example:"quest cannot be manually approved"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"quest_key\":\"lint.clean\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Questline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Questline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTeams(group, cfg.Engine)
	registerRepositories(group, cfg.Engine)
	registerScans(group, cfg.Engine)
	registerReadiness(group, cfg.Engine)
	registerQuests(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve *readiness.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	switch {
	case errors.Is(err, readiness.ErrEntryNotFound):
		return newAPIError(http.StatusNotFound, "approval_not_found", err.Error(), nil)
	case errors.Is(err, readiness.ErrEntryNotManual):
		return newAPIError(http.StatusUnprocessableEntity, "entry_not_manual", err.Error(), nil)
	case errors.Is(err, engine.ErrNotManuallyApprovable):
		return newAPIError(http.StatusUnprocessableEntity, "quest_not_manually_approvable", err.Error(), nil)
	case errors.Is(err, engine.ErrQuestKeyTaken):
		return newAPIError(http.StatusConflict, "quest_key_taken", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Questline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerTeams(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-teams",
		Method:      http.MethodGet,
		Path:        "/teams",
		Summary:     "List teams",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []TeamResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListTeams(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]TeamResponse, 0, len(items))
		for _, t := range items {
			res = append(res, teamResponse(t))
		}
		return &struct {
			Body []TeamResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerRepositories(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-repos",
		Method:      http.MethodGet,
		Path:        "/repos",
		Summary:     "List repositories",
	}, func(ctx context.Context, input *struct {
		TeamID string `query:"team_id"`
	}) (*struct {
		Body []RepositoryResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListRepositories(ctx, input.TeamID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]RepositoryResponse, 0, len(items))
		for _, r := range items {
			res = append(res, repositoryResponse(r))
		}
		return &struct {
			Body []RepositoryResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-repo",
		Method:      http.MethodGet,
		Path:        "/repos/{repo_id}",
		Summary:     "Get repository",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RepoID string `path:"repo_id"`
	}) (*struct {
		Body RepositoryResponse `json:"body"`
	}, error) {
		r, err := e.Repo.GetRepository(ctx, input.RepoID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RepositoryResponse `json:"body"`
		}{Body: repositoryResponse(r)}, nil
	})
}

func registerScans(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "ingest-scan",
		Method:        http.MethodPost,
		Path:          "/repos/{repo_id}/scans",
		Summary:       "Ingest a scan report",
		Description:   "Records a scan run and recomputes the repository readiness snapshot. Unknown repositories are created from the embedded metadata.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		RepoID string            `path:"repo_id"`
		Body   ScanReportRequest `json:"body"`
	}) (*struct {
		Body IngestResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Repository != nil {
			meta := input.Body.Repository
			if _, err := app.EnsureRepository(ctx, e.Repo, app.RepositoryOptions{
				ID:            input.RepoID,
				TeamID:        meta.TeamID,
				Name:          meta.Name,
				Language:      meta.Language,
				DefaultBranch: meta.DefaultBranch,
			}); err != nil {
				return nil, handleError(err)
			}
		}
		run, snap, err := e.IngestScanRun(ctx, engine.IngestOptions{
			RepoID:          input.RepoID,
			CommitSHA:       input.Body.CommitSHA,
			Ref:             input.Body.Ref,
			ProviderRunID:   input.Body.ProviderRunID,
			RunURL:          input.Body.RunURL,
			WorkflowVersion: input.Body.WorkflowVersion,
			ScannedAt:       input.Body.ScannedAt,
			Results:         measurementsFromRequest(input.Body.Results),
			ActorID:         actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IngestResponse `json:"body"`
		}{Body: IngestResponse{ScanRun: scanRunResponse(run), Snapshot: snapshotResponse(snap)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-scans",
		Method:      http.MethodGet,
		Path:        "/repos/{repo_id}/scans",
		Summary:     "List scan runs",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RepoID string `path:"repo_id"`
		Limit  int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []ScanRunResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetRepository(ctx, input.RepoID); err != nil {
			return nil, handleError(err)
		}
		limit := input.Limit
		if limit == 0 {
			limit = 50
		}
		runs, err := e.Repo.ListScanRuns(ctx, input.RepoID, limit)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]ScanRunResponse, 0, len(runs))
		for _, run := range runs {
			res = append(res, scanRunResponse(run))
		}
		return &struct {
			Body []ScanRunResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerReadiness(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-readiness",
		Method:      http.MethodGet,
		Path:        "/repos/{repo_id}/readiness",
		Summary:     "Get readiness snapshot",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RepoID string `path:"repo_id"`
	}) (*struct {
		Body SnapshotResponse `json:"body"`
	}, error) {
		snap, err := e.GetReadiness(ctx, input.RepoID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SnapshotResponse `json:"body"`
		}{Body: snapshotResponse(snap)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-quest",
		Method:      http.MethodPost,
		Path:        "/repos/{repo_id}/readiness/{quest_key}/approve",
		Summary:     "Manually approve a quest",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		RepoID   string              `path:"repo_id"`
		QuestKey string              `path:"quest_key"`
		Body     ApproveQuestRequest `json:"body"`
	}) (*struct {
		Body SnapshotResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		approvedBy := input.Body.ApprovedBy
		if approvedBy == "" {
			approvedBy = actorID
		}
		snap, err := e.ApproveQuest(ctx, input.RepoID, input.QuestKey, approvedBy, input.Body.Level, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SnapshotResponse `json:"body"`
		}{Body: snapshotResponse(snap)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-approval",
		Method:      http.MethodDelete,
		Path:        "/repos/{repo_id}/readiness/{quest_key}/approval",
		Summary:     "Revoke a manual approval",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		RepoID   string `path:"repo_id"`
		QuestKey string `path:"quest_key"`
	}) (*struct {
		Body SnapshotResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		snap, err := e.RevokeApproval(ctx, input.RepoID, input.QuestKey, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SnapshotResponse `json:"body"`
		}{Body: snapshotResponse(snap)}, nil
	})
}

func registerQuests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-quests",
		Method:      http.MethodGet,
		Path:        "/quests",
		Summary:     "List quest catalog",
	}, func(ctx context.Context, input *struct {
		All bool `query:"all" doc:"Include inactive quests"`
	}) (*struct {
		Body []QuestResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListQuests(ctx, input.All)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []QuestResponse `json:"body"`
		}{Body: mapQuests(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-quest",
		Method:      http.MethodGet,
		Path:        "/quests/{quest_key}",
		Summary:     "Get quest",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		QuestKey string `path:"quest_key"`
	}) (*struct {
		Body QuestResponse `json:"body"`
	}, error) {
		q, err := e.Repo.GetQuestByKey(ctx, input.QuestKey)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QuestResponse `json:"body"`
		}{Body: questResponse(q)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-quest",
		Method:        http.MethodPost,
		Path:          "/quests",
		Summary:       "Create quest",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateQuestRequest `json:"body"`
	}) (*struct {
		Body QuestResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		q, err := e.CreateQuest(ctx, questOptionsFromRequest(input.Body), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QuestResponse `json:"body"`
		}{Body: questResponse(q)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-quest",
		Method:      http.MethodPatch,
		Path:        "/quests/{quest_key}",
		Summary:     "Update quest",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		QuestKey string             `path:"quest_key"`
		Body     UpdateQuestRequest `json:"body"`
	}) (*struct {
		Body QuestResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		q, err := e.Repo.GetQuestByKey(ctx, input.QuestKey)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.Description != nil {
			q, err = e.UpdateQuestDescription(ctx, input.QuestKey, *input.Body.Description, actorID)
			if err != nil {
				return nil, handleError(err)
			}
		}
		if input.Body.Active != nil {
			q, err = e.SetQuestActive(ctx, input.QuestKey, *input.Body.Active, actorID)
			if err != nil {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body QuestResponse `json:"body"`
		}{Body: questResponse(q)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events",
	}, func(ctx context.Context, input *struct {
		RepoID string `query:"repo_id"`
		Limit  int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit == 0 {
			limit = 100
		}
		items, err := e.Repo.ListEvents(ctx, input.RepoID, limit)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			res = append(res, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: res}, nil
	})
}
