package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"draftgate/internal/domain"
	"draftgate/internal/engine"
	"draftgate/internal/notify"
	"draftgate/internal/producer"
	"draftgate/internal/repo"
	"draftgate/internal/session"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Registry *session.Registry
	Producer producer.Producer
	Hub      *notify.Hub
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"approved_locked"`
	Message string         `json:"message" example:"artifact is approved and locked"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Draftgate API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(cfg.Auth))
	hcfg := huma.DefaultConfig("Draftgate API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerArtifacts(group, cfg.Engine)
	registerGeneration(group, cfg)
	registerPhases(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerWatch(router, basePath, cfg.Hub)

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

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	default:
		return "internal_error"
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var persistErr *session.PersistError
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrEmptyFeedback):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	case errors.Is(err, engine.ErrArtifactApproved), errors.Is(err, engine.ErrOverrideRequired):
		return newAPIError(http.StatusConflict, "approved_locked", err.Error(), nil)
	case errors.Is(err, engine.ErrBadTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, session.ErrAlreadyStreaming):
		return newAPIError(http.StatusConflict, "session_conflict", err.Error(), nil)
	case errors.Is(err, session.ErrNotRetryable):
		return newAPIError(http.StatusConflict, "nothing_to_save", err.Error(), nil)
	case errors.As(err, &persistErr):
		return newAPIError(http.StatusBadGateway, "persist_failed", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
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

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		p, err := e.InitProject(ctx, input.Body.ID, desc, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: ProjectResponse{Project: p}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ProjectListResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectListResponse `json:"body"`
		}{Body: ProjectListResponse{Projects: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/status",
		Summary:     "Project status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		artifacts, err := e.Repo.ListArtifacts(ctx, repo.ArtifactFilters{ProjectID: p.ID})
		if err != nil {
			return nil, handleError(err)
		}
		counts := map[string]int{}
		for _, a := range artifacts {
			counts[a.Status]++
		}
		phases := []domain.PhaseStatus{}
		if e.Config != nil {
			for _, ph := range e.Config.Phases {
				st, err := e.PhaseStatus(ctx, p.ID, ph.ID)
				if err != nil {
					return nil, handleError(err)
				}
				phases = append(phases, st)
			}
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"project_id":      p.ID,
			"status":          p.Status,
			"artifact_counts": counts,
			"phases":          phases,
		}}, nil
	})
}

func registerArtifacts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-artifacts",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/artifacts",
		Summary:     "List artifacts",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Status    string `query:"status"`
	}) (*struct {
		Body ArtifactListResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListArtifacts(ctx, repo.ArtifactFilters{ProjectID: input.ProjectID, Status: input.Status})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArtifactListResponse `json:"body"`
		}{Body: ArtifactListResponse{Artifacts: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-artifact",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/artifact",
		Summary:     "Get artifact by route",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Route     string `query:"route" required:"true"`
	}) (*struct {
		Body ArtifactResponse `json:"body"`
	}, error) {
		a, err := e.Repo.GetArtifact(ctx, domain.OwnerKey{ProjectID: input.ProjectID, Route: input.Route})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArtifactResponse `json:"body"`
		}{Body: ArtifactResponse{Artifact: a}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-artifact",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/artifacts/approve",
		Summary:     "Approve artifact",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string       `path:"project_id"`
		Body      RouteRequest `json:"body"`
	}) (*struct {
		Body ArtifactResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.Approve(ctx, domain.OwnerKey{ProjectID: input.ProjectID, Route: input.Body.Route}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArtifactResponse `json:"body"`
		}{Body: ArtifactResponse{Artifact: a}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-revision",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/artifacts/request-revision",
		Summary:     "Request revision with feedback",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ProjectID string                 `path:"project_id"`
		Body      RequestRevisionRequest `json:"body"`
	}) (*struct {
		Body ArtifactResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.RequestRevision(ctx, domain.OwnerKey{ProjectID: input.ProjectID, Route: input.Body.Route}, input.Body.Feedback, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArtifactResponse `json:"body"`
		}{Body: ArtifactResponse{Artifact: a}}, nil
	})
}

func registerGeneration(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID:   "start-generation",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/generate",
		Summary:       "Start a generation session",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ProjectID string          `path:"project_id"`
		Body      GenerateRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if input.Body.Route == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "route is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key := domain.OwnerKey{ProjectID: input.ProjectID, Route: input.Body.Route}
		if _, err := e.Repo.GetProject(ctx, key.ProjectID); err != nil {
			return nil, handleError(err)
		}
		if err := e.CheckGenerate(ctx, key, input.Body.Override); err != nil {
			return nil, handleError(err)
		}

		var sections []string
		description := ""
		if e.Config != nil {
			sections = e.Config.SectionsFor(key.Route)
			if plan, ok := e.Config.Plans[key.Route]; ok {
				description = plan.Description
			}
		}
		if input.Body.Description != nil && *input.Body.Description != "" {
			description = *input.Body.Description
		}
		req := producer.Request{
			ProjectID:   key.ProjectID,
			Route:       key.Route,
			Description: description,
			Sections:    sections,
		}
		if prior, err := e.Repo.GetArtifact(ctx, key); err == nil {
			req.PriorContent = prior.Content
			if prior.Feedback != nil {
				req.Feedback = *prior.Feedback
			}
		}
		idle := time.Duration(0)
		if e.Config != nil {
			idle = e.Config.Producer.IdleTimeout
		}
		s, err := cfg.Registry.Acquire(key, func() *session.Session {
			return session.New(key, cfg.Producer, e, session.Options{
				Sections:    sections,
				IdleTimeout: idle,
				ActorID:     actorID,
				Hub:         cfg.Hub,
				Logger:      cfg.Logger,
			})
		})
		if err != nil {
			return nil, handleError(err)
		}
		if err := s.Start(ctx, req); err != nil {
			_ = e.RecordSessionFailure(ctx, key, err.Error(), actorID)
			return nil, newAPIError(http.StatusBadGateway, "transport_failure", err.Error(), nil)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: SessionResponse{Session: s.Status()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/session",
		Summary:     "Generation session status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Route     string `query:"route" required:"true"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		key := domain.OwnerKey{ProjectID: input.ProjectID, Route: input.Route}
		s, ok := cfg.Registry.Get(key)
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no session for route", nil)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: SessionResponse{Session: s.Status()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-session",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/session/cancel",
		Summary:     "Cancel a generation session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string       `path:"project_id"`
		Body      RouteRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		key := domain.OwnerKey{ProjectID: input.ProjectID, Route: input.Body.Route}
		s, ok := cfg.Registry.Get(key)
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no session for route", nil)
		}
		s.Cancel()
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: SessionResponse{Session: s.Status()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-save",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/session/retry-save",
		Summary:     "Retry persisting a completed generation",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ProjectID string       `path:"project_id"`
		Body      RouteRequest `json:"body"`
	}) (*struct {
		Body ArtifactResponse `json:"body"`
	}, error) {
		key := domain.OwnerKey{ProjectID: input.ProjectID, Route: input.Body.Route}
		s, ok := cfg.Registry.Get(key)
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", "no session for route", nil)
		}
		a, err := s.RetrySave(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArtifactResponse `json:"body"`
		}{Body: ArtifactResponse{Artifact: a}}, nil
	})
}

func registerPhases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "phase-status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/phases/{phase_id}",
		Summary:     "Phase gate status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		PhaseID   string `path:"phase_id"`
	}) (*struct {
		Body PhaseStatusResponse `json:"body"`
	}, error) {
		st, err := e.PhaseStatus(ctx, input.ProjectID, input.PhaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PhaseStatusResponse `json:"body"`
		}{Body: PhaseStatusResponse{Phase: st}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "phase-signoff",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/phases/{phase_id}/signoff",
		Summary:     "Record a reviewer or requester sign-off",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string         `path:"project_id"`
		PhaseID   string         `path:"phase_id"`
		Body      SignoffRequest `json:"body"`
	}) (*struct {
		Body SignoffResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.Signoff(ctx, input.ProjectID, input.PhaseID, input.Body.Role, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SignoffResponse `json:"body"`
		}{Body: SignoffResponse{Signoff: s}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "phase-reset",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/phases/{phase_id}/reset",
		Summary:     "Reset phase sign-offs",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		PhaseID   string `path:"phase_id"`
	}) (*struct {
		Body SignoffResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.ResetSignoffs(ctx, input.ProjectID, input.PhaseID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SignoffResponse `json:"body"`
		}{Body: SignoffResponse{Signoff: s}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List events",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Limit     int    `query:"limit"`
		Cursor    int64  `query:"cursor"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit, input.Cursor, input.ProjectID, "", "", "")
		if err != nil {
			return nil, handleError(err)
		}
		var cursor int64
		if len(items) > 0 {
			cursor = items[len(items)-1].ID
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: EventListResponse{Events: items, Cursor: cursor}}, nil
	})
}
