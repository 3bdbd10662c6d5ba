// Package server exposes the pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"mandato/internal/app"
	"mandato/internal/domain"
	"mandato/internal/ledger"
	"mandato/internal/pipeline"
	"mandato/internal/repo"
	"mandato/internal/scheduler"
)

// Config for the HTTP API handler.
type Config struct {
	App      *app.App
	BasePath string
}

type apiErrorBody struct {
	Code    string `json:"code" example:"invalid_status"`
	Message string `json:"message" example:"project is draft, not pending approval"`
}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func newAPIError(status int, code, message string) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message}}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if be, ok := pipeline.IsBusiness(err); ok {
		switch be.Code {
		case pipeline.CodeOwnershipMismatch:
			return newAPIError(http.StatusForbidden, be.Code, be.Message)
		case pipeline.CodeInsufficientFunds:
			return newAPIError(http.StatusUnprocessableEntity, be.Code, be.Message)
		default:
			return newAPIError(http.StatusConflict, be.Code, be.Message)
		}
	}
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, ledger.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error())
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", err.Error())
}

// New returns an HTTP handler exposing the Mandato API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, _ ...error) huma.StatusError {
		return newAPIError(status, "", msg)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Mandato API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerIdeas(group, cfg.App)
	registerProjects(group, cfg.App)
	registerSweep(group, cfg.App)
	registerState(group, cfg.App)

	return router, nil
}

// OwnerHeader carries the caller's identity. Authentication proper lives in
// front of this service; the header names who the gateway authenticated.
type OwnerHeader struct {
	Owner string `header:"X-Owner-ID" required:"true"`
}

func (h OwnerHeader) ownerID() (string, huma.StatusError) {
	owner := strings.TrimSpace(h.Owner)
	if owner == "" {
		return "", newAPIError(http.StatusBadRequest, "bad_request", "X-Owner-ID header is required")
	}
	return owner, nil
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

func registerIdeas(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-idea",
		Method:        http.MethodPost,
		Path:          "/ideas",
		Summary:       "Submit a project idea",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		OwnerHeader
		Body struct {
			Idea string `json:"idea" minLength:"1"`
		} `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		owner, authErr := input.ownerID()
		if authErr != nil {
			return nil, authErr
		}
		if _, err := a.EnsureState(ctx, owner, ""); err != nil {
			return nil, handleError(err)
		}
		p, err := a.Pipeline.CreateProjectIdea(ctx, owner, input.Body.Idea)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})
}

func registerProjects(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List the owner's projects",
	}, func(ctx context.Context, input *struct {
		OwnerHeader
		Status string `query:"status"`
	}) (*struct {
		Body []domain.Project `json:"body"`
	}, error) {
		owner, authErr := input.ownerID()
		if authErr != nil {
			return nil, authErr
		}
		items, err := a.Repo.ListProjectsByOwner(ctx, owner)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Status != "" {
			filtered := items[:0]
			for _, p := range items {
				if p.Status == domain.ProjectStatus(input.Status) {
					filtered = append(filtered, p)
				}
			}
			items = filtered
		}
		return &struct {
			Body []domain.Project `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get a project with its processing log",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OwnerHeader
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		owner, authErr := input.ownerID()
		if authErr != nil {
			return nil, authErr
		}
		p, err := a.Repo.GetProjectWithLogs(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if p.OwnerID != owner {
			return nil, newAPIError(http.StatusForbidden, pipeline.CodeOwnershipMismatch, "project belongs to a different owner")
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/approve",
		Summary:     "Approve a pending project",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		OwnerHeader
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		owner, authErr := input.ownerID()
		if authErr != nil {
			return nil, authErr
		}
		p, err := a.Pipeline.ApproveProject(ctx, owner, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/reject",
		Summary:     "Reject a pending project",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		OwnerHeader
		ProjectID string `path:"project_id"`
		Body      struct {
			Reason string `json:"reason,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		owner, authErr := input.ownerID()
		if authErr != nil {
			return nil, authErr
		}
		p, err := a.Pipeline.RejectProject(ctx, owner, input.ProjectID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/cancel",
		Summary:     "Cancel a project",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		OwnerHeader
		ProjectID string `path:"project_id"`
		Body      struct {
			Reason string `json:"reason,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body domain.Project `json:"body"`
	}, error) {
		owner, authErr := input.ownerID()
		if authErr != nil {
			return nil, authErr
		}
		p, err := a.Pipeline.CancelProject(ctx, owner, input.ProjectID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Project `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-execution-records",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/records",
		Summary:     "List a project's execution records",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OwnerHeader
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []domain.ExecutionRecord `json:"body"`
	}, error) {
		owner, authErr := input.ownerID()
		if authErr != nil {
			return nil, authErr
		}
		p, err := a.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if p.OwnerID != owner {
			return nil, newAPIError(http.StatusForbidden, pipeline.CodeOwnershipMismatch, "project belongs to a different owner")
		}
		records, err := a.Repo.ListExecutionRecords(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ExecutionRecord `json:"body"`
		}{Body: records}, nil
	})
}

func registerSweep(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "run-sweep",
		Method:      http.MethodPost,
		Path:        "/sweep",
		Summary:     "Execute due execution records now",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body scheduler.SweepResult `json:"body"`
	}, error) {
		res, err := a.Scheduler.ProcessPending(ctx, a.Config.Scheduler.SweepLimit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body scheduler.SweepResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerState(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "get-state",
		Method:      http.MethodGet,
		Path:        "/state",
		Summary:     "Get the owner's nation state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OwnerHeader
	}) (*struct {
		Body domain.NationState `json:"body"`
	}, error) {
		owner, authErr := input.ownerID()
		if authErr != nil {
			return nil, authErr
		}
		state, err := a.Ledger.GetStateByOwner(ctx, owner)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.NationState `json:"body"`
		}{Body: state}, nil
	})
}
