package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"

	"opsledger/internal/domain"
	"opsledger/internal/engine"
	"opsledger/internal/orchestrator"
)

// Config for the HTTP API handler.
type Config struct {
	Engine         engine.Engine
	Orchestrator   *orchestrator.Client
	BasePath       string
	AllowedOrigins []string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"Task 42 not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the opsledger API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Wrap Huma errors (including schema validation 422s) in the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		return huma.NewError(status, msg, errs...)
	}

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router := chi.NewRouter()
	router.Use(cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler)

	hcfg := huma.DefaultConfig("Opsledger API", "1.0.0")
	var api huma.API = humachi.New(router, hcfg)
	if basePath != "" {
		api = huma.NewGroup(api, basePath)
	}

	registerBanner(api)
	registerStatus(api, cfg.Engine)
	registerTasks(api, cfg.Engine)
	registerDiagnostics(api, cfg.Engine)
	registerFixes(api, cfg.Engine)
	registerSuggestions(api, cfg.Engine)
	registerOrchestrator(api, cfg.Orchestrator)

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
	var nf engine.NotFoundError
	if errors.As(err, &nf) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "required") || strings.Contains(lowered, "invalid"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// parseOptionalBool turns an optional true/false query value into a
// tri-state filter.
func parseOptionalBool(field, value string) (*bool, huma.StatusError) {
	if value == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return nil, newAPIError(http.StatusBadRequest, "bad_request", field+" must be true or false", map[string]any{"field": field, "value": value})
	}
	return &parsed, nil
}

func registerBanner(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "banner",
		Method:      http.MethodGet,
		Path:        "/",
		Summary:     "Liveness banner",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body BannerResponse `json:"body"`
	}, error) {
		return &struct {
			Body BannerResponse `json:"body"`
		}{Body: BannerResponse{
			Status:    "online",
			Message:   "opsledger private assistant record API",
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Aggregate status counts",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.StatusReport `json:"body"`
	}, error) {
		return &struct {
			Body engine.StatusReport `json:"body"`
		}{Body: e.Status(ctx)}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/task",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		opts := engine.TaskCreateOptions{
			ID:          stringOrEmpty(input.Body.ID),
			Title:       input.Body.Title,
			Description: input.Body.Description,
			State:       stringOrEmpty(input.Body.State),
			OwningAgent: input.Body.OwningAgent,
			Priority:    stringOrEmpty(input.Body.Priority),
			CreatedAt:   stringOrEmpty(input.Body.CreatedAt),
			Result:      input.Body.Result,
			Context:     input.Body.Context,
		}
		t, err := e.CreateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		State    string `query:"state"`
		Agent    string `query:"agent"`
		Priority string `query:"priority"`
		Limit    int    `query:"limit" default:"100" minimum:"1" maximum:"1000"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		tasks := e.ListTasks(ctx, engine.TaskFilters{
			State:    input.State,
			Agent:    input.Agent,
			Priority: input.Priority,
			Limit:    input.Limit,
		})
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: tasks}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/task/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := e.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/task/{id}",
		Summary:     "Partially update task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body map[string]any `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if len(input.Body) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		t, err := e.UpdateTask(ctx, input.ID, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})
}

func registerDiagnostics(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-diagnostic",
		Method:        http.MethodPost,
		Path:          "/diagnostic",
		Summary:       "Create diagnostic",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateDiagnosticRequest `json:"body"`
	}) (*struct {
		Body domain.Diagnostic `json:"body"`
	}, error) {
		d, err := e.CreateDiagnostic(ctx, engine.DiagnosticCreateOptions{
			ID:          stringOrEmpty(input.Body.ID),
			Kind:        input.Body.Kind,
			Description: input.Body.Description,
			Severity:    stringOrEmpty(input.Body.Severity),
			Timestamp:   stringOrEmpty(input.Body.Timestamp),
			Details:     input.Body.Details,
			Suggestions: input.Body.Suggestions,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Diagnostic `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-diagnostics",
		Method:      http.MethodGet,
		Path:        "/diagnostics",
		Summary:     "List diagnostics",
		Errors:      []int{http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Kind     string `query:"kind"`
		Severity string `query:"severity"`
		Limit    int    `query:"limit" default:"100" minimum:"1" maximum:"1000"`
	}) (*struct {
		Body []domain.Diagnostic `json:"body"`
	}, error) {
		diags := e.ListDiagnostics(ctx, engine.DiagnosticFilters{
			Kind:     input.Kind,
			Severity: input.Severity,
			Limit:    input.Limit,
		})
		return &struct {
			Body []domain.Diagnostic `json:"body"`
		}{Body: diags}, nil
	})
}

func registerFixes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-fix",
		Method:        http.MethodPost,
		Path:          "/fix",
		Summary:       "Create fix",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateFixRequest `json:"body"`
	}) (*struct {
		Body domain.Fix `json:"body"`
	}, error) {
		fx, err := e.CreateFix(ctx, engine.FixCreateOptions{
			ID:           stringOrEmpty(input.Body.ID),
			DiagnosticID: input.Body.DiagnosticID,
			Description:  input.Body.Description,
			Code:         input.Body.Code,
			Applied:      input.Body.Applied,
			Timestamp:    stringOrEmpty(input.Body.Timestamp),
			Result:       input.Body.Result,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Fix `json:"body"`
		}{Body: fx}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-fixes",
		Method:      http.MethodGet,
		Path:        "/fixes",
		Summary:     "List fixes",
		Errors:      []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Applied      string `query:"applied"`
		DiagnosticID string `query:"diagnostic_id"`
		Limit        int    `query:"limit" default:"100" minimum:"1" maximum:"1000"`
	}) (*struct {
		Body []domain.Fix `json:"body"`
	}, error) {
		applied, herr := parseOptionalBool("applied", input.Applied)
		if herr != nil {
			return nil, herr
		}
		fixes := e.ListFixes(ctx, engine.FixFilters{
			Applied:      applied,
			DiagnosticID: input.DiagnosticID,
			Limit:        input.Limit,
		})
		return &struct {
			Body []domain.Fix `json:"body"`
		}{Body: fixes}, nil
	})
}

func registerSuggestions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-suggestion",
		Method:        http.MethodPost,
		Path:          "/suggestion",
		Summary:       "Create suggestion",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateSuggestionRequest `json:"body"`
	}) (*struct {
		Body domain.Suggestion `json:"body"`
	}, error) {
		sg, err := e.CreateSuggestion(ctx, engine.SuggestionCreateOptions{
			ID:          stringOrEmpty(input.Body.ID),
			Kind:        input.Body.Kind,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Priority:    stringOrEmpty(input.Body.Priority),
			Implemented: input.Body.Implemented,
			Timestamp:   stringOrEmpty(input.Body.Timestamp),
			Details:     input.Body.Details,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Suggestion `json:"body"`
		}{Body: sg}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-suggestions",
		Method:      http.MethodGet,
		Path:        "/suggestions",
		Summary:     "List suggestions",
		Errors:      []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Kind        string `query:"kind"`
		Priority    string `query:"priority"`
		Implemented string `query:"implemented"`
		Limit       int    `query:"limit" default:"100" minimum:"1" maximum:"1000"`
	}) (*struct {
		Body []domain.Suggestion `json:"body"`
	}, error) {
		implemented, herr := parseOptionalBool("implemented", input.Implemented)
		if herr != nil {
			return nil, herr
		}
		suggestions := e.ListSuggestions(ctx, engine.SuggestionFilters{
			Kind:        input.Kind,
			Priority:    input.Priority,
			Implemented: implemented,
			Limit:       input.Limit,
		})
		return &struct {
			Body []domain.Suggestion `json:"body"`
		}{Body: suggestions}, nil
	})
}

// registerOrchestrator exposes the bridge to the external
// orchestrator. Upstream failures come back as a 200 with an error
// payload instead of an HTTP error: clients of this service always
// expect a JSON body.
func registerOrchestrator(api huma.API, client *orchestrator.Client) {
	huma.Register(api, huma.Operation{
		OperationID: "orchestrator-cycles",
		Method:      http.MethodGet,
		Path:        "/orchestrator/cycles",
		Summary:     "Orchestrator cycle status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		body, err := client.Cycles(ctx)
		if err != nil {
			body = orchestratorErrorBody("error connecting to orchestrator", err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: body}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "orchestrator-execute-cycle",
		Method:      http.MethodPost,
		Path:        "/orchestrator/execute-cycle",
		Summary:     "Run one orchestrator cycle",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		body, err := client.ExecuteCycle(ctx)
		if err != nil {
			body = orchestratorErrorBody("error executing orchestrator cycle", err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: body}, nil
	})
}

func orchestratorErrorBody(msg string, err error) map[string]any {
	var ue *orchestrator.UpstreamError
	if errors.As(err, &ue) {
		return map[string]any{"error": msg, "status_code": ue.StatusCode}
	}
	return map[string]any{"error": msg + ": " + err.Error()}
}
