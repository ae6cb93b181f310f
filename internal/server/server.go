package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"lawtrack/internal/engine"
	"lawtrack/internal/engine/auth"
	"lawtrack/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"checkpoint principal not open; approval status pending_admin"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"checkpoint\":\"principal\"}"`
}

type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type handlers struct {
	e   engine.Engine
	log *slog.Logger
}

// New returns an HTTP handler exposing the lawtrack API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema/request validation errors are 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, err := range errs {
				msgs = append(msgs, err.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(logger))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine))
	hcfg := huma.DefaultConfig("lawtrack API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{e: cfg.Engine, log: logger}
	registerDocs(router, basePath)
	registerHealth(group)
	h.registerTasks(group)
	h.registerStages(group)
	h.registerEvents(group)
	h.registerMe(group)
	h.registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		var details map[string]any
		if ve.Field != "" {
			details = map[string]any{"field": ve.Field}
		}
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), details)
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		details := map[string]any{}
		if fe.Checkpoint != "" {
			details["checkpoint"] = fe.Checkpoint
		}
		if fe.Policy != "" {
			details["policy"] = fe.Policy
		}
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), details)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
}

// fail maps err and logs anything that surfaces as a 500.
func (h handlers) fail(ctx context.Context, err error) huma.StatusError {
	se := handleError(err)
	if se.GetStatus() >= http.StatusInternalServerError {
		h.log.Error("request failed", "err", err, "request_id", middleware.GetReqID(ctx))
	}
	return se
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
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
	public := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
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
    <title>lawtrack API Docs</title>
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

type taskOutput struct {
	Body TaskResponse `json:"body"`
}

type stageOutput struct {
	Body StageResponse `json:"body"`
}

func (h handlers) registerTasks(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		Tags:          []string{"tasks"},
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*taskOutput, error) {
		user, authErr := actingUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		t, err := h.e.CreateTask(ctx, engine.CreateTaskInput{
			Title:               input.Body.Title,
			Description:         input.Body.Description,
			ClientID:            input.Body.ClientID,
			DepartmentID:        input.Body.DepartmentID,
			PrincipalReviewerID: input.Body.PrincipalReviewerID,
			AssigneeID:          input.Body.AssigneeID,
			Priority:            input.Body.Priority,
			DueDate:             input.Body.DueDate,
			InitialStageID:      input.Body.InitialStageID,
		}, user)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return &taskOutput{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Tags:        []string{"tasks"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		StageID    string `query:"stage_id"`
		AssigneeID string `query:"assignee_id"`
		Status     string `query:"status" doc:"open, in_progress or completed"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		if _, authErr := actingUser(ctx); authErr != nil {
			return nil, authErr
		}
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		limit := normalizeLimit(input.Limit)
		items, err := h.e.ListTasks(ctx, repo.TaskFilters{
			StageID:         input.StageID,
			AssigneeID:      input.AssigneeID,
			LifecycleStatus: input.Status,
			Limit:           limit + 1,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		resp := paginatedTasks{}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			items = items[:limit]
		}
		resp.Items = mapTasks(items)
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task by id or code",
		Tags:        []string{"tasks"},
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*taskOutput, error) {
		if _, authErr := actingUser(ctx); authErr != nil {
			return nil, authErr
		}
		t, err := h.e.GetTask(ctx, input.ID)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return &taskOutput{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-checkpoint",
		Method:      http.MethodPut,
		Path:        "/tasks/{id}/approve/{checkpoint}",
		Summary:     "Approve an approval checkpoint",
		Description: "Checkpoints are approved in order admin, principal, assignee. Re-approving a settled checkpoint returns the task unchanged.",
		Tags:        []string{"approvals"},
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID         string `path:"id"`
		Checkpoint string `path:"checkpoint"`
	}) (*taskOutput, error) {
		user, authErr := actingUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := h.e.ApproveCheckpoint(ctx, input.ID, input.Checkpoint, user)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return &taskOutput{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-task-status",
		Method:      http.MethodPut,
		Path:        "/tasks/{id}/status",
		Summary:     "Set lifecycle status",
		Tags:        []string{"tasks"},
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body SetStatusRequest `json:"body"`
	}) (*taskOutput, error) {
		user, authErr := actingUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := h.e.SetLifecycleStatus(ctx, input.ID, input.Body.Status, input.Body.Force, user)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return &taskOutput{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/advance",
		Summary:     "Move task to the next stage",
		Tags:        []string{"stages"},
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*taskOutput, error) {
		user, authErr := actingUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := h.e.MoveToNextStage(ctx, input.ID, user)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return &taskOutput{Body: taskResponse(t)}, nil
	})
}

func (h handlers) registerStages(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-stages",
		Method:      http.MethodGet,
		Path:        "/stages",
		Summary:     "List stages in pipeline order",
		Tags:        []string{"stages"},
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []StageResponse `json:"body"`
	}, error) {
		if _, authErr := actingUser(ctx); authErr != nil {
			return nil, authErr
		}
		stages, err := h.e.ListStages(ctx)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return &struct {
			Body []StageResponse `json:"body"`
		}{Body: mapStages(stages)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-stage",
		Method:        http.MethodPost,
		Path:          "/stages",
		Summary:       "Create stage",
		Tags:          []string{"stages"},
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body StageRequest `json:"body"`
	}) (*stageOutput, error) {
		user, authErr := actingUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := h.e.CreateStage(ctx, stageInput(input.Body), user)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return &stageOutput{Body: stageResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-stage",
		Method:      http.MethodGet,
		Path:        "/stages/{id}",
		Summary:     "Get stage",
		Tags:        []string{"stages"},
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*stageOutput, error) {
		if _, authErr := actingUser(ctx); authErr != nil {
			return nil, authErr
		}
		s, err := h.e.GetStage(ctx, input.ID)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return &stageOutput{Body: stageResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-stage",
		Method:      http.MethodPut,
		Path:        "/stages/{id}",
		Summary:     "Update stage",
		Tags:        []string{"stages"},
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body StageRequest `json:"body"`
	}) (*stageOutput, error) {
		user, authErr := actingUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := h.e.UpdateStage(ctx, input.ID, stageInput(input.Body), user)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return &stageOutput{Body: stageResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-stage",
		Method:        http.MethodDelete,
		Path:          "/stages/{id}",
		Summary:       "Delete stage",
		Description:   "Fails with 409 while any task is at the stage.",
		Tags:          []string{"stages"},
		DefaultStatus: http.StatusNoContent,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		user, authErr := actingUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := h.e.DeleteStage(ctx, input.ID, user); err != nil {
			return nil, h.fail(ctx, err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reassign-stage",
		Method:      http.MethodPut,
		Path:        "/stages/task/{taskId}/stage/{stageId}",
		Summary:     "Place a task at a stage",
		Description: "Initial assignment when the task has no stage, administrative override otherwise.",
		Tags:        []string{"stages"},
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		TaskID  string `path:"taskId"`
		StageID string `path:"stageId"`
	}) (*taskOutput, error) {
		user, authErr := actingUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := h.e.ReassignStage(ctx, input.TaskID, input.StageID, user)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return &taskOutput{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-from-stage",
		Method:      http.MethodPost,
		Path:        "/stages/{stageId}/tasks/{taskId}/approve",
		Summary:     "Advance a task out of the given stage",
		Tags:        []string{"stages"},
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		StageID string `path:"stageId"`
		TaskID  string `path:"taskId"`
	}) (*taskOutput, error) {
		user, authErr := actingUser(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := h.e.AdvanceFromStage(ctx, input.StageID, input.TaskID, user)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		return &taskOutput{Body: taskResponse(t)}, nil
	})
}

func stageInput(req StageRequest) engine.StageInput {
	return engine.StageInput{
		Name:           req.Name,
		Order:          req.Order,
		ApprovalPolicy: req.ApprovalPolicy,
		Color:          req.Color,
		Requirements:   req.Requirements,
		Description:    req.Description,
	}
}

func (h handlers) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Tags:        []string{"events"},
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" doc:"task, stage or user"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, authErr := actingUser(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := h.e.ListEvents(ctx, limit+1, cursorID, repo.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
		})
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func (h handlers) registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current user",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			UserID: principal.User.ID,
			Name:   principal.User.Name,
			Role:   principal.User.Role,
			Source: principal.Source,
		}}, nil
	})
}

func (h handlers) registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for a directory user",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		userID := strings.TrimSpace(input.Body.UserID)
		if userID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		user, err := h.e.GetUser(ctx, userID)
		if err != nil {
			return nil, h.fail(ctx, err)
		}
		now := time.Now().UTC()
		token, err := signDevToken(authCfg.JWTSecret, user, now)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token, ExpiresAt: now.Add(devTokenTTL).Format(time.RFC3339)}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
