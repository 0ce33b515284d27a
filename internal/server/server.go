package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"caseflow/internal/analysis"
	"caseflow/internal/domain"
	"caseflow/internal/engine"
	"caseflow/internal/logging"
	"caseflow/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"action Approve is not allowed from Registered"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"from\":\"Registered\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type output[T any] struct {
	Body T `json:"body"`
}

func respond[T any](v T) *output[T] {
	return &output[T]{Body: v}
}

// New returns an HTTP handler exposing the caseflow API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Engine.Logger
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
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	if cfg.Engine.Logger != nil {
		router.Use(logging.Middleware(cfg.Engine.Logger))
	}
	router.Use(cfg.Engine.Metrics.Middleware)
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Caseflow API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	if cfg.Engine.Metrics != nil {
		router.Handle("/metrics", cfg.Engine.Metrics.Handler())
	}
	registerDocs(router, basePath)
	registerHealth(group)
	registerCases(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerStages(group, cfg.Engine)
	registerHistory(group, cfg.Engine)
	registerInteractions(group, cfg.Engine)
	registerUsers(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

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

// handleError maps engine error kinds onto the HTTP envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var details map[string]any
	var ee *engine.Error
	if errors.As(err, &ee) {
		details = ee.Details
	}
	msg := err.Error()
	switch kind := engine.KindOf(err); kind {
	case engine.KindPermissionDenied:
		return newAPIError(http.StatusForbidden, string(kind), msg, details)
	case engine.KindInvalidTransition, engine.KindStaleTransition:
		return newAPIError(http.StatusConflict, string(kind), msg, details)
	case engine.KindValidation, engine.KindInteractionAdjacency:
		return newAPIError(http.StatusUnprocessableEntity, string(kind), msg, details)
	case engine.KindNotFound:
		return newAPIError(http.StatusNotFound, string(kind), msg, details)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
	case http.StatusForbidden:
		return "permission_denied"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// reader resolves the caller for read-only routes: any active user may read.
func reader(ctx context.Context, e engine.Engine) error {
	actor, authErr := actorFromContext(ctx)
	if authErr != nil {
		return authErr
	}
	_, err := e.ResolveActor(ctx, actor)
	return err
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
    <title>Caseflow API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key. Pick a role with X-Acting-Role.
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
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		return respond(map[string]string{"status": "ok"}), nil
	})
}

type caseIDPath struct {
	CaseID string `path:"case_id"`
}

func registerCases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-case",
		Method:        http.MethodPost,
		Path:          "/cases",
		Summary:       "Register a case",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateCaseRequest `json:"body"`
	}) (*output[domain.Case], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		registration, err := rawJSON(input.Body.Registration)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid registration", map[string]any{"error": err.Error()})
		}
		c, err := e.CreateCase(ctx, engine.CaseInput{
			ID:           input.Body.CaseID,
			LAN:          input.Body.LAN,
			CaseType:     input.Body.CaseType,
			Product:      input.Body.Product,
			Region:       input.Body.Region,
			ReferredBy:   input.Body.ReferredBy,
			Description:  input.Body.Description,
			CaseDate:     input.Body.CaseDate,
			Status:       input.Body.Status,
			Customer:     input.Body.Customer,
			Registration: registration,
			Actor:        actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cases",
		Method:      http.MethodGet,
		Path:        "/cases",
		Summary:     "List cases, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status"`
		Region    string `query:"region"`
		Product   string `query:"product"`
		CreatedBy string `query:"created_by"`
		Q         string `query:"q"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*output[paginatedCases], error) {
		if err := reader(ctx, e); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.ListCases(ctx, repo.CaseFilter{
			Status:    input.Status,
			Region:    input.Region,
			Product:   input.Product,
			CreatedBy: input.CreatedBy,
			Query:     input.Q,
			Limit:     limit + 1,
			Cursor:    input.Cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedCases{}
		if len(items) > limit {
			items = items[:limit]
			last := items[limit-1]
			resp.NextCursor = repo.ComposeCursor(last.CreatedAt, last.ID)
		}
		resp.Items = nonNilSlice(items)
		return respond(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-case",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}",
		Summary:     "Get case",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *caseIDPath) (*output[domain.Case], error) {
		if err := reader(ctx, e); err != nil {
			return nil, handleError(err)
		}
		c, err := e.GetCase(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "case-stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Case counts by status, region and product",
	}, func(ctx context.Context, _ *struct{}) (*output[domain.CaseStats], error) {
		if err := reader(ctx, e); err != nil {
			return nil, handleError(err)
		}
		stats, err := e.Stats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(stats), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "case-complexity",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/complexity",
		Summary:     "Score how complex a case is",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *caseIDPath) (*output[analysis.Result], error) {
		if err := reader(ctx, e); err != nil {
			return nil, handleError(err)
		}
		res, err := e.AnalyzeComplexity(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(res), nil
	})
}

func registerTransitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "transition-case",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/transitions",
		Summary:     "Apply a workflow action",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		CaseID string                `path:"case_id"`
		Body   TransitionRequestBody `json:"body"`
	}) (*output[engine.TransitionResult], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		payload, err := rawJSON(input.Body.Payload)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid payload", map[string]any{"error": err.Error()})
		}
		res, err := e.Transition(ctx, engine.TransitionRequest{
			CaseID:         input.CaseID,
			Action:         input.Body.Action,
			Actor:          actor,
			Comment:        input.Body.Comment,
			Payload:        payload,
			ExpectedStatus: input.Body.ExpectedStatus,
			TargetStage:    input.Body.TargetStage,
			RequestType:    input.Body.RequestType,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "available-actions",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/actions",
		Summary:     "Actions the caller may take on the case now",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *caseIDPath) (*output[[]engine.ActionOption], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts, err := e.AvailableActions(ctx, input.CaseID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(opts)), nil
	})
}

type stagePath struct {
	CaseID string `path:"case_id"`
	Stage  string `path:"stage"`
}

func registerStages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-stage-data",
		Method:        http.MethodPost,
		Path:          "/cases/{case_id}/stages/{stage}/data",
		Summary:       "Record a stage snapshot without moving the case",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		CaseID string           `path:"case_id"`
		Stage  string           `path:"stage"`
		Body   StageDataRequest `json:"body"`
	}) (*output[domain.StageSnapshot], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		data, err := rawJSON(input.Body.Data)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid data", map[string]any{"error": err.Error()})
		}
		snap, err := e.RecordStageData(ctx, input.CaseID, input.Stage, data, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(snap), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stage-history",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/stages/{stage}/history",
		Summary:     "Every snapshot recorded for a stage, oldest first",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *stagePath) (*output[[]domain.StageSnapshot], error) {
		if err := reader(ctx, e); err != nil {
			return nil, handleError(err)
		}
		items, err := e.StageHistory(ctx, input.CaseID, input.Stage)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "previous-stage-data",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/stages/{stage}/previous",
		Summary:     "Latest snapshots of the stages before a stage",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *stagePath) (*output[map[string]domain.StageSnapshot], error) {
		if err := reader(ctx, e); err != nil {
			return nil, handleError(err)
		}
		items, err := e.PreviousStageData(ctx, input.CaseID, input.Stage)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "case-flow",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/flow",
		Summary:     "Case with its comments, audit trail, documents and latest stage data",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *caseIDPath) (*output[domain.FlowData], error) {
		if err := reader(ctx, e); err != nil {
			return nil, handleError(err)
		}
		flow, err := e.GetFlowData(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(flow), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "case-progression",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/progression",
		Summary:     "Completed, current and pending stages",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *caseIDPath) (*output[domain.Progression], error) {
		if err := reader(ctx, e); err != nil {
			return nil, handleError(err)
		}
		p, err := e.GetWorkflowProgression(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(p), nil
	})
}

func registerHistory(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-comment",
		Method:        http.MethodPost,
		Path:          "/cases/{case_id}/comments",
		Summary:       "Add a comment",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		CaseID string         `path:"case_id"`
		Body   CommentRequest `json:"body"`
	}) (*output[domain.Comment], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.AddComment(ctx, input.CaseID, input.Body.Body, input.Body.Type, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "attach-document",
		Method:        http.MethodPost,
		Path:          "/cases/{case_id}/documents",
		Summary:       "Record an uploaded document",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		CaseID string          `path:"case_id"`
		Body   DocumentRequest `json:"body"`
	}) (*output[domain.Document], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		doc, err := e.AttachDocument(ctx, input.CaseID, engine.DocumentInput{
			Filename:    input.Body.Filename,
			Path:        input.Body.Path,
			ContentType: input.Body.ContentType,
			Size:        input.Body.Size,
			Actor:       actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(doc), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-documents",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/documents",
		Summary:     "Documents in upload order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *caseIDPath) (*output[[]domain.Document], error) {
		if err := reader(ctx, e); err != nil {
			return nil, handleError(err)
		}
		docs, err := e.ListDocuments(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(docs)), nil
	})
}

func registerInteractions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-interaction",
		Method:        http.MethodPost,
		Path:          "/cases/{case_id}/interactions",
		Summary:       "Ask an adjacent stage for information",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		CaseID string                   `path:"case_id"`
		Body   InteractionCreateRequest `json:"body"`
	}) (*output[domain.InteractionRequest], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ir, err := e.CreateInteractionRequest(ctx, engine.InteractionInput{
			CaseID:      input.CaseID,
			FromStage:   input.Body.FromStage,
			ToStage:     input.Body.ToStage,
			RequestType: input.Body.RequestType,
			Message:     input.Body.Message,
			Actor:       actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(ir), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-interactions",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/interactions",
		Summary:     "Interaction requests of a case",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *caseIDPath) (*output[[]domain.InteractionRequest], error) {
		if err := reader(ctx, e); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListInteractions(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "respond-interaction",
		Method:      http.MethodPost,
		Path:        "/interactions/{id}/respond",
		Summary:     "Answer a pending interaction request",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   int64                     `path:"id"`
		Body InteractionRespondRequest `json:"body"`
	}) (*output[domain.InteractionRequest], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ir, err := e.RespondToInteraction(ctx, input.ID, input.Body.Response, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(ir), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-interaction",
		Method:      http.MethodPost,
		Path:        "/interactions/{id}/review",
		Summary:     "Close a pending interaction request without a response",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*output[domain.InteractionRequest], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ir, err := e.MarkInteractionReviewed(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(ir), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pending-interactions",
		Method:      http.MethodGet,
		Path:        "/stages/{stage}/interactions",
		Summary:     "Pending interaction requests addressed to a stage",
		Errors:      []int{http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Stage string `path:"stage"`
	}) (*output[[]domain.InteractionRequest], error) {
		if err := reader(ctx, e); err != nil {
			return nil, handleError(err)
		}
		items, err := e.PendingInteractions(ctx, input.Stage)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "upsert-user",
		Method:      http.MethodPost,
		Path:        "/users",
		Summary:     "Create or update a user",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body UserRequest `json:"body"`
	}) (*output[domain.User], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.UpsertUser(ctx, input.Body.user(), actor)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(u), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Role       string `query:"role"`
		ActiveOnly bool   `query:"active_only"`
	}) (*output[[]domain.User], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.RequireSuperuser(ctx, actor, "list users"); err != nil {
			return nil, handleError(err)
		}
		users, err := e.ListUsers(ctx, input.Role, input.ActiveOnly)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(users), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		CaseID string `query:"case_id"`
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*output[paginatedEvents], error) {
		if err := reader(ctx, e); err != nil {
			return nil, handleError(err)
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
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.CaseID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return respond(resp), nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal and what its role may do",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, _ *struct{}) (*output[MeResponse], error) {
		principal, _ := principalFromContext(ctx)
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		resolved, err := e.ResolveActor(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		resp := MeResponse{Username: resolved.Username, Role: resolved.Role, Source: principal.Source}
		if u, err := e.Repo.GetUser(ctx, nil, resolved.Username); err == nil {
			resp.Name = u.Name
		}
		role := e.Config.Roles[resolved.Role]
		resp.Superuser = role.Superuser
		resp.Actions = nonNilSlice(role.Actions)
		resp.Stages = nonNilSlice(role.Stages)
		return respond(resp), nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*output[DevLoginResponse], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		username := strings.TrimSpace(input.Body.Username)
		if username == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "username is required", nil)
		}
		ttl := time.Duration(input.Body.TTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = time.Hour
		}
		token, err := signDevToken(authCfg.JWTSecret, username, strings.TrimSpace(input.Body.Role), ttl)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return respond(DevLoginResponse{Token: token}), nil
	})
}

func signDevToken(secret, username, role string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
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
