package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"cloudnetproc/internal/catalog"
	"cloudnetproc/internal/dispatch"
	"cloudnetproc/internal/domain"
	"cloudnetproc/internal/metrics"
	"cloudnetproc/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Repo      repo.Repo
	Catalog   *catalog.Catalog
	Publisher dispatch.Publisher
	Metrics   *metrics.Metrics
	BasePath  string
	Version   string
	Auth      AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"bad_request"`
	Message string         `json:"message" example:"unknown product \"radr\""`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope of every non-2xx response.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the queue API and the metrics endpoint.
func New(cfg Config) (http.Handler, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("server: catalog required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Handle("/metrics", cfg.Metrics.Handler())

	hcfg := huma.DefaultConfig("Cloudnet processing API", version)
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerPublish(group, cfg)
	registerQueue(group, cfg.Repo)
	registerEvents(group, cfg.Repo)
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if domain.IsConfigError(err) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

func registerPublish(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "publish-task",
		Method:        http.MethodPost,
		Path:          "/queue/publish",
		Summary:       "Publish a processing task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body PublishRequest `json:"body"`
	}) (*struct {
		Body QueueTaskResponse `json:"body"`
	}, error) {
		subject, authErr := subjectFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req := input.Body
		fp, err := req.fingerprint()
		if err != nil {
			return nil, handleError(err)
		}
		desc, err := cfg.Catalog.Lookup(fp.Product)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "unknown_product", err.Error(), map[string]any{"product": fp.Product})
		}
		if desc.Kind == catalog.KindEvaluation && fp.ModelID == "" {
			fp.ModelID = desc.Model
		}
		qt := domain.QueueTask{
			Queue:       req.Queue,
			Kind:        domain.Mode(req.Kind),
			Fingerprint: fp,
			Options:     req.Options,
			Derived:     req.Derived,
			Priority:    req.Priority,
		}
		if req.ScheduledAt != nil {
			qt.ScheduledAt = *req.ScheduledAt
		}
		pub := cfg.Publisher
		pub.Events.ActorID = subject
		out, err := pub.Publish(ctx, qt)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QueueTaskResponse `json:"body"`
		}{Body: toQueueTaskResponse(out)}, nil
	})
}

func registerQueue(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-queue",
		Method:      http.MethodGet,
		Path:        "/queue",
		Summary:     "List queue entries",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Queue  string `query:"queue"`
		Status string `query:"status" enum:"pending,running,done,failed"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedQueueTasks `json:"body"`
	}, error) {
		items, err := r.ListQueueTasks(ctx, repo.QueueFilter{
			Queue:  input.Queue,
			Status: domain.QueueStatus(input.Status),
			Limit:  normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedQueueTasks{Items: []QueueTaskResponse{}}
		for _, it := range items {
			resp.Items = append(resp.Items, toQueueTaskResponse(it))
		}
		return &struct {
			Body paginatedQueueTasks `json:"body"`
		}{Body: resp}, nil
	})
}

func registerEvents(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type    string `query:"type"`
		Site    string `query:"site"`
		Product string `query:"product"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := r.LatestEvents(ctx, repo.EventFilter{
			Type:    input.Type,
			Site:    input.Site,
			Product: input.Product,
			Cursor:  cursorID,
			Limit:   limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, toEventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
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

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
