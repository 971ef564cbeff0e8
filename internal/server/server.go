// Package server exposes the lifecycle engine over HTTP: entity CRUD and
// transitions, summaries, the audit log, and RBAC assignments, with a
// bearer-JWT/API-key auth middleware, per-actor rate limiting, and
// prometheus request metrics.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"thorbis/internal/domain"
	"thorbis/internal/lifecycle"
	"thorbis/internal/metrics"
	"thorbis/internal/ratelimit"
	"thorbis/internal/repo"
	"thorbis/internal/service"
)

// Config for the HTTP API handler.
type Config struct {
	Service  service.Service
	BasePath string
	Auth     AuthConfig
	Limiter  ratelimit.Store
	Metrics  *metrics.Metrics
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid workorder status transition completed -> created"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"from\":\"completed\",\"to\":\"created\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}
type metricsKey struct{}

// apiError is the single error envelope every failure mode maps into.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Thorbis API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are the caller's problem.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	if cfg.Metrics != nil {
		router.Use(newMetricsMiddleware(cfg.Metrics))
	}
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyData, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyData))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyData)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Service.Repo))
	if cfg.Limiter != nil {
		router.Use(newRateLimitMiddleware(basePath, cfg.Limiter, cfg.Metrics))
	}

	hcfg := huma.DefaultConfig("Thorbis Lifecycle API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics.Handler())
	}
	registerHealth(group)
	registerEntities(group, cfg.Service)
	registerSummary(group, cfg.Service)
	registerEvents(group, cfg.Service)
	registerRBAC(group, cfg.Service)
	registerMe(group, cfg.Service)
	if cfg.Auth.EnableDevLogin {
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

// handleError maps engine and store failures onto the error envelope. The
// ordering mirrors the engine's own decision order, so the code a caller
// sees names the first check that failed. Lifecycle rejections are counted
// per code.
func handleError(ctx context.Context, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var unknownType lifecycle.UnknownTypeError
	if errors.As(err, &unknownType) {
		observeRejection(ctx, "bad_request")
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"type": unknownType.Type})
	}
	var unknownStatus lifecycle.UnknownStatusError
	if errors.As(err, &unknownStatus) {
		observeRejection(ctx, "unknown_status")
		return newAPIError(http.StatusBadRequest, "unknown_status", err.Error(), map[string]any{"status": unknownStatus.Status})
	}
	var invalid lifecycle.InvalidTransitionError
	if errors.As(err, &invalid) {
		observeRejection(ctx, "invalid_transition")
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), map[string]any{"from": invalid.From, "to": invalid.To})
	}
	var terminal lifecycle.TerminalStateError
	if errors.As(err, &terminal) {
		observeRejection(ctx, "terminal_state_immutable")
		return newAPIError(http.StatusUnprocessableEntity, "terminal_state_immutable", err.Error(), map[string]any{"status": terminal.Status})
	}
	var denied lifecycle.PermissionError
	if errors.As(err, &denied) {
		observeRejection(ctx, "permission_denied")
		return newAPIError(http.StatusForbidden, "permission_denied", err.Error(), map[string]any{"permission": denied.Permission})
	}
	var ownership lifecycle.OwnershipError
	if errors.As(err, &ownership) {
		observeRejection(ctx, "ownership_required")
		return newAPIError(http.StatusForbidden, "ownership_required", err.Error(), map[string]any{"entity_id": ownership.EntityID})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrVersionConflict) {
		return newAPIError(http.StatusConflict, "conflict", "version conflict: retry with fresh data", nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "required") || strings.Contains(lowered, "invalid") || strings.Contains(lowered, "not defined") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	requestID := uuid.New().String()
	log.Printf("internal error request_id=%s: %v", requestID, err)
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"request_id": requestID})
}

func observeRejection(ctx context.Context, code string) {
	if m, ok := ctx.Value(metricsKey{}).(*metrics.Metrics); ok && m != nil {
		m.RejectionsTotal.WithLabelValues(code).Inc()
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "permission_denied"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// resolveActor expands the request principal into a permission-bearing actor
// for the tenant.
func resolveActor(ctx context.Context, svc service.Service, tenantID string) (domain.Actor, huma.StatusError) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return domain.Actor{}, authErr
	}
	actor, err := svc.Authz.ResolveActor(ctx, tenantID, principal)
	if err != nil {
		return domain.Actor{}, handleError(ctx, err)
	}
	return actor, nil
}

func requireReadPermission(ctx context.Context, svc service.Service, actor domain.Actor, entityType string) huma.StatusError {
	perm, err := svc.Engine.ReadPermission(entityType)
	if err != nil {
		return handleError(ctx, err)
	}
	if !actor.HasPermission(perm) {
		return handleError(ctx, lifecycle.PermissionError{Permission: perm})
	}
	return nil
}

func requirePermission(ctx context.Context, actor domain.Actor, perm string) huma.StatusError {
	if !actor.HasPermission(perm) {
		return handleError(ctx, lifecycle.PermissionError{Permission: perm})
	}
	return nil
}

// --- middleware ---

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func newMetricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			ctx := context.WithValue(r.Context(), metricsKey{}, m)
			next.ServeHTTP(rec, r.WithContext(ctx))
			m.RequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		})
	}
}

func newRateLimitMiddleware(basePath string, store ratelimit.Store, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := principalFromContext(r.Context())
			if !ok || !strings.HasPrefix(r.URL.Path, basePath) {
				next.ServeHTTP(w, r)
				return
			}
			resource := r.Method + " " + r.URL.Path
			allowed, err := store.Allow(r.Context(), principal.ActorID, resource)
			if err != nil {
				log.Printf("rate limit check failed, allowing request: %v", err)
				allowed = true
			}
			if !allowed {
				if m != nil {
					m.RateLimited.Inc()
				}
				respondStatusError(w, newAPIError(http.StatusTooManyRequests, "rate_limited", "rate limit exceeded, retry later", nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// --- endpoints ---

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

func registerEntities(api huma.API, svc service.Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-entity",
		Method:        http.MethodPost,
		Path:          "/tenants/{tenant_id}/entities",
		Summary:       "Create entity",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TenantID string              `path:"tenant_id"`
		Body     CreateEntityRequest `json:"body"`
	}) (*struct {
		Body EntityResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Type == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "type is required", nil)
		}
		actor, authErr := resolveActor(ctx, svc, input.TenantID)
		if authErr != nil {
			return nil, authErr
		}
		ent, err := svc.CreateEntity(ctx, input.TenantID, input.Body.Type, input.Body.Fields, input.Body.AssigneeID, actor)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body EntityResponse `json:"body"`
		}{Body: entityResponse(svc.Engine, ent)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-entities",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/entities",
		Summary:     "List entities",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		TenantID   string `path:"tenant_id"`
		Type       string `query:"type"`
		Status     string `query:"status"`
		AssigneeID string `query:"assignee_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEntities `json:"body"`
	}, error) {
		if input.Type == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "type query parameter is required", nil)
		}
		actor, authErr := resolveActor(ctx, svc, input.TenantID)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireReadPermission(ctx, svc, actor, input.Type); err != nil {
			return nil, err
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := svc.Repo.ListEntities(ctx, repo.EntityFilters{
			TenantID:        input.TenantID,
			Type:            input.Type,
			Status:          input.Status,
			AssigneeID:      input.AssigneeID,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(ctx, err)
		}
		resp := paginatedEntities{Items: []EntityResponse{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].CreatedAt, items[limit].ID)
			items = items[:limit]
		}
		resp.Items = mapEntities(svc.Engine, items)
		return &struct {
			Body paginatedEntities `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-entity",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/entities/{id}",
		Summary:     "Get entity",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		ID       string `path:"id"`
	}) (*struct {
		Body EntityResponse `json:"body"`
	}, error) {
		actor, authErr := resolveActor(ctx, svc, input.TenantID)
		if authErr != nil {
			return nil, authErr
		}
		ent, err := svc.Repo.GetEntity(ctx, input.TenantID, input.ID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		if err := requireReadPermission(ctx, svc, actor, ent.Type); err != nil {
			return nil, err
		}
		return &struct {
			Body EntityResponse `json:"body"`
		}{Body: entityResponse(svc.Engine, ent)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-entity",
		Method:      http.MethodPatch,
		Path:        "/tenants/{tenant_id}/entities/{id}",
		Summary:     "Update entity fields and/or status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TenantID string              `path:"tenant_id"`
		ID       string              `path:"id"`
		Body     UpdateEntityRequest `json:"body"`
	}) (*struct {
		Body EntityResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := resolveActor(ctx, svc, input.TenantID)
		if authErr != nil {
			return nil, authErr
		}
		mut := lifecycle.Mutation{
			Status: input.Body.Status,
			Fields: input.Body.Fields,
		}
		if _, ok := rawBodyMap(ctx)["assignee_id"]; ok {
			mut.AssigneeSet = true
			mut.AssigneeID = input.Body.AssigneeID
		}
		ent, err := svc.MutateEntity(ctx, input.TenantID, input.ID, mut, input.Body.ExpectedVersion, actor)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body EntityResponse `json:"body"`
		}{Body: entityResponse(svc.Engine, ent)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-entity",
		Method:      http.MethodPost,
		Path:        "/tenants/{tenant_id}/entities/{id}/transition",
		Summary:     "Transition entity status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TenantID string            `path:"tenant_id"`
		ID       string            `path:"id"`
		Body     TransitionRequest `json:"body"`
	}) (*struct {
		Body EntityResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Status == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "status is required", nil)
		}
		actor, authErr := resolveActor(ctx, svc, input.TenantID)
		if authErr != nil {
			return nil, authErr
		}
		ent, err := svc.Transition(ctx, input.TenantID, input.ID, input.Body.Status, input.Body.ExpectedVersion, actor)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body EntityResponse `json:"body"`
		}{Body: entityResponse(svc.Engine, ent)}, nil
	})
}

func registerSummary(api huma.API, svc service.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "entity-summary",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/entities/summary",
		Summary:     "Summarize entities of a type",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		Type     string `query:"type"`
		GroupBy  string `query:"group_by" example:"status,priority"`
	}) (*struct {
		Body SummaryResponse `json:"body"`
	}, error) {
		if input.Type == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "type query parameter is required", nil)
		}
		actor, authErr := resolveActor(ctx, svc, input.TenantID)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireReadPermission(ctx, svc, actor, input.Type); err != nil {
			return nil, err
		}
		var groupBy []string
		for _, g := range strings.Split(input.GroupBy, ",") {
			if g = strings.TrimSpace(g); g != "" {
				groupBy = append(groupBy, g)
			}
		}
		sum, err := svc.Summarize(ctx, input.TenantID, input.Type, groupBy...)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body SummaryResponse `json:"body"`
		}{Body: SummaryResponse{
			Type:               input.Type,
			Count:              sum.Count,
			TotalValue:         sum.TotalValue,
			Groups:             sum.Groups,
			AvgDurationSeconds: sum.AvgDurationSeconds,
			DurationSamples:    sum.DurationSamples,
		}}, nil
	})
}

func registerEvents(api huma.API, svc service.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		TenantID   string `path:"tenant_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		actor, authErr := resolveActor(ctx, svc, input.TenantID)
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, actor, "tenant:events:read"); err != nil {
			return nil, err
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
		items, err := svc.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.TenantID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit].ID)
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

func registerRBAC(api huma.API, svc service.Service) {
	huma.Register(api, huma.Operation{
		OperationID:   "grant-role",
		Method:        http.MethodPost,
		Path:          "/tenants/{tenant_id}/rbac/assignments",
		Summary:       "Grant role to actor",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TenantID string            `path:"tenant_id"`
		Body     RoleChangeRequest `json:"body"`
	}) (*struct{}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := resolveActor(ctx, svc, input.TenantID)
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, actor, "tenant:rbac:manage"); err != nil {
			return nil, err
		}
		if err := svc.GrantRole(ctx, input.TenantID, actor.ID, input.Body.ActorID, input.Body.Role); err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-role",
		Method:      http.MethodDelete,
		Path:        "/tenants/{tenant_id}/rbac/assignments/{actor_id}/{role}",
		Summary:     "Revoke role from actor",
		Errors: []int{
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		ActorID  string `path:"actor_id"`
		Role     string `path:"role"`
	}) (*struct{}, error) {
		actor, authErr := resolveActor(ctx, svc, input.TenantID)
		if authErr != nil {
			return nil, authErr
		}
		if err := requirePermission(ctx, actor, "tenant:rbac:manage"); err != nil {
			return nil, err
		}
		if err := svc.RevokeRole(ctx, input.TenantID, actor.ID, input.ActorID, input.Role); err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "actor-roles",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/rbac/actors/{actor_id}",
		Summary:     "Actor roles and permissions in tenant",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
		ActorID  string `path:"actor_id"`
	}) (*struct {
		Body ActorRolesResponse `json:"body"`
	}, error) {
		actor, authErr := resolveActor(ctx, svc, input.TenantID)
		if authErr != nil {
			return nil, authErr
		}
		if actor.ID != input.ActorID {
			if err := requirePermission(ctx, actor, "tenant:rbac:manage"); err != nil {
				return nil, err
			}
		}
		resolved, err := svc.Authz.ResolveActor(ctx, input.TenantID, authzPrincipal(input.ActorID))
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body ActorRolesResponse `json:"body"`
		}{Body: ActorRolesResponse{
			ActorID:     resolved.ID,
			Roles:       nonNilSlice(resolved.Roles),
			Permissions: nonNilSlice(resolved.Permissions),
		}}, nil
	})
}

func registerMe(api huma.API, svc service.Service) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/tenants/{tenant_id}/me",
		Summary:     "Current actor in tenant",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		TenantID string `path:"tenant_id"`
	}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		actor, err := svc.Authz.ResolveActor(ctx, input.TenantID, principal)
		if err != nil {
			return nil, handleError(ctx, err)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     actor.ID,
			Source:      principal.Source,
			Roles:       nonNilSlice(actor.Roles),
			Permissions: nonNilSlice(actor.Permissions),
		}}, nil
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
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID := strings.TrimSpace(input.Body.ActorID)
		if actorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actorID, input.Body.Roles, input.Body.Permissions)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

// --- docs / openapi ---

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
	openPaths := map[string]struct{}{
		path.Join(basePath, "health"):         {},
		path.Join(basePath, "auth/dev/login"): {},
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if _, ok := openPaths[route]; ok {
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
    <title>Thorbis API Docs</title>
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

// --- request helpers ---

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

func rawBodyMap(ctx context.Context) map[string]json.RawMessage {
	data := bodyBytes(ctx)
	if len(data) == 0 {
		return map[string]json.RawMessage{}
	}
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return map[string]json.RawMessage{}
	}
	return outer
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
