/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Structured request logging (zerolog)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for frontends

ROUTE GROUPS:
  /api/allocations/*    Allocation preview, execution and lifecycle
  /api/hierarchy/*      Hierarchy browsing and selector resolution
  /api/scenarios/*      Demo scenarios

TENANCY:
  Allocation and hierarchy routes require X-Tenant-ID. Scenario routes do
  not; each scenario seeds its own tenant.

SECURITY NOTE:
  No authentication middleware. X-User-ID is trusted as given.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/warp/allocation-engine/generic"
)

const (
	HeaderTenantID = "X-Tenant-ID"
	HeaderUserID   = "X-User-ID"

	anonymousActor generic.ActorID = "anonymous"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, corsOrigins []string) *chi.Mux {
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderTenantID, HeaderUserID},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: false,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(requireTenant)

			// Allocation routes
			r.Route("/allocations", func(r chi.Router) {
				r.Post("/preview", h.PreviewAllocation)
				r.Post("/", h.ExecuteAllocation)
				r.Get("/", h.ListAllocations)
				r.Get("/{id}", h.GetAllocation)
				r.Get("/{id}/history", h.GetAllocationHistory)
				r.Post("/{id}/recalculate", h.RecalculateAllocation)
				r.Put("/{id}/actuals", h.UpdateActuals)
				r.Post("/{id}/archive", h.ArchiveAllocation)
			})

			// Hierarchy routes
			r.Route("/hierarchy/{type}", func(r chi.Router) {
				r.Get("/tree", h.HierarchyTree)
				r.Post("/resolve", h.ResolveSelector)
			})
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

type ctxKey int

const (
	tenantKey ctxKey = iota
	actorKey
)

// requireTenant rejects requests without X-Tenant-ID and stores the tenant
// and actor on the request context.
func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := strings.TrimSpace(r.Header.Get(HeaderTenantID))
		if tenant == "" {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{
				Error:   "Missing tenant",
				Details: HeaderTenantID + " header is required",
				Field:   "tenant_id",
			})
			return
		}
		actor := generic.ActorID(strings.TrimSpace(r.Header.Get(HeaderUserID)))
		if actor == "" {
			actor = anonymousActor
		}

		ctx := context.WithValue(r.Context(), tenantKey, generic.TenantID(tenant))
		ctx = context.WithValue(ctx, actorKey, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func tenantFrom(r *http.Request) generic.TenantID {
	tenant, _ := r.Context().Value(tenantKey).(generic.TenantID)
	return tenant
}

func actorFrom(r *http.Request) generic.ActorID {
	if actor, ok := r.Context().Value(actorKey).(generic.ActorID); ok {
		return actor
	}
	return anonymousActor
}

// requestLogger logs one line per request once the response is written.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				event := log.Info()
				if status >= http.StatusInternalServerError {
					event = log.Error()
				}
				event.
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", status).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Str("request_id", middleware.GetReqID(r.Context())).
					Str("tenant_id", r.Header.Get(HeaderTenantID)).
					Msg("request")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
