// Package api provides the admin HTTP API for Herald: subscriptions, the
// event log, tasks and their audit trail, dead letters, the event type
// catalog, and engine statistics.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xraph/herald"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/scope"
	"github.com/xraph/herald/subscription"
)

// TenantHeader carries the CRM company a request acts for.
const TenantHeader = "X-Tenant-ID"

// Handler is the root HTTP handler for the Herald admin API.
type Handler struct {
	herald *herald.Herald
	logger *slog.Logger
	router chi.Router
}

// NewHandler creates a new admin API handler.
func NewHandler(h *herald.Herald, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	api := &Handler{
		herald: h,
		logger: logger,
		router: chi.NewRouter(),
	}
	api.registerRoutes()
	return api
}

func (h *Handler) registerRoutes() {
	r := h.router
	r.Use(h.panicRecovery, h.logging, tenantScope)

	r.Route("/subscriptions", func(r chi.Router) {
		r.Post("/", h.createSubscription)
		r.Get("/", h.listSubscriptions)
		r.Get("/{id}", h.getSubscription)
		r.Put("/{id}", h.updateSubscription)
		r.Delete("/{id}", h.deleteSubscription)
		r.Post("/{id}/activate", h.activateSubscription)
		r.Post("/{id}/deactivate", h.deactivateSubscription)
		r.Post("/{id}/rotate-secret", h.rotateSecret)
		r.Get("/{id}/health", h.subscriptionHealth)
		r.Get("/{id}/tasks", h.listSubscriptionTasks)
	})

	r.Route("/events", func(r chi.Router) {
		r.Post("/", h.emitEvent)
		r.Get("/", h.listEvents)
		r.Get("/{sequence}", h.getEvent)
		r.Get("/{sequence}/tasks", h.listEventTasks)
	})

	r.Route("/tasks", func(r chi.Router) {
		r.Get("/{id}", h.getTask)
		r.Get("/{id}/audit", h.taskAudit)
		r.Post("/{id}/redrive", h.redriveTask)
	})

	r.Get("/dead-letters", h.listDeadLetters)

	r.Route("/event-types", func(r chi.Router) {
		r.Post("/", h.createEventType)
		r.Get("/", h.listEventTypes)
		r.Get("/{name}", h.getEventType)
		r.Delete("/{name}", h.deleteEventType)
	})

	r.Get("/stats", h.getStats)
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		h.logger.Info("api request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (h *Handler) panicRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("panic recovered",
					"error", rec,
					"stack", string(debug.Stack()),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// tenantScope moves the tenant header into the request context.
func tenantScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tenant := r.Header.Get(TenantHeader); tenant != "" {
			r = r.WithContext(scope.Restore(r.Context(), tenant))
		}
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// JSON helpers.

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best effort
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps engine errors onto HTTP statuses.
func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	var verr *subscription.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, herald.ErrEmptyEventType):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, herald.ErrSubscriptionNotFound),
		errors.Is(err, herald.ErrTaskNotFound),
		errors.Is(err, herald.ErrEventNotFound),
		errors.Is(err, herald.ErrEventTypeNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, herald.ErrEventTypeDeprecated),
		errors.Is(err, herald.ErrPayloadValidationFailed):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, herald.ErrNotDeadLettered),
		errors.Is(err, herald.ErrTaskConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, herald.ErrStoreUnavailable),
		errors.Is(err, herald.ErrStoreClosed):
		h.logger.ErrorContext(r.Context(), "store unavailable", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		h.logger.ErrorContext(r.Context(), "api error", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// queryInt returns a query parameter as int or a default value.
func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}

// queryBool returns nil when the parameter is absent or unparsable.
func queryBool(r *http.Request, key string) *bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(key))
	if err != nil {
		return nil
	}
	return &v
}

// pathID parses the {id} URL parameter, writing 400 on failure.
func pathID(w http.ResponseWriter, r *http.Request, parse func(string) (id.ID, error)) (id.ID, bool) {
	v, err := parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id: "+err.Error())
		return id.Nil, false
	}
	return v, true
}

// pathSequence parses the {sequence} URL parameter, writing 400 on failure.
func pathSequence(w http.ResponseWriter, r *http.Request) (int64, bool) {
	seq, err := strconv.ParseInt(chi.URLParam(r, "sequence"), 10, 64)
	if err != nil || seq < 1 {
		writeError(w, http.StatusBadRequest, "invalid sequence")
		return 0, false
	}
	return seq, true
}
