// Package api exposes HTTP handlers for the activity log.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"example.com/activitylog/internal/auth"
	"example.com/activitylog/internal/domain"
	"example.com/activitylog/internal/logging"
	"example.com/activitylog/pkg/activityapi"
)

// maxBodyBytes bounds request bodies; a full batch of 100 events fits comfortably.
const maxBodyBytes = 4 << 20

// Handler coordinates HTTP requests with the domain service.
type Handler struct {
	service *domain.Service
}

// NewHandler builds a Handler.
func NewHandler(service *domain.Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the activity routes mounted under /activity.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(requireScope(auth.ScopeActivityWrite))
		r.Post("/", h.createEvent)
		r.Post("/batch", h.createBatch)
	})
	r.Group(func(r chi.Router) {
		r.Use(requireScope(auth.ScopeActivityRead, auth.ScopeActivityWrite))
		r.Get("/recent", h.recentActivity)
		r.Get("/project/{projectId}", h.projectActivity)
		r.Get("/property/{propertyId}", h.propertyActivity)
		r.Get("/counts/{projectId}", h.counts)
	})
	return r
}

// Healthz reports a simple OK status for container health checks.
func Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// requireScope admits callers holding any of the scopes.
func requireScope(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := auth.FromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, activityapi.ErrorUnauthorized, "missing bearer token")
				return
			}
			for _, scope := range scopes {
				if claims.HasScope(scope) {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, activityapi.ErrorForbidden, "scope "+scopes[0]+" required")
		})
	}
}

func (h *Handler) createEvent(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFrom(r.Context())

	var req activityapi.CreateEventRequest
	if !decodeBody(w, r, &req) {
		return
	}

	event, replay, err := h.service.CreateEvent(r.Context(), identity, ToInput(req), r.Header.Get(activityapi.IdempotencyKeyHeader))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	status := http.StatusCreated
	if replay {
		status = http.StatusOK
	}
	writeJSON(w, status, activityapi.EventResponse{Data: ToView(*event), IdempotentReplay: replay})
}

func (h *Handler) createBatch(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFrom(r.Context())

	var req activityapi.BatchRequest
	if !decodeBody(w, r, &req) {
		return
	}

	inputs := make([]domain.CreateEventInput, len(req.Events))
	for i, item := range req.Events {
		inputs[i] = ToInput(item)
	}

	created, batchID, err := h.service.CreateBatch(r.Context(), identity, inputs)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	views := make([]activityapi.Event, len(created))
	for i, event := range created {
		views[i] = ToView(event)
	}
	writeJSON(w, http.StatusCreated, activityapi.BatchResponse{Data: views, BatchID: batchID})
}

func (h *Handler) recentActivity(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())
	if claims.IsHomeowner() {
		writeError(w, http.StatusForbidden, activityapi.ErrorForbidden, "organization feed is not available to homeowners")
		return
	}
	query, err := parseQuery(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	page, err := h.service.GetRecentActivity(r.Context(), claims.TenantID, query)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toListResponse(page))
}

func (h *Handler) projectActivity(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())
	if claims.IsHomeowner() {
		writeError(w, http.StatusForbidden, activityapi.ErrorForbidden, "project feed is not available to homeowners")
		return
	}
	query, err := parseQuery(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	page, err := h.service.GetProjectActivity(r.Context(), claims.TenantID, chi.URLParam(r, "projectId"), query)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toListResponse(page))
}

func (h *Handler) propertyActivity(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())
	query, err := parseQuery(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	homeownerOnly := false
	if raw := r.URL.Query().Get("homeowner"); raw != "" {
		homeownerOnly, err = strconv.ParseBool(raw)
		if err != nil {
			h.writeServiceError(w, r, &domain.ValidationError{Field: "homeowner", Reason: "must be true or false"})
			return
		}
	}
	if claims.IsHomeowner() {
		homeownerOnly = true
	}

	page, err := h.service.GetPropertyActivity(r.Context(), claims.TenantID, chi.URLParam(r, "propertyId"), homeownerOnly, query)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toListResponse(page))
}

func (h *Handler) counts(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())
	if claims.IsHomeowner() {
		writeError(w, http.StatusForbidden, activityapi.ErrorForbidden, "counts are not available to homeowners")
		return
	}

	since, err := parseSince(r.URL.Query().Get("since"), time.Now())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	scope := domain.CountScope{OrganizationID: claims.TenantID, ProjectID: chi.URLParam(r, "projectId")}
	counts, err := h.service.Counts(r.Context(), scope, since)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, activityapi.CountsResponse{
		Data:  activityapi.Counts{ByType: counts.ByType, ByCategory: counts.ByCategory},
		Since: counts.Since,
	})
}

// parseSince accepts an RFC 3339 instant or a Go duration measured back from now.
// Durations resolve to whole minutes.
func parseSince(raw string, now time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts, nil
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		// minute precision keeps relative windows on one counts cache key
		return now.UTC().Add(-d).Truncate(time.Minute), nil
	}
	return time.Time{}, &domain.ValidationError{Field: "since", Reason: "must be an RFC 3339 instant or a positive duration"}
}

func parseQuery(r *http.Request) (domain.ActivityQuery, error) {
	values := r.URL.Query()
	query := domain.ActivityQuery{
		Cursor: values.Get("cursor"),
		Axes: domain.AxisFilter{
			WorkCategoryCode: values.Get("work_category_code"),
			StageCode:        values.Get("stage_code"),
			LocationID:       values.Get("location_id"),
			Trade:            values.Get("trade"),
		},
	}

	if raw := values.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return domain.ActivityQuery{}, &domain.ValidationError{Field: "limit", Reason: "must be a positive integer"}
		}
		query.Limit = limit
	}

	types, err := domain.ParseTypeFilter(strings.Join(values["event_type"], ","))
	if err != nil {
		return domain.ActivityQuery{}, err
	}
	for _, category := range values["category"] {
		for _, name := range strings.Split(category, ",") {
			if strings.TrimSpace(name) == "" {
				continue
			}
			if types, err = types.WithCategory(name); err != nil {
				return domain.ActivityQuery{}, err
			}
		}
	}
	query.Types = types
	return query, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, activityapi.ErrorInvalidRequest, "unable to parse body")
		return false
	}
	return true
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, activityapi.ErrorResponse{
			Type:   activityapi.ErrorValidation,
			Detail: verr.Error(),
			Field:  verr.Field,
		})
		return
	}
	logging.FromContext(r.Context()).Error("api.request_failed", zap.String("path", r.URL.Path), zap.Error(err))
	writeError(w, http.StatusInternalServerError, activityapi.ErrorServer, "internal error")
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, activityapi.ErrorResponse{Type: code, Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
