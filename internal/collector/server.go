// Package collector is the central intake API for durably synced alerts:
// idempotent ingestion keyed by event id, reconciliation reads, and a
// change-notification feed over NATS and SSE.
package collector

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/snrraptopack/fatigue/internal/events"
	"github.com/snrraptopack/fatigue/internal/model"
	"github.com/snrraptopack/fatigue/internal/store"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Server implements the collector HTTP API.
type Server struct {
	store     store.Store
	publisher events.Publisher
	sseHub    *sseHub
	logger    *slog.Logger
}

// NewServer returns a Server backed by the given store and publisher.
func NewServer(s store.Store, p events.Publisher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:     s,
		publisher: p,
		sseHub:    newSSEHub(),
		logger:    logger,
	}
}

// NewHTTPHandler returns an http.Handler with all collector routes
// registered. When authToken is non-empty, requests (except GET /v1/health)
// must carry a valid Authorization: Bearer <token> header.
func (s *Server) NewHTTPHandler(authToken string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/alerts", s.handleSubmitAlert)
	mux.HandleFunc("GET /v1/alerts", s.handleListAlerts)
	mux.HandleFunc("GET /v1/alerts/{id}", s.handleGetAlert)
	mux.HandleFunc("GET /v1/events/stream", s.handleEventStream)
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	return AuthMiddleware(authToken, mux)
}

// handleHealth handles GET /v1/health.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// submitAlertResponse acknowledges an ingested alert. Created
// distinguishes first-time inserts from idempotent resends.
type submitAlertResponse struct {
	EventID string             `json:"event_id"`
	Created bool               `json:"created"`
	Alert   *model.StoredAlert `json:"alert"`
}

// handleSubmitAlert handles POST /v1/alerts. The operation is idempotent
// on event id: a resend refreshes the stored payload and returns 200
// instead of 201. Malformed payloads get 400, which edge clients treat as
// a permanent rejection.
func (s *Server) handleSubmitAlert(w http.ResponseWriter, r *http.Request) {
	var ev model.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if ev.ID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	if ev.Kind == "" {
		writeError(w, http.StatusBadRequest, "kind is required")
		return
	}
	if !ev.Priority.Valid() {
		writeError(w, http.StatusBadRequest, "unknown priority "+strconv.Quote(string(ev.Priority)))
		return
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	alert, created, err := s.store.UpsertAlert(r.Context(), &ev)
	if err != nil {
		s.logger.Error("alert upsert failed", "event_id", ev.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "storing alert failed")
		return
	}

	if created {
		s.publishAlert(r.Context(), events.TopicAlertCreated, events.AlertCreated{Alert: alert})
	} else {
		s.publishAlert(r.Context(), events.TopicAlertUpdated, events.AlertUpdated{Alert: alert})
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, submitAlertResponse{
		EventID: alert.ID.String(),
		Created: created,
		Alert:   alert,
	})
}

// publishAlert fans a change notification out to NATS and SSE consumers.
// Both paths are best-effort; failures are logged, never surfaced to the
// submitting edge.
func (s *Server) publishAlert(ctx context.Context, topic string, event any) {
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, topic, event); err != nil {
			s.logger.Warn("publishing change notification failed", "topic", topic, "error", err)
		}
	}
	s.broadcastEvent(topic, event)
}

type listAlertsResponse struct {
	Alerts []*model.StoredAlert `json:"alerts"`
	Total  int                  `json:"total"`
	Limit  int                  `json:"limit"`
	Offset int                  `json:"offset"`
}

// handleListAlerts handles GET /v1/alerts with filtering and pagination.
func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAlertFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	alerts, total, err := s.store.ListAlerts(r.Context(), filter)
	if err != nil {
		s.logger.Error("alert list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "listing alerts failed")
		return
	}
	if alerts == nil {
		alerts = []*model.StoredAlert{}
	}
	writeJSON(w, http.StatusOK, listAlertsResponse{
		Alerts: alerts,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
}

// handleGetAlert handles GET /v1/alerts/{id}.
func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid alert id")
		return
	}
	alert, err := s.store.GetAlert(r.Context(), id)
	if err != nil {
		s.logger.Error("alert get failed", "event_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "loading alert failed")
		return
	}
	if alert == nil {
		writeError(w, http.StatusNotFound, "alert not found")
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func parseAlertFilter(r *http.Request) (model.AlertFilter, error) {
	q := r.URL.Query()
	filter := model.AlertFilter{
		ParticipantID: q.Get("participant_id"),
		Kind:          q.Get("kind"),
		Limit:         defaultPageSize,
	}

	if raw := q.Get("priority"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			p := model.Priority(strings.TrimSpace(part))
			if !p.Valid() {
				return filter, errors.New("unknown priority " + strconv.Quote(string(p)))
			}
			filter.Priority = append(filter.Priority, p)
		}
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, errors.New("since must be RFC 3339")
		}
		filter.Since = &since
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return filter, errors.New("limit must be a positive integer")
		}
		if limit > maxPageSize {
			limit = maxPageSize
		}
		filter.Limit = limit
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return filter, errors.New("offset must be a non-negative integer")
		}
		filter.Offset = offset
	}
	return filter, nil
}

// AuthMiddleware wraps an http.Handler and checks the Authorization header
// for a valid Bearer token. When token is empty, auth is disabled. GET
// /v1/health is always exempt so it stays usable as a reachability probe.
func AuthMiddleware(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/v1/health" {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}
		if !strings.HasPrefix(auth, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "invalid authorization scheme")
			return
		}
		provided := strings.TrimPrefix(auth, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
