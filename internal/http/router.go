// Package http exposes the control and ingestion API: session lifecycle,
// segment ingestion for external producers, transcript reads and the live
// feed upgrade endpoint.
package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"transcript-assembly-service/internal/livefeed"
	"transcript-assembly-service/internal/models"
	"transcript-assembly-service/internal/observability"
	"transcript-assembly-service/internal/observability/metrics"
	"transcript-assembly-service/internal/reassembly"
	"transcript-assembly-service/internal/schema"
	"transcript-assembly-service/internal/session"
)

// Deps carries the router's collaborators.
type Deps struct {
	Manager *session.Manager
	Feed    *livefeed.Hub
	// Ready reports whether the service can take traffic. Nil means
	// always ready.
	Ready func() bool
}

type handlers struct {
	manager   *session.Manager
	feed      *livefeed.Hub
	ready     func() bool
	validator *schema.Validator
}

// NewRouter constructs the HTTP router for the service.
func NewRouter(deps Deps) http.Handler {
	h := &handlers{
		manager:   deps.Manager,
		feed:      deps.Feed,
		ready:     deps.Ready,
		validator: schema.New(),
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observability.RequestInstrumentation(metrics.DefaultMetrics))

	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", h.readiness)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/sessions", h.startSession)
		r.Get("/sessions", h.listSessions)
		r.Get("/sessions/{sessionID}", h.getSession)
		r.Post("/sessions/{sessionID}/segments", h.insertSegment)
		r.Get("/sessions/{sessionID}/transcript", h.getTranscript)
		r.Post("/sessions/{sessionID}/stop", h.stopSession)
		if h.feed != nil {
			r.Get("/feed", h.feed.ServeWS)
		}
	})

	return r
}

func (h *handlers) readiness(w http.ResponseWriter, _ *http.Request) {
	if h.ready != nil && !h.ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

type startSessionRequest struct {
	Source   string `json:"source"`
	Provider string `json:"provider"`
}

func (h *handlers) startSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s, err := h.manager.Start(r.Context(), session.StartOptions{
		Source:   req.Source,
		Provider: req.Provider,
	})
	if err != nil {
		if errors.Is(err, session.ErrUnknownProvider) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Error().Err(err).Msg("Failed to start session")
		writeError(w, http.StatusInternalServerError, "failed to start session")
		return
	}

	writeJSON(w, http.StatusCreated, s.Status())
}

type sessionListResponse struct {
	Sessions []session.Status `json:"sessions"`
	Count    int              `json:"count"`
}

func (h *handlers) listSessions(w http.ResponseWriter, _ *http.Request) {
	live := h.manager.List()
	statuses := make([]session.Status, 0, len(live))
	for _, s := range live {
		statuses = append(statuses, s.Status())
	}
	writeJSON(w, http.StatusOK, sessionListResponse{Sessions: statuses, Count: len(statuses)})
}

func (h *handlers) getSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.manager.Get(chi.URLParam(r, "sessionID"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, s.Status())
}

type insertSegmentResponse struct {
	Result     string `json:"result"`
	SequenceID uint64 `json:"sequenceId"`
}

func (h *handlers) insertSegment(w http.ResponseWriter, r *http.Request) {
	s, ok := h.manager.Get(chi.URLParam(r, "sessionID"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	var ev models.SegmentEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid segment payload")
		return
	}

	normalized, fixes := h.validator.Normalize(ev)
	if len(fixes) > 0 {
		log.Warn().
			Str("sessionId", s.ID()).
			Uint64("sequenceId", ev.SequenceID).
			Strs("fixes", fixes).
			Msg("Segment fields normalized at ingestion")
	}

	inserted, result, err := s.Insert(normalized)
	if err != nil {
		if errors.Is(err, reassembly.ErrStreamClosed) {
			writeError(w, http.StatusGone, "stream is closed")
			return
		}
		log.Error().Err(err).Str("sessionId", s.ID()).Msg("Segment insert failed")
		writeError(w, http.StatusInternalServerError, "segment insert failed")
		return
	}

	status := http.StatusAccepted
	if result == reassembly.InsertDuplicate {
		status = http.StatusConflict
	}
	writeJSON(w, status, insertSegmentResponse{
		Result:     result.String(),
		SequenceID: inserted.SequenceID,
	})
}

type transcriptResponse struct {
	SessionID string              `json:"sessionId"`
	Segments  []models.Transcript `json:"segments"`
	Count     int                 `json:"count"`
}

func (h *handlers) getTranscript(w http.ResponseWriter, r *http.Request) {
	s, ok := h.manager.Get(chi.URLParam(r, "sessionID"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	snap := s.Snapshot()
	if snap == nil {
		snap = []models.Transcript{}
	}
	writeJSON(w, http.StatusOK, transcriptResponse{
		SessionID: s.ID(),
		Segments:  snap,
		Count:     len(snap),
	})
}

func (h *handlers) stopSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	final, err := h.manager.Stop(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		log.Error().Err(err).Str("sessionId", id).Msg("Failed to stop session")
		writeError(w, http.StatusInternalServerError, "failed to stop session")
		return
	}
	if final == nil {
		final = []models.Transcript{}
	}
	writeJSON(w, http.StatusOK, transcriptResponse{
		SessionID: id,
		Segments:  final,
		Count:     len(final),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
