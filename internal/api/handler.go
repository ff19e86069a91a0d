// Package api provides the HTTP API handlers and routing for the batch service.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"batchengine/internal/apperrors"
	"batchengine/internal/engine"
	"batchengine/internal/health"
	"batchengine/internal/history"
	"batchengine/internal/observability"
)

// maxRequestBodySize limits request body to 64KB; job requests are tiny.
const maxRequestBodySize = 64 << 10

// FillRequest is the payload for POST /v1/jobs/fill.
type FillRequest struct {
	Tank   int     `json:"tank"`
	Volume float64 `json:"volume"`
}

// MixRequest is the payload for POST /v1/jobs/mix.
type MixRequest struct {
	Tank int `json:"tank"`
}

// SendRequest is the payload for POST /v1/jobs/send.
type SendRequest struct {
	Tank        int     `json:"tank"`
	Destination int     `json:"destination"`
	Volume      float64 `json:"volume"`
}

// JobList wraps the active jobs response.
type JobList struct {
	Jobs []*engine.Snapshot `json:"jobs"`
}

// HistoryList wraps the recent history response.
type HistoryList struct {
	Entries []history.Entry `json:"entries"`
}

// Handler contains HTTP handlers for the batch API.
type Handler struct {
	engine  *engine.Engine
	store   *history.Store
	metrics *observability.Metrics
	health  *health.Checker
}

// NewHandler creates a new API handler.
func NewHandler(eng *engine.Engine, store *history.Store, metrics *observability.Metrics, healthChecker *health.Checker) *Handler {
	return &Handler{
		engine:  eng,
		store:   store,
		metrics: metrics,
		health:  healthChecker,
	}
}

// StartFill handles POST /v1/jobs/fill
func (h *Handler) StartFill(w http.ResponseWriter, r *http.Request) {
	var req FillRequest
	if !h.decode(w, r, &req) {
		return
	}

	snap, err := h.engine.StartFill(r.Context(), req.Tank, req.Volume)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, snap)
}

// StartMix handles POST /v1/jobs/mix
func (h *Handler) StartMix(w http.ResponseWriter, r *http.Request) {
	var req MixRequest
	if !h.decode(w, r, &req) {
		return
	}

	snap, err := h.engine.StartMix(r.Context(), req.Tank)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, snap)
}

// StartSend handles POST /v1/jobs/send
func (h *Handler) StartSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if !h.decode(w, r, &req) {
		return
	}

	snap, err := h.engine.StartSend(r.Context(), req.Tank, req.Destination, req.Volume)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, snap)
}

// ListJobs handles GET /v1/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := h.engine.StatusAll()
	if jobs == nil {
		jobs = []*engine.Snapshot{}
	}
	h.writeJSON(w, http.StatusOK, JobList{Jobs: jobs})
}

// GetJob handles GET /v1/jobs/{category}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	cat, ok := h.category(w, r)
	if !ok {
		return
	}

	snap, err := h.engine.Status(cat)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, snap)
}

// StopJob handles DELETE /v1/jobs/{category}.
// The stop is cooperative: the response carries the job as of the stop
// request; cleanup runs on the next tick.
func (h *Handler) StopJob(w http.ResponseWriter, r *http.Request) {
	cat, ok := h.category(w, r)
	if !ok {
		return
	}

	snap, err := h.engine.Stop(cat)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, snap)
}

// ListHistory handles GET /v1/history
// Query params: limit (optional, default all)
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries := h.store.Recent(limit)
	if entries == nil {
		entries = []history.Entry{}
	}
	h.writeJSON(w, http.StatusOK, HistoryList{Entries: entries})
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 200 if the service is ready to accept traffic.
// Returns 503 if the hardware controller is unreachable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// decode reads a bounded JSON body into dst, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// category extracts and validates the {category} path segment.
func (h *Handler) category(w http.ResponseWriter, r *http.Request) (engine.Category, bool) {
	cat, err := engine.ParseCategory(r.PathValue("category"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return cat, true
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from the engine with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
