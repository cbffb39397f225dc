// Package api exposes the run lifecycle over HTTP JSON. It is the only
// surface controlling clients talk to.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/nebflow/engine/internal/checkpoint"
	"github.com/nebflow/engine/internal/path"
	"github.com/nebflow/engine/internal/run"
	"github.com/nebflow/engine/internal/structure"
)

// MaxRequestBodySize bounds request bodies; structures for realistic cells
// fit easily.
const MaxRequestBodySize = 1 << 20 // 1 MB

// HTTPHandler serves the run API over a manager.
type HTTPHandler struct {
	manager  *run.Manager
	defaults run.Config
	logger   *slog.Logger
}

// NewHTTPHandler creates a new HTTP handler. defaults fill in any run option
// a start or resume request leaves unset.
func NewHTTPHandler(manager *run.Manager, defaults run.Config, logger *slog.Logger) *HTTPHandler {
	return &HTTPHandler{
		manager:  manager,
		defaults: defaults,
		logger:   logger,
	}
}

// RegisterRoutes registers all HTTP routes.
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/runs", h.withLimits(h.StartRun))
	mux.HandleFunc("GET /api/v1/runs", h.withLimits(h.ListRuns))
	mux.HandleFunc("GET /api/v1/runs/{run_id}", h.withLimits(h.GetRun))
	mux.HandleFunc("POST /api/v1/runs/{run_id}/resume", h.withLimits(h.ResumeRun))
	mux.HandleFunc("POST /api/v1/runs/{run_id}/abort", h.withLimits(h.AbortRun))

	mux.HandleFunc("GET /health", h.Health)
}

func (h *HTTPHandler) withLimits(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Cache-Control", "no-store")
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
		}
		next(w, r)
	}
}

// StartRunRequest carries the two endpoint structures and optional run
// options. Options absent from config keep the daemon defaults.
type StartRunRequest struct {
	Initial *structure.Structure `json:"initial"`
	Final   *structure.Structure `json:"final"`
	Config  json.RawMessage      `json:"config,omitempty"`
}

// StartRunResponse acknowledges a launched run.
type StartRunResponse struct {
	RunID string `json:"run_id"`
	State string `json:"state"`
}

// POST /api/v1/runs.
func (h *HTTPHandler) StartRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err.Error() == "http: request body too large" {
			h.writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Initial == nil {
		h.writeError(w, http.StatusBadRequest, "initial structure is required")
		return
	}
	if req.Final == nil {
		h.writeError(w, http.StatusBadRequest, "final structure is required")
		return
	}

	cfg, err := h.runConfig(req.Config)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	runID, err := h.manager.StartRun(ctx, req.Initial, req.Final, cfg)
	if err != nil {
		// Setup failures are the caller's to fix: mismatched endpoints,
		// ambiguous paths, bad options.
		var mismatch *path.StructureMismatchError
		var ambiguous *path.AmbiguousPathError
		if errors.As(err, &mismatch) || errors.As(err, &ambiguous) {
			h.writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.logger.Info("run started",
		slog.String("run_id", runID),
		slog.Int("n_images", cfg.NImages),
	)

	st, err := h.manager.Status(ctx, runID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, StartRunResponse{
		RunID: runID,
		State: string(st.State),
	})
}

// GET /api/v1/runs/{run_id}.
func (h *HTTPHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")

	st, err := h.manager.Status(r.Context(), runID)
	if err != nil {
		if errors.Is(err, run.ErrRunNotFound) {
			h.writeError(w, http.StatusNotFound, "Run not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, st)
}

// ResumeRunRequest optionally overrides run options for the resumed run.
type ResumeRunRequest struct {
	Config json.RawMessage `json:"config,omitempty"`
}

// POST /api/v1/runs/{run_id}/resume.
func (h *HTTPHandler) ResumeRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := r.PathValue("run_id")

	var req ResumeRunRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	cfg, err := h.runConfig(req.Config)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	st, err := h.manager.ResumeRun(ctx, runID, cfg)
	if err != nil {
		switch {
		case errors.Is(err, run.ErrAlreadyActive):
			h.writeError(w, http.StatusConflict, "Run is already active")
		case errors.Is(err, checkpoint.ErrNotFound):
			h.writeError(w, http.StatusNotFound, "Run not found")
		default:
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	h.logger.Info("run resumed",
		slog.String("run_id", runID),
		slog.Int64("iteration", st.Iteration),
		slog.String("state", string(st.State)),
	)
	h.writeJSON(w, http.StatusOK, st)
}

// POST /api/v1/runs/{run_id}/abort.
func (h *HTTPHandler) AbortRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")

	if err := h.manager.AbortRun(r.Context(), runID); err != nil {
		if errors.Is(err, run.ErrRunNotActive) {
			h.writeError(w, http.StatusConflict, "Run is not active")
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.logger.Info("run abort requested", slog.String("run_id", runID))
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "aborting"})
}

// GET /api/v1/runs.
func (h *HTTPHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	ids, err := h.manager.ListRuns(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"runs": ids})
}

// GET /health.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// runConfig merges a request's option overrides onto the daemon defaults.
func (h *HTTPHandler) runConfig(raw json.RawMessage) (run.Config, error) {
	cfg := h.defaults
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return run.Config{}, errors.New("invalid run config")
		}
	}
	if err := cfg.Validate(); err != nil {
		return run.Config{}, err
	}
	return cfg, nil
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
