package materializer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/internal/snapshot"
	apperrors "github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/logger"
)

// Invalidator drops every cached record of a group.
type Invalidator interface {
	Invalidate(ctx context.Context, group string) (int64, error)
}

// Handler exposes manual triggers and run history over HTTP.
type Handler struct {
	scheduler   *Scheduler
	runs        RunStore
	invalidator Invalidator
	lookback    time.Duration
	logger      *slog.Logger
}

// NewHandler creates a Handler. runs and invalidator may be nil.
func NewHandler(scheduler *Scheduler, runs RunStore, invalidator Invalidator, lookback time.Duration) *Handler {
	return &Handler{
		scheduler:   scheduler,
		runs:        runs,
		invalidator: invalidator,
		lookback:    lookback,
		logger:      slog.Default().With("component", "materializer-handler"),
	}
}

// TriggerRequest is the body of POST /api/v1/materialize. Empty fields
// default to every group and the configured lookback window.
type TriggerRequest struct {
	FeatureGroup string    `json:"feature_group"`
	Start        time.Time `json:"start"`
	End          time.Time `json:"end"`
}

type triggerResult struct {
	Result
	Status  string `json:"status"`
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Register mounts the handler's routes.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/materialize", h.Trigger)
	mux.HandleFunc("GET /api/v1/materialize/runs", h.Runs)
	mux.HandleFunc("POST /api/v1/cache/invalidate", h.Invalidate)
}

func (h *Handler) Trigger(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req TriggerRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	end := req.End
	if end.IsZero() {
		end = time.Now().UTC()
	}
	start := req.Start
	if start.IsZero() {
		start = end.Add(-h.lookback)
	}
	window := snapshot.Window{Start: start.UTC(), End: end.UTC()}
	if !window.End.After(window.Start) {
		h.writeError(w, http.StatusBadRequest, "end must be after start")
		return
	}

	groups := h.scheduler.m.Catalog().Names()
	if req.FeatureGroup != "" {
		if _, err := h.scheduler.m.Catalog().Get(req.FeatureGroup); err != nil {
			h.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		groups = []string{req.FeatureGroup}
	}

	results := make([]triggerResult, 0, len(groups))
	status := http.StatusOK
	for _, g := range groups {
		res, ran, err := h.scheduler.Trigger(r.Context(), g, window)
		tr := triggerResult{Result: res, Status: StatusSucceeded}
		switch {
		case !ran:
			tr.Skipped = true
			tr.Status = "skipped"
			tr.Group = g
			status = http.StatusConflict
		case err != nil:
			tr.Status = runStatus(err)
			tr.Error = err.Error()
			log.Error("manual materialization failed", "feature_group", g, "error", err)
			if s := apperrors.HTTPStatusCode(err); s > status {
				status = s
			}
		}
		results = append(results, tr)
	}
	h.writeJSON(w, status, map[string]any{"runs": results})
}

func (h *Handler) Runs(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		h.writeJSON(w, http.StatusOK, map[string]any{"last_success": h.scheduler.LastSuccess()})
		return
	}
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 500 {
			h.writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	runs, err := h.runs.Recent(r.Context(), r.URL.Query().Get("feature_group"), limit)
	if err != nil {
		h.logger.Error("listing runs failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "listing runs failed")
		return
	}
	if runs == nil {
		runs = []Run{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (h *Handler) Invalidate(w http.ResponseWriter, r *http.Request) {
	if h.invalidator == nil {
		h.writeError(w, http.StatusServiceUnavailable, "invalidation is disabled")
		return
	}
	group := r.URL.Query().Get("feature_group")
	if _, err := h.scheduler.m.Catalog().Get(group); err != nil {
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	n, err := h.invalidator.Invalidate(r.Context(), group)
	if err != nil {
		h.logger.Error("cache invalidation failed", "feature_group", group, "error", err)
		code := http.StatusInternalServerError
		if errors.Is(err, apperrors.ErrCacheUnavailable) {
			code = http.StatusServiceUnavailable
		}
		h.writeError(w, code, "cache invalidation failed")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "invalidated", "feature_group": group, "keys": n})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
