package retrieval

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/logger"
)

const maxFetchEntities = 1000

type Handler struct {
	service *Service
	logger  *slog.Logger
}

func NewHandler(service *Service) *Handler {
	return &Handler{
		service: service,
		logger:  slog.Default().With("component", "retrieval-handler"),
	}
}

// FetchRequest is the body of POST /api/v1/features.
type FetchRequest struct {
	EntityIDs []string `json:"entity_ids"`
	Features  []string `json:"features"`
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/features", h.Features)
}

func (h *Handler) Features(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	log := logger.FromContext(r.Context())

	var req FetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.EntityIDs) == 0 || len(req.Features) == 0 {
		h.writeError(w, http.StatusBadRequest, "entity_ids and features are required")
		return
	}
	if len(req.EntityIDs) > maxFetchEntities {
		h.writeError(w, http.StatusBadRequest, "too many entity_ids")
		return
	}

	res, err := h.service.Fetch(r.Context(), req.EntityIDs, req.Features)
	if err != nil {
		status := apperrors.HTTPStatusCode(err)
		if status >= http.StatusInternalServerError {
			log.Error("feature fetch failed", "error", err)
		}
		h.writeError(w, status, err.Error())
		return
	}

	log.Debug("features fetched",
		"entities", len(res),
		"features", len(req.Features),
		"latency_ms", time.Since(start).Milliseconds(),
	)
	h.writeJSON(w, http.StatusOK, map[string]any{"features": res})
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
