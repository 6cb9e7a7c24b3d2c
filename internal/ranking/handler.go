package ranking

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/internal/registry"
	apperrors "github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/RideMatch-Feature-Platform/pkg/logger"
)

// VersionLister lists registered model versions.
type VersionLister interface {
	List(ctx context.Context) ([]registry.Version, error)
}

type Handler struct {
	service  *Service
	versions VersionLister
	logger   *slog.Logger
}

// NewHandler creates a Handler. versions may be nil.
func NewHandler(service *Service, versions VersionLister) *Handler {
	return &Handler{
		service:  service,
		versions: versions,
		logger:   slog.Default().With("component", "ranking-handler"),
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/rank", h.Rank)
	mux.HandleFunc("GET /api/v1/models", h.Versions)
	mux.HandleFunc("GET /api/v1/models/active", h.ActiveModel)
	mux.HandleFunc("POST /api/v1/models/{version}/promote", h.Promote)
}

func (h *Handler) Rank(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	resp, err := h.service.Rank(r.Context(), req)
	if err != nil {
		if !IsClientError(err) {
			log.Error("ranking failed", "ride_request_id", req.RideRequestID, "error", err)
		}
		h.writeError(w, apperrors.HTTPStatusCode(err), err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) ActiveModel(w http.ResponseWriter, r *http.Request) {
	a, err := h.service.Models().Get(r.Context())
	if err != nil {
		h.writeError(w, apperrors.HTTPStatusCode(err), err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, a)
}

func (h *Handler) Versions(w http.ResponseWriter, r *http.Request) {
	if h.versions == nil {
		h.writeError(w, http.StatusNotImplemented, "version listing is not available")
		return
	}
	versions, err := h.versions.List(r.Context())
	if err != nil {
		h.logger.Error("listing model versions failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "listing model versions failed")
		return
	}
	if versions == nil {
		versions = []registry.Version{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

func (h *Handler) Promote(w http.ResponseWriter, r *http.Request) {
	version := r.PathValue("version")
	a, err := h.service.Models().Promote(r.Context(), version)
	if err != nil {
		status := apperrors.HTTPStatusCode(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("model promotion failed", "version", version, "error", err)
		}
		h.writeError(w, status, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":     "promoted",
		"version_id": a.VersionID,
		"trained_at": a.TrainedAt,
	})
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
