package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/vyrodovalexey/lostfound/internal/middleware"
	"github.com/vyrodovalexey/lostfound/internal/model"
	"github.com/vyrodovalexey/lostfound/internal/search"
	"github.com/vyrodovalexey/lostfound/internal/store"
	"github.com/vyrodovalexey/lostfound/internal/view"
)

// Version is the application version.
const Version = "1.0.0"

// Query parameters of the similar items endpoint.
const (
	paramRadius = "radius_km"
	paramLimit  = "limit"
)

// Settings tunes the REST handler.
type Settings struct {
	// Location is used to read date bounds. Defaults to UTC.
	Location *time.Location

	SimilarRadiusKm float64
	SimilarLimit    int
}

// RESTHandler handles REST API requests for items.
type RESTHandler struct {
	source   LiveCollection
	pipeline *search.Pipeline
	settings Settings
	logger   *zap.Logger
}

// NewRESTHandler creates a new RESTHandler instance.
func NewRESTHandler(source LiveCollection, pipeline *search.Pipeline, settings Settings, logger *zap.Logger) *RESTHandler {
	if pipeline == nil {
		pipeline = search.NewPipeline(nil)
	}
	if settings.Location == nil {
		settings.Location = time.UTC
	}
	if settings.SimilarRadiusKm <= 0 {
		settings.SimilarRadiusKm = search.DefaultSimilarRadiusKm
	}
	if settings.SimilarLimit <= 0 {
		settings.SimilarLimit = search.DefaultSimilarLimit
	}

	return &RESTHandler{
		source:   source,
		pipeline: pipeline,
		settings: settings,
		logger:   logger,
	}
}

// RegisterRoutes registers the REST API routes with the router.
func (h *RESTHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)
	router.HandleFunc("/ready", h.ReadyCheck).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/items", h.ListItems).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/items/reload", h.ReloadItems).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/items/{id}", h.GetItem).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/items/{id}/similar", h.SimilarItems).Methods(http.MethodGet)
}

// HealthCheck handles GET /health requests.
func (h *RESTHandler) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	response := HealthResponse{
		Status:  "healthy",
		Version: Version,
	}
	h.writeJSON(w, http.StatusOK, model.NewSuccessResponse(response))
}

// ReadyCheck handles GET /ready requests. The service is ready once the
// first bulk load finished, even if it failed.
func (h *RESTHandler) ReadyCheck(w http.ResponseWriter, _ *http.Request) {
	snap := h.source.Snapshot()

	if !snap.Loaded() {
		h.writeJSON(w, http.StatusServiceUnavailable, model.NewSuccessResponse(ReadyResponse{Status: "loading"}))
		return
	}

	loadedAt := snap.LoadedAt
	response := ReadyResponse{
		Status:   "ready",
		Items:    len(snap.Items),
		LoadedAt: &loadedAt,
	}
	if snap.Err != nil {
		response.Error = snap.Err.Error()
	}

	h.writeJSON(w, http.StatusOK, model.NewSuccessResponse(response))
}

// ListItems handles GET /api/v1/items requests.
func (h *RESTHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	criteria, err := search.ParseCriteria(r.URL.Query(), h.settings.Location)
	if err != nil {
		h.logger.Warn("invalid search criteria",
			zap.String("request_id", middleware.RequestIDFromContext(r.Context())),
			zap.Error(err),
		)
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	v := view.Build(h.source.Snapshot(), criteria, h.pipeline)

	h.writeJSON(w, http.StatusOK, model.NewSuccessResponse(v))
}

// GetItem handles GET /api/v1/items/{id} requests.
func (h *RESTHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	item, err := h.source.Get(id)
	if err != nil {
		h.handleStoreError(w, err, "get item")
		return
	}

	h.writeJSON(w, http.StatusOK, model.NewSuccessResponse(item))
}

// SimilarItems handles GET /api/v1/items/{id}/similar requests.
func (h *RESTHandler) SimilarItems(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	radius := h.settings.SimilarRadiusKm
	if raw := r.URL.Query().Get(paramRadius); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 {
			h.writeError(w, http.StatusBadRequest, "radius_km must be a positive number")
			return
		}
		radius = v
	}

	limit := h.settings.SimilarLimit
	if raw := r.URL.Query().Get(paramLimit); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = v
	}

	target, err := h.source.Get(id)
	if err != nil {
		h.handleStoreError(w, err, "similar items")
		return
	}

	items := search.Similar(h.source.Snapshot().Items, target, radius, limit)

	h.writeJSON(w, http.StatusOK, model.NewSuccessResponse(items))
}

// ReloadItems handles POST /api/v1/items/reload requests.
func (h *RESTHandler) ReloadItems(w http.ResponseWriter, r *http.Request) {
	h.source.Reload()
	h.logger.Info("manual reload requested",
		zap.String("request_id", middleware.RequestIDFromContext(r.Context())),
	)

	h.writeJSON(w, http.StatusAccepted, model.NewSuccessResponse(ReloadResponse{Status: "reload scheduled"}))
}

// handleStoreError handles store errors and writes appropriate HTTP responses.
func (h *RESTHandler) handleStoreError(w http.ResponseWriter, err error, operation string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "item not found")
	default:
		h.logger.Error("store operation failed", zap.String("operation", operation), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// writeJSON writes a JSON response with the given status code.
func (h *RESTHandler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

// writeError writes an error response with the given status code and message.
func (h *RESTHandler) writeError(w http.ResponseWriter, status int, message string) {
	response := model.ErrorResponse{
		Code:    status,
		Message: message,
	}
	h.writeJSON(w, status, response)
}
