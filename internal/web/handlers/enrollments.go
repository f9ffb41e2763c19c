package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/idverify/internal/database"
	"go.uber.org/zap"
)

// EnrollmentsHandler handles enrollment sync and index maintenance endpoints
type EnrollmentsHandler struct {
	store     database.EnrollmentWriter
	rebuilder database.HNSWRebuilder
	registry  ConfigRegistry
	logger    *zap.Logger
}

// NewEnrollmentsHandler creates a new enrollments handler. store and
// rebuilder may be nil when no database is configured.
func NewEnrollmentsHandler(store database.EnrollmentWriter, rebuilder database.HNSWRebuilder, registry ConfigRegistry, logger *zap.Logger) *EnrollmentsHandler {
	return &EnrollmentsHandler{
		store:     store,
		rebuilder: rebuilder,
		registry:  registry,
		logger:    logger,
	}
}

// EnrollRequest is one embedding to enroll
type EnrollRequest struct {
	IdentityID string    `json:"identity_id"`
	ModelID    string    `json:"model_id"`
	Vector     []float32 `json:"vector"`
	Quality    float64   `json:"quality"`
}

// EnrollmentResponse describes a stored record without its vector
type EnrollmentResponse struct {
	ID         int64     `json:"id"`
	IdentityID string    `json:"identity_id"`
	ModelID    string    `json:"model_id"`
	Dim        int       `json:"dim"`
	Quality    float64   `json:"quality"`
	CreatedAt  time.Time `json:"created_at"`
}

// StatusResponse summarizes the serving state
type StatusResponse struct {
	Database      bool   `json:"database"`
	Enrollments   int    `json:"enrollments"`
	HNSWEnabled   bool   `json:"hnsw_enabled"`
	HNSWCount     int    `json:"hnsw_count"`
	ActiveVersion string `json:"active_version,omitempty"`
}

// Status returns the serving state
func (h *EnrollmentsHandler) Status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Database: h.store != nil}
	if cfg := h.registry.Active(); cfg != nil {
		resp.ActiveVersion = cfg.Version
	}
	if h.store != nil {
		n, err := h.store.Count(r.Context())
		if err != nil {
			h.logger.Error("Failed to count enrollments", zap.Error(err))
			respondError(w, http.StatusInternalServerError, "failed to count enrollments")
			return
		}
		resp.Enrollments = n
	}
	if h.rebuilder != nil {
		resp.HNSWEnabled = h.rebuilder.IsHNSWEnabled()
		resp.HNSWCount = h.rebuilder.HNSWCount()
	}
	respondJSON(w, http.StatusOK, resp)
}

// Enroll stores one embedding
func (h *EnrollmentsHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		respondError(w, http.StatusNotImplemented, "enrollment store not configured")
		return
	}

	var req EnrollRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rec := &database.EmbeddingRecord{
		IdentityID: database.NormalizeIdentityID(req.IdentityID),
		ModelID:    req.ModelID,
		Vector:     req.Vector,
		Quality:    req.Quality,
	}
	if msg := h.checkRecord(rec); msg != "" {
		respondError(w, http.StatusBadRequest, msg)
		return
	}

	id, err := h.store.Save(r.Context(), rec)
	if err != nil {
		h.logger.Error("Failed to save enrollment",
			zap.String("identity_id", sanitizeForLog(rec.IdentityID)),
			zap.String("model_id", sanitizeForLog(rec.ModelID)),
			zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to save enrollment")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]int64{"id": id})
}

// checkRecord returns a client error message or "".
func (h *EnrollmentsHandler) checkRecord(rec *database.EmbeddingRecord) string {
	switch {
	case rec.IdentityID == "":
		return "identity_id is required"
	case rec.ModelID == "":
		return "model_id is required"
	case len(rec.Vector) == 0:
		return "vector is required"
	case rec.Quality < 0 || rec.Quality > 1:
		return "quality must be within [0, 1]"
	}
	if cfg := h.registry.Active(); cfg != nil {
		model, ok := cfg.Model(rec.ModelID)
		if !ok {
			return fmt.Sprintf("model %q is not configured", rec.ModelID)
		}
		if model.Dim != len(rec.Vector) {
			return fmt.Sprintf("model %q expects %d dimensions, got %d", rec.ModelID, model.Dim, len(rec.Vector))
		}
	}
	return ""
}

// ListByIdentity returns the records of one identity
func (h *EnrollmentsHandler) ListByIdentity(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		respondError(w, http.StatusNotImplemented, "enrollment store not configured")
		return
	}

	identityID := database.NormalizeIdentityID(chi.URLParam(r, "id"))
	recs, err := h.store.GetByIdentity(r.Context(), identityID)
	if err != nil {
		h.logger.Error("Failed to list enrollments", zap.String("identity_id", sanitizeForLog(identityID)), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to list enrollments")
		return
	}

	out := make([]EnrollmentResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, EnrollmentResponse{
			ID:         rec.ID,
			IdentityID: rec.IdentityID,
			ModelID:    rec.ModelID,
			Dim:        len(rec.Vector),
			Quality:    rec.Quality,
			CreatedAt:  rec.CreatedAt,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

// DeleteIdentity removes every record of one identity
func (h *EnrollmentsHandler) DeleteIdentity(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		respondError(w, http.StatusNotImplemented, "enrollment store not configured")
		return
	}

	identityID := database.NormalizeIdentityID(chi.URLParam(r, "id"))
	ids, err := h.store.DeleteIdentity(r.Context(), identityID)
	if err != nil {
		h.logger.Error("Failed to delete identity", zap.String("identity_id", sanitizeForLog(identityID)), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to delete identity")
		return
	}
	if len(ids) == 0 {
		respondError(w, http.StatusNotFound, "identity not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"deleted": len(ids)})
}

// RebuildIndex rebuilds and persists the in-memory HNSW indexes
func (h *EnrollmentsHandler) RebuildIndex(w http.ResponseWriter, r *http.Request) {
	if h.rebuilder == nil || !h.rebuilder.IsHNSWEnabled() {
		respondError(w, http.StatusConflict, "HNSW indexing is not enabled")
		return
	}

	start := time.Now()
	if err := h.rebuilder.RebuildHNSW(r.Context(), nil); err != nil {
		h.logger.Error("Failed to rebuild HNSW index", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to rebuild index")
		return
	}
	if err := h.rebuilder.SaveHNSWIndex(); err != nil {
		h.logger.Warn("Failed to save HNSW index", zap.Error(err))
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"hnsw_count":  h.rebuilder.HNSWCount(),
		"duration_ms": time.Since(start).Milliseconds(),
	})
}
