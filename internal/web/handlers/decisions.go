package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kozaktomas/idverify/internal/audit"
	"github.com/kozaktomas/idverify/internal/consensus"
	"github.com/kozaktomas/idverify/internal/database"
	"go.uber.org/zap"
)

// DecisionsHandler serves stored decisions from the audit store
type DecisionsHandler struct {
	store  database.DecisionReader
	logger *zap.Logger
}

// NewDecisionsHandler creates a new decisions handler. store may be nil when
// no audit database is configured.
func NewDecisionsHandler(store database.DecisionReader, logger *zap.Logger) *DecisionsHandler {
	return &DecisionsHandler{store: store, logger: logger}
}

// Get returns one decision by id
func (h *DecisionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		respondError(w, http.StatusNotImplemented, "decision store not configured")
		return
	}

	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		respondError(w, http.StatusBadRequest, "invalid decision id")
		return
	}

	rec, err := h.store.GetDecision(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to load decision", zap.String("decision_id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to load decision")
		return
	}
	if rec == nil {
		respondError(w, http.StatusNotFound, "decision not found")
		return
	}

	res, err := audit.FromRecord(rec)
	if err != nil {
		h.logger.Error("Failed to decode decision", zap.String("decision_id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to decode decision")
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// ListByRequest returns every decision made for a request id
func (h *DecisionsHandler) ListByRequest(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		respondError(w, http.StatusNotImplemented, "decision store not configured")
		return
	}

	requestID := r.URL.Query().Get("request_id")
	if requestID == "" {
		respondError(w, http.StatusBadRequest, "request_id is required")
		return
	}

	recs, err := h.store.ListDecisionsByRequest(r.Context(), requestID)
	if err != nil {
		h.logger.Error("Failed to list decisions", zap.String("request_id", sanitizeForLog(requestID)), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to list decisions")
		return
	}

	out := make([]*consensus.ConsensusResult, 0, len(recs))
	for i := range recs {
		res, err := audit.FromRecord(&recs[i])
		if err != nil {
			h.logger.Warn("Skipping undecodable decision", zap.String("decision_id", recs[i].DecisionID), zap.Error(err))
			continue
		}
		out = append(out, res)
	}
	respondJSON(w, http.StatusOK, out)
}
