package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/kozaktomas/idverify/internal/constants"
	"github.com/kozaktomas/idverify/internal/consensus"
	"github.com/kozaktomas/idverify/internal/database"
	"go.uber.org/zap"
)

// Verifier decides probe requests. *consensus.Engine satisfies it.
type Verifier interface {
	Verify(ctx context.Context, req consensus.ProbeRequest) (*consensus.ConsensusResult, error)
}

// VerifyHandler handles identity verification requests
type VerifyHandler struct {
	engine  Verifier
	scopes  database.ScopeResolver
	timeout time.Duration
	logger  *zap.Logger
}

// NewVerifyHandler creates a new verify handler. scopes may be nil, in which
// case requests must carry an explicit scope.
func NewVerifyHandler(engine Verifier, scopes database.ScopeResolver, timeout time.Duration, logger *zap.Logger) *VerifyHandler {
	if timeout <= 0 {
		timeout = constants.DefaultRequestTimeout
	}
	return &VerifyHandler{
		engine:  engine,
		scopes:  scopes,
		timeout: timeout,
		logger:  logger,
	}
}

// VerifyRequest is a probe request with an optional roster group.
type VerifyRequest struct {
	consensus.ProbeRequest
	GroupID string `json:"group_id,omitempty"`
}

// Verify runs one probe through the engine
func (h *VerifyHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.GroupID != "" {
		if h.scopes == nil {
			respondError(w, http.StatusBadRequest, "group_id is not supported: no scope database configured")
			return
		}
		members, err := h.scopes.ResolveScope(r.Context(), req.GroupID)
		if err != nil {
			h.logger.Error("Failed to resolve scope",
				zap.String("group_id", sanitizeForLog(req.GroupID)),
				zap.Error(err))
			respondError(w, http.StatusBadGateway, "failed to resolve group")
			return
		}
		req.Scope = append(req.Scope, members...)
	}

	if len(req.Scope) > constants.MaxScopeSize {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("scope exceeds %d identities", constants.MaxScopeSize))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	res, err := h.engine.Verify(ctx, req.ProbeRequest)
	switch {
	case errors.Is(err, consensus.ErrNoActiveConfig):
		respondError(w, http.StatusServiceUnavailable, "no active ensemble config")
		return
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "verification timed out")
		return
	case err != nil:
		h.logger.Error("Verification failed",
			zap.String("request_id", sanitizeForLog(req.RequestID)),
			zap.Error(err))
		respondError(w, http.StatusInternalServerError, "verification failed")
		return
	}

	respondJSON(w, http.StatusOK, res)
}
