// Package consensus turns per-model nearest-neighbor results into one
// deterministic verification decision.
package consensus

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrModelUnavailable wraps a provider failure for one model. It never
	// fails a request; the model abstains instead.
	ErrModelUnavailable = errors.New("model unavailable")

	// ErrNoActiveConfig is returned when no ensemble config was activated.
	ErrNoActiveConfig = errors.New("no active ensemble config")
)

// Outcome is the terminal classification of a decision.
type Outcome string

const (
	OutcomeVerifiedHigh   Outcome = "VERIFIED_HIGH"
	OutcomeVerifiedMedium Outcome = "VERIFIED_MEDIUM"
	OutcomeFlagged        Outcome = "FLAGGED"
	OutcomeFailed         Outcome = "FAILED"
)

// Verified reports whether the outcome accepts the subject.
func (o Outcome) Verified() bool {
	return o == OutcomeVerifiedHigh || o == OutcomeVerifiedMedium
}

// AbstainReason explains why a model did not vote.
type AbstainReason string

const (
	AbstainNoVector          AbstainReason = "no_vector"
	AbstainDimensionMismatch AbstainReason = "dimension_mismatch"
	AbstainNoCandidates      AbstainReason = "no_candidates"
	AbstainUnavailable       AbstainReason = "unavailable"
	AbstainTimeout           AbstainReason = "timeout"
)

// MatchCandidate is one model's answer for one probe.
type MatchCandidate struct {
	ModelID         string        `json:"model_id"`
	IdentityID      string        `json:"identity_id"` // "" = no match
	RawScore        float64       `json:"raw_score"`
	CalibratedScore float64       `json:"calibrated_score"`
	Gap             *float64      `json:"gap"` // nil = no runner-up
	RunnerUpID      string        `json:"runner_up_id,omitempty"`
	RunnerUpScore   float64       `json:"runner_up_score,omitempty"` // calibrated
	Ambiguous       bool          `json:"ambiguous"`
	Abstained       bool          `json:"abstained"`
	AbstainReason   AbstainReason `json:"abstain_reason,omitempty"`
	Quality         float64       `json:"quality"`
}

// Voting reports whether the candidate casts a vote for an identity.
func (c MatchCandidate) Voting() bool {
	return !c.Abstained && c.IdentityID != ""
}

// Names reports whether the candidate ranked identityID first or second.
func (c MatchCandidate) Names(identityID string) bool {
	return identityID != "" && (c.IdentityID == identityID || c.RunnerUpID == identityID)
}

// ProbeRequest carries one pre-computed embedding per model and the
// identities the probe may match.
type ProbeRequest struct {
	RequestID string               `json:"request_id"`
	Vectors   map[string][]float32 `json:"vectors"`
	Scope     []string             `json:"scope"`
}

// ConsensusResult is the immutable decision for one ProbeRequest.
type ConsensusResult struct {
	DecisionID     uuid.UUID        `json:"decision_id"`
	RequestID      string           `json:"request_id,omitempty"`
	Candidates     []MatchCandidate `json:"candidates"`
	WinnerID       string           `json:"winner_id"`
	ConsensusCount int              `json:"consensus_count"`
	CombinedScore  float64          `json:"combined_score"`
	FastPathUsed   bool             `json:"fast_path_used"`
	Escalated      bool             `json:"escalated"`
	Ambiguous      bool             `json:"ambiguous"`
	Outcome        Outcome          `json:"outcome"`
	ConfigVersion  string           `json:"config_version"`
	Strategy       string           `json:"strategy"`
	DecidedAt      time.Time        `json:"decided_at"`
	DurationMs     int64            `json:"duration_ms"`
}

// Candidate returns the candidate of a model, if that model ran.
func (r *ConsensusResult) Candidate(modelID string) (MatchCandidate, bool) {
	for _, c := range r.Candidates {
		if c.ModelID == modelID {
			return c, true
		}
	}
	return MatchCandidate{}, false
}

// Abstentions counts candidates that did not vote because the model abstained.
func (r *ConsensusResult) Abstentions() int {
	n := 0
	for _, c := range r.Candidates {
		if c.Abstained {
			n++
		}
	}
	return n
}
