package database

import (
	"encoding/json"
	"time"
)

// EmbeddingRecord is one enrolled embedding of one identity for one model.
// The enrollment store owns these rows; the engine only reads them.
type EmbeddingRecord struct {
	ID         int64
	IdentityID string
	ModelID    string
	Vector     []float32
	Quality    float64
	CreatedAt  time.Time
}

// Neighbor is one search hit: the best-scoring record of a distinct identity.
type Neighbor struct {
	Record     EmbeddingRecord
	Similarity float64 // raw cosine similarity in [-1, 1]
}

// DecisionRecord is the audit row stored for every consensus decision.
type DecisionRecord struct {
	DecisionID     string
	RequestID      string
	ConfigVersion  string
	Strategy       string
	WinnerID       string
	Outcome        string
	ConsensusCount int
	CombinedScore  float64
	FastPathUsed   bool
	Escalated      bool
	Ambiguous      bool
	Candidates     json.RawMessage // per-model MatchCandidate list
	DecidedAt      time.Time
	DurationMs     int64
}
