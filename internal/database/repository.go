package database

import (
	"context"
)

// NeighborSearcher is the nearest-neighbor provider used by the per-model matcher.
type NeighborSearcher interface {
	// SearchScoped returns up to k neighbors for the probe, restricted to the
	// model's embeddings of identities in scope. Each identity appears at most
	// once (its best record) and results are ordered by descending similarity.
	SearchScoped(ctx context.Context, modelID string, probe []float32, scope []string, k int) ([]Neighbor, error)
}

// EnrollmentReader provides read access to enrolled embeddings
type EnrollmentReader interface {
	NeighborSearcher
	// GetByIdentity returns every record of an identity across models
	GetByIdentity(ctx context.Context, identityID string) ([]EmbeddingRecord, error)
	// GetAllByModel returns every record of one model, used to build HNSW indexes
	GetAllByModel(ctx context.Context, modelID string) ([]EmbeddingRecord, error)
	// Count returns the number of enrolled records
	Count(ctx context.Context) (int, error)
}

// EnrollmentWriter provides write access to enrolled embeddings
type EnrollmentWriter interface {
	EnrollmentReader

	// Save inserts a record and returns its id
	Save(ctx context.Context, rec *EmbeddingRecord) (int64, error)

	// DeleteIdentity removes every record of an identity.
	// Returns the deleted record IDs for HNSW cleanup.
	DeleteIdentity(ctx context.Context, identityID string) ([]int64, error)
}

// DecisionWriter stores audit records.
type DecisionWriter interface {
	SaveDecision(ctx context.Context, rec *DecisionRecord) error
}

// DecisionReader reads audit records back, returns nil if not found.
type DecisionReader interface {
	GetDecision(ctx context.Context, decisionID string) (*DecisionRecord, error)
	ListDecisionsByRequest(ctx context.Context, requestID string) ([]DecisionRecord, error)
}

// ScopeResolver expands a group (school, bus, kiosk) into the identity ids
// a probe may be matched against.
type ScopeResolver interface {
	ResolveScope(ctx context.Context, groupID string) ([]string, error)
}
