// Package mock provides mock implementations of database interfaces for testing.
package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kozaktomas/idverify/internal/database"
)

// MockSearcher is a mock database.NeighborSearcher returning canned neighbors per model.
type MockSearcher struct {
	mu        sync.Mutex
	neighbors map[string][]database.Neighbor
	calls     map[string]int

	// Error injection per model
	Errors map[string]error
	// Delays per model, honoring context cancellation
	Delays map[string]time.Duration
}

// NewMockSearcher creates a new mock searcher
func NewMockSearcher() *MockSearcher {
	return &MockSearcher{
		neighbors: make(map[string][]database.Neighbor),
		calls:     make(map[string]int),
		Errors:    make(map[string]error),
		Delays:    make(map[string]time.Duration),
	}
}

// SetNeighbors sets the ranked result of a model from identity/similarity pairs.
func (m *MockSearcher) SetNeighbors(modelID string, hits ...Hit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]database.Neighbor, len(hits))
	for i, h := range hits {
		out[i] = database.Neighbor{
			Record: database.EmbeddingRecord{
				ID:         int64(i + 1),
				IdentityID: h.IdentityID,
				ModelID:    modelID,
				Quality:    h.Quality,
			},
			Similarity: h.Similarity,
		}
	}
	m.neighbors[modelID] = out
}

// Hit is a shorthand for building neighbors
type Hit struct {
	IdentityID string
	Similarity float64
	Quality    float64
}

// Calls returns how many times a model was searched
func (m *MockSearcher) Calls(modelID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[modelID]
}

// TotalCalls returns the number of searches across all models
func (m *MockSearcher) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.calls {
		total += n
	}
	return total
}

// SearchScoped returns the canned neighbors of modelID filtered by scope
func (m *MockSearcher) SearchScoped(ctx context.Context, modelID string, probe []float32, scope []string, k int) ([]database.Neighbor, error) {
	m.mu.Lock()
	m.calls[modelID]++
	delay := m.Delays[modelID]
	err := m.Errors[modelID]
	canned := m.neighbors[modelID]
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	allowed := make(map[string]struct{}, len(scope))
	for _, id := range scope {
		allowed[id] = struct{}{}
	}
	var out []database.Neighbor
	for _, n := range canned {
		if _, ok := allowed[n.Record.IdentityID]; !ok {
			continue
		}
		out = append(out, n)
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// MockEnrollmentStore is a mock implementation of database.EnrollmentWriter
// backed by an exact in-memory HNSW index set.
type MockEnrollmentStore struct {
	mu      sync.RWMutex
	records map[int64]database.EmbeddingRecord
	nextID  int64
	indexes *database.HNSWIndexSet

	// Error injection
	SaveError   error
	SearchError error
	DeleteError error
}

// NewMockEnrollmentStore creates a new mock enrollment store
func NewMockEnrollmentStore() *MockEnrollmentStore {
	return &MockEnrollmentStore{
		records: make(map[int64]database.EmbeddingRecord),
		indexes: database.NewHNSWIndexSet(),
	}
}

// Save stores a record and returns its assigned id
func (m *MockEnrollmentStore) Save(ctx context.Context, rec *database.EmbeddingRecord) (int64, error) {
	if m.SaveError != nil {
		return 0, m.SaveError
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	stored := *rec
	stored.ID = m.nextID
	stored.IdentityID = database.NormalizeIdentityID(stored.IdentityID)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	if err := m.indexes.Index(stored.ModelID).Add(stored); err != nil {
		m.nextID--
		return 0, err
	}
	m.records[stored.ID] = stored
	return stored.ID, nil
}

// DeleteIdentity removes every record of an identity
func (m *MockEnrollmentStore) DeleteIdentity(ctx context.Context, identityID string) ([]int64, error) {
	if m.DeleteError != nil {
		return nil, m.DeleteError
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	identityID = database.NormalizeIdentityID(identityID)
	var deleted []int64
	for id, rec := range m.records {
		if rec.IdentityID == identityID {
			deleted = append(deleted, id)
			delete(m.records, id)
		}
	}
	m.indexes.DeleteIdentity(identityID)
	sort.Slice(deleted, func(i, j int) bool { return deleted[i] < deleted[j] })
	return deleted, nil
}

// SearchScoped searches the in-memory indexes
func (m *MockEnrollmentStore) SearchScoped(ctx context.Context, modelID string, probe []float32, scope []string, k int) ([]database.Neighbor, error) {
	if m.SearchError != nil {
		return nil, m.SearchError
	}
	return m.indexes.SearchScoped(ctx, modelID, probe, scope, k)
}

// GetByIdentity returns every record of an identity ordered by id
func (m *MockEnrollmentStore) GetByIdentity(ctx context.Context, identityID string) ([]database.EmbeddingRecord, error) {
	identityID = database.NormalizeIdentityID(identityID)
	return m.filter(func(r database.EmbeddingRecord) bool { return r.IdentityID == identityID }), nil
}

// GetAllByModel returns every record of a model ordered by id
func (m *MockEnrollmentStore) GetAllByModel(ctx context.Context, modelID string) ([]database.EmbeddingRecord, error) {
	return m.filter(func(r database.EmbeddingRecord) bool { return r.ModelID == modelID }), nil
}

// Count returns the number of stored records
func (m *MockEnrollmentStore) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}

func (m *MockEnrollmentStore) filter(keep func(database.EmbeddingRecord) bool) []database.EmbeddingRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []database.EmbeddingRecord
	for _, rec := range m.records {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MockDecisionStore is a mock implementation of database.DecisionStore
type MockDecisionStore struct {
	mu        sync.RWMutex
	decisions map[string]database.DecisionRecord
	order     []string

	// Error injection
	SaveError error
	GetError  error
}

// NewMockDecisionStore creates a new mock decision store
func NewMockDecisionStore() *MockDecisionStore {
	return &MockDecisionStore{decisions: make(map[string]database.DecisionRecord)}
}

// SaveDecision records a decision
func (m *MockDecisionStore) SaveDecision(ctx context.Context, rec *database.DecisionRecord) error {
	if m.SaveError != nil {
		return m.SaveError
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.decisions[rec.DecisionID]; !exists {
		m.order = append(m.order, rec.DecisionID)
	}
	m.decisions[rec.DecisionID] = *rec
	return nil
}

// GetDecision returns a decision or nil if not found
func (m *MockDecisionStore) GetDecision(ctx context.Context, decisionID string) (*database.DecisionRecord, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.decisions[decisionID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// ListDecisionsByRequest returns the decisions of a request in save order
func (m *MockDecisionStore) ListDecisionsByRequest(ctx context.Context, requestID string) ([]database.DecisionRecord, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []database.DecisionRecord
	for _, id := range m.order {
		if rec := m.decisions[id]; rec.RequestID == requestID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Len returns the number of stored decisions
func (m *MockDecisionStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.decisions)
}

// MockScopeResolver is a mock implementation of database.ScopeResolver
type MockScopeResolver struct {
	Groups       map[string][]string
	ResolveError error
}

// ResolveScope returns the configured identities of a group
func (m *MockScopeResolver) ResolveScope(ctx context.Context, groupID string) ([]string, error) {
	if m.ResolveError != nil {
		return nil, m.ResolveError
	}
	return append([]string(nil), m.Groups[groupID]...), nil
}
