package database

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/coder/hnsw"
)

// ErrDimensionMismatch is returned when a probe does not match the index dimension.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// HNSWIndexMetadata stores metadata for validating cached HNSW indexes.
type HNSWIndexMetadata struct {
	ModelID     string    `json:"model_id"`
	Dim         int       `json:"dim"`
	RecordCount int64     `json:"record_count"`
	MaxRecordID int64     `json:"max_record_id"`
	BuildTime   time.Time `json:"build_time"`
	Version     int       `json:"version"`
}

const hnswMetadataVersion = 2

// HNSWIndex wraps the HNSW graph of one model's enrolled embeddings.
type HNSWIndex struct {
	modelID    string
	dim        int
	graph      *hnsw.Graph[int64]
	records    map[int64]*EmbeddingRecord // Maps HNSW node ID to record
	byIdentity map[string][]int64
	mu         sync.RWMutex
}

// NewHNSWIndex creates a new empty HNSW index for a model.
func NewHNSWIndex(modelID string) *HNSWIndex {
	return &HNSWIndex{
		modelID:    modelID,
		records:    make(map[int64]*EmbeddingRecord),
		byIdentity: make(map[string][]int64),
	}
}

func newGraph() *hnsw.Graph[int64] {
	g := hnsw.NewGraph[int64]()
	g.M = HNSWMaxNeighbors
	g.Ml = 1.0 / float64(HNSWMaxNeighbors) // Standard HNSW formula
	g.EfSearch = HNSWEfSearch
	g.Distance = hnsw.CosineDistance
	return g
}

// ModelID returns the model the index belongs to.
func (h *HNSWIndex) ModelID() string {
	return h.modelID
}

// Build replaces the index contents with records.
// Records of other models or with a dimension different from the first record are skipped.
func (h *HNSWIndex) Build(records []EmbeddingRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.graph = nil
	h.dim = 0
	h.records = make(map[int64]*EmbeddingRecord, len(records))
	h.byIdentity = make(map[string][]int64)

	if len(records) == 0 {
		return nil
	}

	g := newGraph()
	for i := range records {
		rec := &records[i]
		if !h.accept(rec) {
			continue
		}
		g.Add(hnsw.MakeNode(rec.ID, rec.Vector))
		h.track(rec)
	}
	if len(h.records) > 0 {
		h.graph = g
	}
	return nil
}

// accept reports whether rec can live in this index. Caller holds the lock.
func (h *HNSWIndex) accept(rec *EmbeddingRecord) bool {
	if len(rec.Vector) == 0 || rec.ModelID != h.modelID {
		return false
	}
	if h.dim == 0 {
		h.dim = len(rec.Vector)
	}
	return len(rec.Vector) == h.dim
}

func (h *HNSWIndex) track(rec *EmbeddingRecord) {
	rec.IdentityID = NormalizeIdentityID(rec.IdentityID)
	h.records[rec.ID] = rec
	h.byIdentity[rec.IdentityID] = append(h.byIdentity[rec.IdentityID], rec.ID)
}

// Add adds a single record to the index.
func (h *HNSWIndex) Add(rec EmbeddingRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if rec.ModelID != h.modelID {
		return fmt.Errorf("record model %q does not belong to index %q", rec.ModelID, h.modelID)
	}
	if len(rec.Vector) == 0 {
		return nil
	}
	if h.dim != 0 && len(rec.Vector) != h.dim {
		return fmt.Errorf("%w: record has %d, index has %d", ErrDimensionMismatch, len(rec.Vector), h.dim)
	}
	if _, exists := h.records[rec.ID]; exists {
		return nil
	}
	h.accept(&rec)

	if h.graph == nil {
		h.graph = newGraph()
	}
	h.graph.Add(hnsw.MakeNode(rec.ID, rec.Vector))
	h.track(&rec)
	return nil
}

// DeleteIdentity removes every record of an identity.
func (h *HNSWIndex) DeleteIdentity(identityID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, id := range h.byIdentity[NormalizeIdentityID(identityID)] {
		h.forget(id)
	}
}

func (h *HNSWIndex) forget(id int64) {
	rec, ok := h.records[id]
	if !ok {
		return
	}
	delete(h.records, id)
	// HNSW doesn't support true deletion, removing the record from the map
	// removes it from search results since results are filtered by lookup.
	ids := h.byIdentity[rec.IdentityID]
	for i, other := range ids {
		if other == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(h.byIdentity, rec.IdentityID)
	} else {
		h.byIdentity[rec.IdentityID] = ids
	}
}

// Count returns the number of indexed records.
func (h *HNSWIndex) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.records)
}

// Dim returns the embedding dimension, 0 when empty.
func (h *HNSWIndex) Dim() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dim
}

// IsEmpty returns true if the index has no graph data loaded.
func (h *HNSWIndex) IsEmpty() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.graph == nil
}

// Search returns up to k neighbors restricted to identities in scope, one per
// identity, ordered by descending similarity then identity id.
func (h *HNSWIndex) Search(probe []float32, scope []string, k int) ([]Neighbor, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if k <= 0 || len(scope) == 0 || len(h.records) == 0 {
		return nil, nil
	}
	if len(probe) != h.dim {
		return nil, fmt.Errorf("%w: probe has %d, index %q has %d", ErrDimensionMismatch, len(probe), h.modelID, h.dim)
	}

	allowed := make(map[string]struct{}, len(scope))
	scoped := 0
	for _, id := range scope {
		id = NormalizeIdentityID(id)
		if _, dup := allowed[id]; dup {
			continue
		}
		allowed[id] = struct{}{}
		scoped += len(h.byIdentity[id])
	}
	if scoped == 0 {
		return nil, nil
	}

	var best map[string]Neighbor
	if h.graph == nil || scoped <= BruteForceScopeLimit {
		best = h.scan(probe, allowed)
	} else {
		best = h.graphSearch(probe, allowed, k)
	}

	return rankNeighbors(best, k), nil
}

// scan computes exact similarities against every in-scope record.
func (h *HNSWIndex) scan(probe []float32, allowed map[string]struct{}) map[string]Neighbor {
	best := make(map[string]Neighbor, len(allowed))
	for identity := range allowed {
		for _, id := range h.byIdentity[identity] {
			rec := h.records[id]
			keepBest(best, rec, CosineSimilarity(probe, rec.Vector))
		}
	}
	return best
}

// graphSearch queries the HNSW graph, widening the candidate pool until k
// in-scope identities are found or the graph is exhausted.
func (h *HNSWIndex) graphSearch(probe []float32, allowed map[string]struct{}, k int) map[string]Neighbor {
	pool := max(k*HNSWSearchMultiplier, HNSWMinCandidates)
	total := h.graph.Len()

	var best map[string]Neighbor
	for range HNSWMaxExpansions + 1 {
		best = make(map[string]Neighbor, k)
		for _, node := range h.graph.Search(probe, pool) {
			rec, ok := h.records[node.Key]
			if !ok {
				continue
			}
			if _, in := allowed[rec.IdentityID]; !in {
				continue
			}
			keepBest(best, rec, CosineSimilarity(probe, node.Value))
		}
		if len(best) >= k || pool >= total {
			break
		}
		pool *= 4
	}
	return best
}

func keepBest(best map[string]Neighbor, rec *EmbeddingRecord, similarity float64) {
	if cur, ok := best[rec.IdentityID]; ok && cur.Similarity >= similarity {
		return
	}
	best[rec.IdentityID] = Neighbor{Record: *rec, Similarity: similarity}
}

// rankNeighbors orders by descending similarity, ties broken by identity id.
func rankNeighbors(best map[string]Neighbor, k int) []Neighbor {
	out := make([]Neighbor, 0, len(best))
	for _, n := range best {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].Record.IdentityID < out[j].Record.IdentityID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// SaveWithRecordMetadata persists the graph, a .meta file for staleness
// detection, and a .records file so startup needs no database scan.
func (h *HNSWIndex) SaveWithRecordMetadata(path string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.graph == nil {
		// Remove existing files if index is empty (best-effort cleanup).
		_ = os.Remove(path)
		_ = os.Remove(path + ".meta")
		_ = os.Remove(path + ".records")
		return nil
	}

	f, err := os.Create(path) //nolint:gosec // path is from trusted config
	if err != nil {
		return fmt.Errorf("failed to create HNSW index file: %w", err)
	}
	if err := h.graph.Export(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to export HNSW graph: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close HNSW index file: %w", err)
	}

	records := make([]EmbeddingRecord, 0, len(h.records))
	metadata := HNSWIndexMetadata{
		ModelID:   h.modelID,
		Dim:       h.dim,
		BuildTime: time.Now(),
		Version:   hnswMetadataVersion,
	}
	for id, rec := range h.records {
		records = append(records, *rec)
		metadata.MaxRecordID = max(metadata.MaxRecordID, id)
	}
	metadata.RecordCount = int64(len(records))

	metaData, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(path+".meta", metaData, 0600); err != nil {
		return fmt.Errorf("failed to write metadata file: %w", err)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(records); err != nil {
		return fmt.Errorf("failed to encode records: %w", err)
	}
	if err := os.WriteFile(path+".records", buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write records file: %w", err)
	}
	return nil
}

// LoadHNSWMetadata loads metadata from a separate .meta file.
func LoadHNSWMetadata(path string) (HNSWIndexMetadata, error) {
	var metadata HNSWIndexMetadata

	data, err := os.ReadFile(path + ".meta") //nolint:gosec // path is from trusted config
	if err != nil {
		return metadata, fmt.Errorf("failed to read metadata file: %w", err)
	}
	if err := json.Unmarshal(data, &metadata); err != nil {
		return metadata, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return metadata, nil
}

// LoadWithRecordMetadata loads the graph and its records from disk.
func (h *HNSWIndex) LoadWithRecordMetadata(path string) error {
	metadata, err := LoadHNSWMetadata(path)
	if err != nil {
		return err
	}
	if metadata.Version != hnswMetadataVersion {
		return fmt.Errorf("HNSW index %s has version %d, want %d", path, metadata.Version, hnswMetadataVersion)
	}
	if metadata.ModelID != h.modelID {
		return fmt.Errorf("HNSW index %s belongs to model %q, not %q", path, metadata.ModelID, h.modelID)
	}

	saved, err := hnsw.LoadSavedGraph[int64](path)
	if err != nil {
		return fmt.Errorf("failed to load HNSW index: %w", err)
	}

	data, err := os.ReadFile(path + ".records") //nolint:gosec // path is from trusted config
	if err != nil {
		return fmt.Errorf("failed to read records file: %w", err)
	}
	var records []EmbeddingRecord
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&records); err != nil {
		return fmt.Errorf("failed to decode records: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.graph = saved.Graph
	h.dim = metadata.Dim
	h.records = make(map[int64]*EmbeddingRecord, len(records))
	h.byIdentity = make(map[string][]int64)
	for i := range records {
		h.track(&records[i])
	}
	return nil
}

// HNSWIndexSet holds one HNSW index per model and serves scoped searches.
type HNSWIndexSet struct {
	indexes map[string]*HNSWIndex
	mu      sync.RWMutex
}

// NewHNSWIndexSet creates an empty index set.
func NewHNSWIndexSet() *HNSWIndexSet {
	return &HNSWIndexSet{indexes: make(map[string]*HNSWIndex)}
}

// Index returns the index of a model, creating an empty one if needed.
func (s *HNSWIndexSet) Index(modelID string) *HNSWIndex {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.indexes[modelID]
	if !ok {
		idx = NewHNSWIndex(modelID)
		s.indexes[modelID] = idx
	}
	return idx
}

// Put installs idx as the index of its model, replacing any previous one.
func (s *HNSWIndexSet) Put(idx *HNSWIndex) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexes[idx.ModelID()] = idx
}

// Lookup returns the index of a model if one exists.
func (s *HNSWIndexSet) Lookup(modelID string) (*HNSWIndex, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.indexes[modelID]
	return idx, ok
}

// Models returns the model ids with an index, sorted.
func (s *HNSWIndexSet) Models() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.indexes))
	for id := range s.indexes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the total number of indexed records.
func (s *HNSWIndexSet) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, idx := range s.indexes {
		total += idx.Count()
	}
	return total
}

// DeleteIdentity removes an identity from every model index.
func (s *HNSWIndexSet) DeleteIdentity(identityID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, idx := range s.indexes {
		idx.DeleteIdentity(identityID)
	}
}

// SearchScoped implements NeighborSearcher. A model without an index has no
// enrollments and yields no neighbors.
func (s *HNSWIndexSet) SearchScoped(ctx context.Context, modelID string, probe []float32, scope []string, k int) ([]Neighbor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	idx, ok := s.Lookup(modelID)
	if !ok {
		return nil, nil
	}
	return idx.Search(probe, scope, k)
}

// IndexPath returns the graph file path of a model inside dir.
func IndexPath(dir, modelID string) string {
	return filepath.Join(dir, modelID+".hnsw")
}

// Save writes every model index into dir.
func (s *HNSWIndexSet) Save(dir string) error {
	if dir == "" {
		return nil // No path set
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create HNSW directory: %w", err)
	}
	for _, modelID := range s.Models() {
		idx, _ := s.Lookup(modelID)
		if err := idx.SaveWithRecordMetadata(IndexPath(dir, modelID)); err != nil {
			return fmt.Errorf("saving index for model %s: %w", modelID, err)
		}
	}
	return nil
}

// Load reads the indexes of the given models from dir. Models without a
// saved index are returned in missing so the caller can rebuild them.
func (s *HNSWIndexSet) Load(dir string, modelIDs []string) (missing []string, err error) {
	for _, modelID := range modelIDs {
		path := IndexPath(dir, modelID)
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
			missing = append(missing, modelID)
			continue
		}
		idx := NewHNSWIndex(modelID)
		if err := idx.LoadWithRecordMetadata(path); err != nil {
			return nil, fmt.Errorf("loading index for model %s: %w", modelID, err)
		}
		s.Put(idx)
	}
	return missing, nil
}
