package database

// HNSW index parameters for per-model enrollment embeddings
const (
	// HNSWMaxNeighbors (M) is the maximum number of neighbors per node.
	// Higher values improve recall but increase memory and build time.
	HNSWMaxNeighbors = 16

	// HNSWEfSearch is the search candidate pool size.
	// Higher values improve recall but slow down search.
	HNSWEfSearch = 100

	// HNSWSearchMultiplier is the factor to request more candidates from HNSW
	// to ensure we have enough distinct in-scope identities after filtering.
	HNSWSearchMultiplier = 3

	// HNSWMinCandidates is the smallest candidate pool requested from the graph.
	HNSWMinCandidates = 100

	// HNSWMaxExpansions bounds how many times a search widens its pool
	// when too few in-scope identities were found.
	HNSWMaxExpansions = 3

	// BruteForceScopeLimit is the scoped record count below which an exact
	// scan beats graph search.
	BruteForceScopeLimit = 2048
)
