package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/kozaktomas/idverify/internal/database"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
)

// EnrollmentRepository provides PostgreSQL-backed enrollment storage with
// optional in-memory per-model HNSW indexes.
type EnrollmentRepository struct {
	pool          *Pool
	logger        *zap.Logger
	indexes       *database.HNSWIndexSet
	hnswEnabled   bool
	hnswIndexPath string // Directory to persist HNSW indexes (optional)
	hnswModels    []string
	hnswMu        sync.RWMutex

	// While a rebuild runs, writes are journaled and replayed onto the new
	// index set before it is swapped in.
	hnswBuilding int
	hnswPending  []indexChange
}

// indexChange is a write made while an index rebuild was in progress.
type indexChange struct {
	add            *database.EmbeddingRecord
	deleteIdentity string
}

// apply writes c to set. Records of models without an index are skipped so
// those models keep falling back to PostgreSQL.
func (c indexChange) apply(set *database.HNSWIndexSet) error {
	if c.add == nil {
		set.DeleteIdentity(c.deleteIdentity)
		return nil
	}
	idx, ok := set.Lookup(c.add.ModelID)
	if !ok {
		return nil
	}
	return idx.Add(*c.add)
}

// recordChange applies c to the live indexes and journals it for any
// rebuild in progress.
func (r *EnrollmentRepository) recordChange(c indexChange) error {
	r.hnswMu.Lock()
	defer r.hnswMu.Unlock()
	if r.hnswBuilding > 0 {
		r.hnswPending = append(r.hnswPending, c)
	}
	if !r.hnswEnabled || r.indexes == nil {
		return nil
	}
	return c.apply(r.indexes)
}

// NewEnrollmentRepository creates a new PostgreSQL enrollment repository.
func NewEnrollmentRepository(pool *Pool, logger *zap.Logger) *EnrollmentRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EnrollmentRepository{pool: pool, logger: logger}
}

const enrollmentColumns = `id, identity_id, model_id, embedding, quality, created_at`

// Save inserts a record and returns its id. The HNSW index of the model is
// updated in place when enabled.
func (r *EnrollmentRepository) Save(ctx context.Context, rec *database.EmbeddingRecord) (int64, error) {
	if len(rec.Vector) == 0 {
		return 0, fmt.Errorf("enrollment for %s/%s has no vector", rec.IdentityID, rec.ModelID)
	}
	identityID := database.NormalizeIdentityID(rec.IdentityID)

	var id int64
	err := r.pool.QueryRow(ctx, `
		INSERT INTO enrollment_embeddings (identity_id, model_id, embedding, dim, quality)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, identityID, rec.ModelID, pgvector.NewVector(rec.Vector), len(rec.Vector), rec.Quality).Scan(&id, &rec.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert enrollment: %w", err)
	}
	rec.ID = id
	rec.IdentityID = identityID

	added := *rec
	if err := r.recordChange(indexChange{add: &added}); err != nil {
		r.logger.Warn("enrollment not added to HNSW index",
			zap.Int64("id", id), zap.String("model", rec.ModelID), zap.Error(err))
	}
	return id, nil
}

// DeleteIdentity removes every record of an identity.
// Returns the deleted record IDs for HNSW cleanup.
func (r *EnrollmentRepository) DeleteIdentity(ctx context.Context, identityID string) ([]int64, error) {
	identityID = database.NormalizeIdentityID(identityID)

	rows, err := r.pool.Query(ctx, "DELETE FROM enrollment_embeddings WHERE identity_id = $1 RETURNING id", identityID)
	if err != nil {
		return nil, fmt.Errorf("delete enrollments: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan deleted ID: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deleted IDs: %w", err)
	}

	_ = r.recordChange(indexChange{deleteIdentity: identityID})
	return ids, nil
}

// GetByIdentity returns every record of an identity across models.
func (r *EnrollmentRepository) GetByIdentity(ctx context.Context, identityID string) ([]database.EmbeddingRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+enrollmentColumns+`
		FROM enrollment_embeddings
		WHERE identity_id = $1
		ORDER BY model_id, id
	`, database.NormalizeIdentityID(identityID))
	if err != nil {
		return nil, fmt.Errorf("query enrollments by identity: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// GetAllByModel returns every record of one model ordered by id.
func (r *EnrollmentRepository) GetAllByModel(ctx context.Context, modelID string) ([]database.EmbeddingRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+enrollmentColumns+`
		FROM enrollment_embeddings
		WHERE model_id = $1
		ORDER BY id
	`, modelID)
	if err != nil {
		return nil, fmt.Errorf("query enrollments by model: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Count returns the total number of enrolled records.
func (r *EnrollmentRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM enrollment_embeddings").Scan(&count); err != nil {
		return 0, fmt.Errorf("count enrollments: %w", err)
	}
	return count, nil
}

// SearchScoped finds the best record of each in-scope identity for the probe.
// Uses the in-memory HNSW index of the model if enabled, otherwise falls back to PostgreSQL.
func (r *EnrollmentRepository) SearchScoped(
	ctx context.Context, modelID string, probe []float32, scope []string, k int,
) ([]database.Neighbor, error) {
	scope = database.NormalizeScope(scope)
	if k <= 0 || len(scope) == 0 {
		return nil, nil
	}

	r.hnswMu.RLock()
	var idx *database.HNSWIndex
	if r.hnswEnabled && r.indexes != nil {
		idx, _ = r.indexes.Lookup(modelID)
	}
	r.hnswMu.RUnlock()

	if idx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		neighbors, err := idx.Search(probe, scope, k)
		if err != nil {
			return nil, fmt.Errorf("HNSW search: %w", err)
		}
		return neighbors, nil
	}

	return r.searchScopedPostgres(ctx, modelID, probe, scope, k)
}

// searchScopedPostgres ranks identities with pgvector, keeping one row per identity.
func (r *EnrollmentRepository) searchScopedPostgres(
	ctx context.Context, modelID string, probe []float32, scope []string, k int,
) ([]database.Neighbor, error) {
	tx, err := r.pool.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Set ef_search to match the in-memory HNSW configuration.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", database.HNSWEfSearch)); err != nil {
		return nil, fmt.Errorf("set ef_search: %w", err)
	}

	query := `
		SELECT id, identity_id, model_id, embedding, quality, created_at, distance
		FROM (
			SELECT DISTINCT ON (identity_id) ` + enrollmentColumns + `,
			       embedding <=> $1::vector AS distance
			FROM enrollment_embeddings
			WHERE model_id = $2 AND identity_id = ANY($3) AND dim = $4
			ORDER BY identity_id, distance
		) best
		ORDER BY distance, identity_id
		LIMIT $5
	`

	rows, err := tx.QueryContext(ctx, query, pgvector.NewVector(probe), modelID, pq.Array(scope), len(probe), k)
	if err != nil {
		return nil, fmt.Errorf("query scoped neighbors: %w", err)
	}
	defer rows.Close()

	var neighbors []database.Neighbor
	for rows.Next() {
		var dist float64
		rec, err := scanRecordRow(rows, &dist)
		if err != nil {
			return nil, err
		}
		neighbors = append(neighbors, database.Neighbor{Record: rec, Similarity: 1 - dist})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate neighbors: %w", err)
	}
	return neighbors, nil
}

// scanRecordRow scans a single row into an EmbeddingRecord, with optional
// extra scan destinations appended after the standard columns.
func scanRecordRow(scanner interface{ Scan(...any) error }, extraDest ...any) (database.EmbeddingRecord, error) {
	var rec database.EmbeddingRecord
	var vec pgvector.Vector

	dest := make([]any, 0, 6+len(extraDest))
	dest = append(dest, &rec.ID, &rec.IdentityID, &rec.ModelID, &vec, &rec.Quality, &rec.CreatedAt)
	dest = append(dest, extraDest...)

	if err := scanner.Scan(dest...); err != nil {
		return rec, fmt.Errorf("scan enrollment: %w", err)
	}
	rec.Vector = vec.Slice()
	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]database.EmbeddingRecord, error) {
	var records []database.EmbeddingRecord
	for rows.Next() {
		rec, err := scanRecordRow(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate enrollments: %w", err)
	}
	return records, nil
}

// modelStats returns the record count and max id of one model for staleness checks.
func (r *EnrollmentRepository) modelStats(ctx context.Context, modelID string) (count, maxID int64, err error) {
	err = r.pool.QueryRow(ctx,
		"SELECT COUNT(*), COALESCE(MAX(id), 0) FROM enrollment_embeddings WHERE model_id = $1", modelID,
	).Scan(&count, &maxID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get enrollment stats: %w", err)
	}
	return count, maxID, nil
}

// tryLoadModelIndex attempts to load a model's HNSW index from indexPath.
// Returns nil if the cached index is missing or stale.
func (r *EnrollmentRepository) tryLoadModelIndex(ctx context.Context, indexPath, modelID string) *database.HNSWIndex {
	path := database.IndexPath(indexPath, modelID)
	log := r.logger.With(zap.String("model", modelID), zap.String("path", path))

	metadata, err := database.LoadHNSWMetadata(path)
	if err != nil {
		log.Info("HNSW index metadata unavailable, will rebuild", zap.Error(err))
		return nil
	}
	count, maxID, err := r.modelStats(ctx, modelID)
	if err != nil {
		log.Warn("HNSW staleness check failed, will rebuild", zap.Error(err))
		return nil
	}
	if metadata.RecordCount != count || metadata.MaxRecordID != maxID {
		log.Info("HNSW index stale, will rebuild",
			zap.Int64("db_count", count), zap.Int64("db_max_id", maxID),
			zap.Int64("cached_count", metadata.RecordCount), zap.Int64("cached_max_id", metadata.MaxRecordID))
		return nil
	}

	idx := database.NewHNSWIndex(modelID)
	if err := idx.LoadWithRecordMetadata(path); err != nil {
		log.Warn("HNSW index load failed, will rebuild", zap.Error(err))
		return nil
	}
	if idx.IsEmpty() {
		return nil
	}
	log.Info("HNSW index loaded from disk", zap.Int("records", idx.Count()))
	return idx
}

// EnableHNSW loads or builds an in-memory HNSW index per model.
// If indexPath is provided, fresh indexes are loaded from disk and rebuilt ones saved.
// The indexes are built without holding the lock, so searches keep using the
// previous set until the new one is swapped in.
func (r *EnrollmentRepository) EnableHNSW(ctx context.Context, indexPath string, modelIDs []string) error {
	r.beginBuild()
	set, err := r.buildIndexSet(ctx, indexPath, modelIDs)
	r.finishBuild(indexPath, modelIDs, set)
	if err != nil {
		return err
	}

	if indexPath != "" {
		if err := set.Save(indexPath); err != nil {
			r.logger.Warn("failed to save HNSW indexes to disk", zap.Error(err))
		}
	}
	return nil
}

func (r *EnrollmentRepository) beginBuild() {
	r.hnswMu.Lock()
	defer r.hnswMu.Unlock()
	r.hnswBuilding++
}

// finishBuild replays the journal onto set and swaps it in. A nil set ends a
// failed build and leaves the live indexes untouched.
func (r *EnrollmentRepository) finishBuild(indexPath string, modelIDs []string, set *database.HNSWIndexSet) {
	r.hnswMu.Lock()
	defer r.hnswMu.Unlock()

	pending := r.hnswPending
	r.hnswBuilding--
	if r.hnswBuilding == 0 {
		r.hnswPending = nil
	}
	if set == nil {
		return
	}

	for _, c := range pending {
		if err := c.apply(set); err != nil {
			r.logger.Warn("journaled enrollment not applied to rebuilt HNSW index", zap.Error(err))
		}
	}
	r.hnswIndexPath = indexPath
	r.hnswModels = append([]string(nil), modelIDs...)
	r.indexes = set
	r.hnswEnabled = true
}

func (r *EnrollmentRepository) buildIndexSet(ctx context.Context, indexPath string, modelIDs []string) (*database.HNSWIndexSet, error) {
	set := database.NewHNSWIndexSet()
	for _, modelID := range modelIDs {
		if indexPath != "" {
			if idx := r.tryLoadModelIndex(ctx, indexPath, modelID); idx != nil {
				set.Put(idx)
				continue
			}
		}

		records, err := r.GetAllByModel(ctx, modelID)
		if err != nil {
			return nil, fmt.Errorf("failed to load enrollments for %s: %w", modelID, err)
		}
		if err := set.Index(modelID).Build(records); err != nil {
			return nil, fmt.Errorf("failed to build HNSW index for %s: %w", modelID, err)
		}
		r.logger.Info("HNSW index built", zap.String("model", modelID), zap.Int("records", len(records)))
	}
	return set, nil
}

// DisableHNSW disables the in-memory indexes, falling back to PostgreSQL queries.
func (r *EnrollmentRepository) DisableHNSW() {
	r.hnswMu.Lock()
	defer r.hnswMu.Unlock()
	r.hnswEnabled = false
	r.indexes = nil
}

// IsHNSWEnabled returns whether the in-memory HNSW indexes are enabled.
func (r *EnrollmentRepository) IsHNSWEnabled() bool {
	r.hnswMu.RLock()
	defer r.hnswMu.RUnlock()
	return r.hnswEnabled && r.indexes != nil
}

// HNSWCount returns the number of records across the HNSW indexes.
func (r *EnrollmentRepository) HNSWCount() int {
	r.hnswMu.RLock()
	defer r.hnswMu.RUnlock()
	if r.indexes == nil {
		return 0
	}
	return r.indexes.Count()
}

// RebuildHNSW rebuilds the HNSW indexes from PostgreSQL data. An empty
// modelIDs rebuilds the models enabled at startup.
func (r *EnrollmentRepository) RebuildHNSW(ctx context.Context, modelIDs []string) error {
	r.hnswMu.RLock()
	indexPath := r.hnswIndexPath
	if len(modelIDs) == 0 {
		modelIDs = r.hnswModels
	}
	r.hnswMu.RUnlock()
	return r.EnableHNSW(ctx, indexPath, modelIDs)
}

// SaveHNSWIndex saves the current HNSW indexes to disk (if path configured).
func (r *EnrollmentRepository) SaveHNSWIndex() error {
	r.hnswMu.RLock()
	defer r.hnswMu.RUnlock()

	if r.hnswIndexPath == "" || r.indexes == nil {
		return nil // No path configured or no index to save
	}
	if err := r.indexes.Save(r.hnswIndexPath); err != nil {
		return fmt.Errorf("saving HNSW enrollment indexes: %w", err)
	}
	r.logger.Info("HNSW indexes saved", zap.String("path", r.hnswIndexPath), zap.Int("records", r.indexes.Count()))
	return nil
}
