package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kozaktomas/idverify/internal/ensemble"
)

// EnsembleRepository persists ensemble configs with a single active row.
// It implements ensemble.Store.
type EnsembleRepository struct {
	pool *Pool
}

// NewEnsembleRepository creates a new PostgreSQL ensemble config repository.
func NewEnsembleRepository(pool *Pool) *EnsembleRepository {
	return &EnsembleRepository{pool: pool}
}

// SaveActive stores cfg and marks it the only active version in one transaction.
// A version that already exists with a different document is rejected.
func (r *EnsembleRepository) SaveActive(ctx context.Context, cfg *ensemble.Config) error {
	doc, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal ensemble config: %w", err)
	}

	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "UPDATE ensemble_configs SET active = FALSE WHERE active"); err != nil {
		return fmt.Errorf("deactivate ensemble configs: %w", err)
	}

	var version string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO ensemble_configs (version, document, active, activated_at)
		VALUES ($1, $2, TRUE, NOW())
		ON CONFLICT (version) DO UPDATE
			SET active = TRUE, activated_at = NOW()
			WHERE ensemble_configs.document = EXCLUDED.document
		RETURNING version
	`, cfg.Version, doc).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: version %s is stored with different content", ensemble.ErrInvalidConfig, cfg.Version)
	}
	if err != nil {
		return fmt.Errorf("upsert ensemble config: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// LoadActive returns the active config, or nil if none was stored.
func (r *EnsembleRepository) LoadActive(ctx context.Context) (*ensemble.Config, error) {
	return r.load(ctx, "SELECT document FROM ensemble_configs WHERE active")
}

// LoadVersion returns a stored config version, or nil if not found.
func (r *EnsembleRepository) LoadVersion(ctx context.Context, version string) (*ensemble.Config, error) {
	return r.load(ctx, "SELECT document FROM ensemble_configs WHERE version = $1", version)
}

func (r *EnsembleRepository) load(ctx context.Context, query string, args ...any) (*ensemble.Config, error) {
	var doc []byte
	err := r.pool.QueryRow(ctx, query, args...).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query ensemble config: %w", err)
	}

	cfg, err := ensemble.Parse(doc, ensemble.FormatJSON)
	if err != nil {
		return nil, fmt.Errorf("decode stored ensemble config: %w", err)
	}
	return cfg, nil
}

// ListVersions returns every stored version, sorted.
func (r *EnsembleRepository) ListVersions(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, "SELECT version FROM ensemble_configs ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("query ensemble versions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan ensemble version: %w", err)
		}
		out = append(out, version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ensemble versions: %w", err)
	}
	return out, nil
}
