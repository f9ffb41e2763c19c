package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kozaktomas/idverify/internal/database"
)

// DecisionRepository stores the consensus audit trail.
type DecisionRepository struct {
	pool *Pool
}

// NewDecisionRepository creates a new PostgreSQL decision repository.
func NewDecisionRepository(pool *Pool) *DecisionRepository {
	return &DecisionRepository{pool: pool}
}

const decisionColumns = `decision_id, request_id, config_version, strategy, winner_id, outcome,
	consensus_count, combined_score, fast_path_used, escalated, ambiguous, candidates, decided_at, duration_ms`

// SaveDecision inserts an audit record. Saving the same decision twice is a no-op.
func (r *DecisionRepository) SaveDecision(ctx context.Context, rec *database.DecisionRecord) error {
	candidates := []byte(rec.Candidates)
	if len(candidates) == 0 {
		candidates = []byte("[]")
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO decisions (`+decisionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (decision_id) DO NOTHING
	`,
		rec.DecisionID, rec.RequestID, rec.ConfigVersion, rec.Strategy, rec.WinnerID, rec.Outcome,
		rec.ConsensusCount, rec.CombinedScore, rec.FastPathUsed, rec.Escalated, rec.Ambiguous,
		candidates, rec.DecidedAt, rec.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// GetDecision returns one decision, or nil if not found.
func (r *DecisionRepository) GetDecision(ctx context.Context, decisionID string) (*database.DecisionRecord, error) {
	row := r.pool.QueryRow(ctx, "SELECT "+decisionColumns+" FROM decisions WHERE decision_id = $1", decisionID)
	rec, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListDecisionsByRequest returns the decisions of a request, oldest first.
func (r *DecisionRepository) ListDecisionsByRequest(ctx context.Context, requestID string) ([]database.DecisionRecord, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT "+decisionColumns+" FROM decisions WHERE request_id = $1 ORDER BY decided_at, decision_id", requestID)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []database.DecisionRecord
	for rows.Next() {
		rec, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return out, nil
}

func scanDecision(scanner interface{ Scan(...any) error }) (database.DecisionRecord, error) {
	var rec database.DecisionRecord
	var candidates []byte
	err := scanner.Scan(
		&rec.DecisionID, &rec.RequestID, &rec.ConfigVersion, &rec.Strategy, &rec.WinnerID, &rec.Outcome,
		&rec.ConsensusCount, &rec.CombinedScore, &rec.FastPathUsed, &rec.Escalated, &rec.Ambiguous,
		&candidates, &rec.DecidedAt, &rec.DurationMs,
	)
	if err != nil {
		return rec, err //nolint:wrapcheck // callers check sql.ErrNoRows
	}
	rec.Candidates = candidates
	return rec, nil
}
