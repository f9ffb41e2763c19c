package mariadb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kozaktomas/idverify/internal/database"
)

// DefaultScopeTTL is how long a resolved group roster is reused.
const DefaultScopeTTL = 30 * time.Second

// ScopeRepository resolves group ids (school, route, kiosk) to the identities
// enrolled in them, reading the roster's group_members table.
type ScopeRepository struct {
	pool *Pool
	ttl  time.Duration
	now  func() time.Time

	mu    sync.Mutex
	cache map[string]scopeEntry
}

type scopeEntry struct {
	ids     []string
	expires time.Time
}

// NewScopeRepository creates a scope resolver. ttl <= 0 disables caching.
func NewScopeRepository(pool *Pool, ttl time.Duration) *ScopeRepository {
	return &ScopeRepository{
		pool:  pool,
		ttl:   ttl,
		now:   time.Now,
		cache: make(map[string]scopeEntry),
	}
}

// ResolveScope returns the active members of a group, normalized and sorted.
// An unknown group resolves to an empty scope.
func (r *ScopeRepository) ResolveScope(ctx context.Context, groupID string) ([]string, error) {
	if ids, ok := r.cached(groupID); ok {
		return ids, nil
	}

	rows, err := r.pool.db.QueryContext(ctx, `
		SELECT identity_id
		FROM group_members
		WHERE group_id = ? AND active = 1
		ORDER BY identity_id
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("query group members: %w", err)
	}
	defer rows.Close()

	var raw []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan group member: %w", err)
		}
		raw = append(raw, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group members: %w", err)
	}

	ids := database.NormalizeScope(raw)
	r.store(groupID, ids)
	return append([]string(nil), ids...), nil
}

func (r *ScopeRepository) cached(groupID string) ([]string, bool) {
	if r.ttl <= 0 {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache[groupID]
	if !ok || r.now().After(e.expires) {
		return nil, false
	}
	return append([]string(nil), e.ids...), true
}

func (r *ScopeRepository) store(groupID string, ids []string) {
	if r.ttl <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[groupID] = scopeEntry{ids: ids, expires: r.now().Add(r.ttl)}
}
