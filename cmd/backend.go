package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/kozaktomas/idverify/internal/config"
	"github.com/kozaktomas/idverify/internal/database"
	"github.com/kozaktomas/idverify/internal/database/mariadb"
	"github.com/kozaktomas/idverify/internal/database/postgres"
	"github.com/kozaktomas/idverify/internal/ensemble"
	"go.uber.org/zap"
)

// backend bundles the stores a command works against.
type backend struct {
	pool        *postgres.Pool
	enrollments *postgres.EnrollmentRepository
	decisions   database.DecisionStore
	registry    *ensemble.Registry
	scopePool   *mariadb.Pool
}

// openBackend connects to PostgreSQL, runs migrations and registers the
// repositories. The MariaDB roster is attached when SCOPE_DATABASE_URL is set.
func openBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backend, error) {
	if cfg.Database.URL == "" {
		return nil, errors.New("DATABASE_URL environment variable is required")
	}

	if err := postgres.Initialize(ctx, &cfg.Database); err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	pool := postgres.GetGlobalPool()
	b := &backend{
		pool:        pool,
		enrollments: postgres.Register(pool, logger),
		registry:    ensemble.NewRegistry(postgres.NewEnsembleRepository(pool)),
	}

	decisions, err := database.GetDecisionStore(ctx)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to get decision store: %w", err)
	}
	b.decisions = decisions

	if cfg.Scope.DatabaseURL != "" {
		scopePool, err := mariadb.NewPool(cfg.Scope.DatabaseURL)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to connect to scope database: %w", err)
		}
		b.scopePool = scopePool
		scopes := mariadb.NewScopeRepository(scopePool, cfg.Scope.CacheTTL)
		database.RegisterScopeResolver(func() database.ScopeResolver { return scopes })
	}
	return b, nil
}

// loadEnsemble restores the persisted active config, falling back to the
// config file at path. A missing config is not an error for commands that
// only manage enrollments.
func (b *backend) loadEnsemble(ctx context.Context, path string) error {
	restored, err := b.registry.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restoring ensemble config: %w", err)
	}
	if restored {
		fmt.Printf("Restored ensemble config %s\n", b.registry.Active().Version)
		return nil
	}
	if path == "" {
		return nil
	}

	cfg, err := ensemble.LoadFile(path)
	if err != nil {
		return fmt.Errorf("loading ensemble config: %w", err)
	}
	if err := b.registry.Activate(ctx, cfg); err != nil {
		return fmt.Errorf("activating ensemble config %s: %w", cfg.Version, err)
	}
	fmt.Printf("Activated ensemble config %s from %s\n", cfg.Version, path)
	return nil
}

// activeModelIDs lists the models of the active config, or nil if none is active.
func (b *backend) activeModelIDs() []string {
	active := b.registry.Active()
	if active == nil {
		return nil
	}
	ids := make([]string, 0, len(active.Models))
	for _, m := range active.Models {
		ids = append(ids, m.ID)
	}
	return ids
}

// scopeResolver returns the registered roster resolver as an interface,
// keeping it nil when no roster is configured.
func (b *backend) scopeResolver() database.ScopeResolver {
	return database.GetScopeResolver()
}

func (b *backend) Close() {
	if b.scopePool != nil {
		b.scopePool.Close()
	}
	if b.pool != nil {
		b.pool.Close()
	}
}
