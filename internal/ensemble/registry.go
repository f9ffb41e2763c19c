package ensemble

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
)

// ErrUnknownVersion is returned when a config version was never activated.
var ErrUnknownVersion = errors.New("unknown ensemble config version")

// Store persists activated configs. Implementations must make SaveActive
// atomic: either the new version becomes active or nothing changes.
type Store interface {
	SaveActive(ctx context.Context, cfg *Config) error
	LoadActive(ctx context.Context) (*Config, error)
	LoadVersion(ctx context.Context, version string) (*Config, error)
	ListVersions(ctx context.Context) ([]string, error)
}

// Registry holds the single active config and every version activated
// during the process lifetime. Readers never block writers: Active is a
// lock-free pointer load, so an in-flight request keeps the snapshot it
// started with even if a new version is activated concurrently.
type Registry struct {
	active  atomic.Pointer[Config]
	mu      sync.Mutex
	history map[string]*Config
	store   Store
}

// NewRegistry creates an empty registry. store may be nil.
func NewRegistry(store Store) *Registry {
	return &Registry{
		history: make(map[string]*Config),
		store:   store,
	}
}

// Active returns the active snapshot, or nil if nothing was activated yet.
// The returned value must be treated as read-only.
func (r *Registry) Active() *Config {
	return r.active.Load()
}

// Activate validates cfg and, on success, persists and publishes it.
// On any failure the previously active config stays authoritative.
func (r *Registry) Activate(ctx context.Context, cfg *Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	snapshot := cfg.Clone()

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.history[snapshot.Version]; ok && !reflect.DeepEqual(prev, snapshot) {
		return &ValidationError{
			Version:  snapshot.Version,
			Problems: []string{"version was already activated with different content"},
		}
	}

	if r.store != nil {
		if err := r.store.SaveActive(ctx, snapshot); err != nil {
			return fmt.Errorf("persisting ensemble config %s: %w", snapshot.Version, err)
		}
	}

	r.history[snapshot.Version] = snapshot
	r.active.Store(snapshot)
	return nil
}

// Restore loads the active config from the store without re-persisting it.
// It returns false when the store has no active config.
func (r *Registry) Restore(ctx context.Context) (bool, error) {
	if r.store == nil {
		return false, nil
	}
	cfg, err := r.store.LoadActive(ctx)
	if err != nil {
		return false, fmt.Errorf("loading active ensemble config: %w", err)
	}
	if cfg == nil {
		return false, nil
	}
	if err := Validate(cfg); err != nil {
		return false, fmt.Errorf("stored ensemble config: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := cfg.Clone()
	r.history[snapshot.Version] = snapshot
	r.active.Store(snapshot)
	return true, nil
}

// Version returns a previously activated config so old decisions can be
// replayed under the exact parameters that produced them.
func (r *Registry) Version(ctx context.Context, version string) (*Config, error) {
	r.mu.Lock()
	cfg, ok := r.history[version]
	r.mu.Unlock()
	if ok {
		return cfg, nil
	}

	if r.store != nil {
		stored, err := r.store.LoadVersion(ctx, version)
		if err != nil {
			return nil, fmt.Errorf("loading ensemble config %s: %w", version, err)
		}
		if stored != nil {
			r.mu.Lock()
			r.history[version] = stored
			r.mu.Unlock()
			return stored, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownVersion, version)
}

// Versions lists every known version, sorted: those activated or loaded by
// this process plus everything in the store.
func (r *Registry) Versions(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	seen := make(map[string]struct{}, len(r.history))
	for v := range r.history {
		seen[v] = struct{}{}
	}
	r.mu.Unlock()

	if r.store != nil {
		stored, err := r.store.ListVersions(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing ensemble config versions: %w", err)
		}
		for _, v := range stored {
			seen[v] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out, nil
}
