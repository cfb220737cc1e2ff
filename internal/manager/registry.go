package manager

import (
	"context"
	"sync"

	"github.com/arkilian/featureindex/internal/config"
	"github.com/arkilian/featureindex/internal/gpkg"
	"github.com/arkilian/featureindex/internal/logging"
	"github.com/arkilian/featureindex/internal/observability"
)

// OptionsFromConfig converts index configuration into manager options.
func OptionsFromConfig(cfg config.IndexConfig, logger *logging.Logger) (Options, error) {
	opts := DefaultOptions()
	if len(cfg.Order) > 0 {
		order, err := ParseKinds(cfg.Order)
		if err != nil {
			return Options{}, err
		}
		opts.Order = order
	}
	preferred, err := ParseKind(cfg.Preferred)
	if err != nil {
		return Options{}, err
	}
	opts.Preferred = preferred
	opts.ContinueOnError = cfg.ContinueOnError
	opts.ChunkSize = cfg.ChunkSize
	opts.Tolerance = cfg.Tolerance
	opts.Logger = logger
	return opts, nil
}

// Registry hands out one manager per feature table of a store.
type Registry struct {
	store    *gpkg.Store
	opts     Options
	mu       sync.Mutex
	managers map[string]*Manager
}

// NewRegistry creates a registry building managers with opts.
func NewRegistry(store *gpkg.Store, opts Options) *Registry {
	return &Registry{
		store:    store,
		opts:     opts,
		managers: make(map[string]*Manager),
	}
}

// Store returns the underlying store.
func (r *Registry) Store() *gpkg.Store { return r.store }

// Stats returns the query statistics shared by the registry's managers.
func (r *Registry) Stats() *observability.QueryStats { return r.opts.Stats }

// Get returns the manager of table, creating it on first use.
func (r *Registry) Get(ctx context.Context, table string) (*Manager, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.managers[table]; ok {
		return m, nil
	}
	m, err := New(ctx, r.store, table, r.opts)
	if err != nil {
		return nil, err
	}
	r.managers[table] = m
	return m, nil
}

// Tables lists the store's feature tables.
func (r *Registry) Tables(ctx context.Context) ([]string, error) {
	return r.store.FeatureTables(ctx)
}

// Forget drops the cached manager of table.
func (r *Registry) Forget(table string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.managers, table)
}
