package datasource

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/polyquery/polyquery/internal/observability"
)

// Registry owns every configured datasource plus the lazily-built backend
// capability bound to each one. All mutation goes through its methods; reads
// return copies so callers never share mutable state.
type Registry struct {
	mu        sync.Mutex
	entries   map[string]*Datasource
	order     []string
	backends  map[string]Backend
	factories map[Type]Factory
	mode      Mode
	cacheTTL  time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

type RegistryOptions struct {
	Factories   map[Type]Factory
	DefaultMode Mode
	CacheTTL    time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

func NewRegistry(opts RegistryOptions) *Registry {
	mode := opts.DefaultMode
	if mode == "" {
		mode = ModeMixed
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		entries:   make(map[string]*Datasource),
		backends:  make(map[string]Backend),
		factories: opts.Factories,
		mode:      mode,
		cacheTTL:  ttl,
		now:       now,
		logger:    logger,
	}
}

// Add registers a datasource after validating its configuration. An existing
// entry with the same id is replaced, releasing any backend bound to it.
func (r *Registry) Add(ctx context.Context, ds Datasource) error {
	if err := ds.Validate(); err != nil {
		return err
	}
	if ds.CreatedAt.IsZero() {
		ds.CreatedAt = r.now()
	}
	if ds.Name == "" {
		ds.Name = ds.ID
	}

	r.mu.Lock()
	_, existed := r.entries[ds.ID]
	stale := r.backends[ds.ID]
	delete(r.backends, ds.ID)
	stored := ds.clone()
	r.entries[ds.ID] = &stored
	if !existed {
		r.order = append(r.order, ds.ID)
	}
	observability.SetDatasourcesConfigured(len(r.entries))
	r.mu.Unlock()

	if stale != nil {
		r.releaseBackend(ctx, ds.ID, stale)
	}
	return nil
}

// Remove deletes a datasource and reports whether it existed. Any cached
// backend is disconnected best-effort; a disconnect failure never blocks
// removal.
func (r *Registry) Remove(ctx context.Context, id string) bool {
	r.mu.Lock()
	_, existed := r.entries[id]
	stale := r.backends[id]
	delete(r.entries, id)
	delete(r.backends, id)
	if existed {
		r.order = slices.DeleteFunc(r.order, func(s string) bool { return s == id })
	}
	observability.SetDatasourcesConfigured(len(r.entries))
	r.mu.Unlock()

	if stale != nil {
		r.releaseBackend(ctx, id, stale)
	}
	return existed
}

func (r *Registry) releaseBackend(ctx context.Context, id string, b Backend) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := b.Disconnect(ctx); err != nil {
		r.logger.Warn("backend disconnect failed during release", "datasource_id", id, "error", err)
	}
}

func (r *Registry) Get(id string) (Datasource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds, ok := r.entries[id]
	if !ok {
		return Datasource{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return ds.clone(), nil
}

type ListFilter struct {
	EnabledOnly bool
	Category    Category
}

// List returns datasources in insertion order, optionally filtered.
func (r *Registry) List(filter ListFilter) []Datasource {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Datasource, 0, len(r.order))
	for _, id := range r.order {
		ds := r.entries[id]
		if filter.EnabledOnly && !ds.Enabled {
			continue
		}
		if filter.Category != "" && ds.Category() != filter.Category {
			continue
		}
		out = append(out, ds.clone())
	}
	return out
}

// Toggle sets the enabled flag, flipping the current value when enabled is
// nil. Returns the new value, or ErrNotFound for an unknown id.
func (r *Registry) Toggle(id string, enabled *bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds, ok := r.entries[id]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	if enabled != nil {
		ds.Enabled = *enabled
	} else {
		ds.Enabled = !ds.Enabled
	}
	return ds.Enabled, nil
}

// ResolveForMode returns the enabled datasources eligible under the given
// mode, in insertion order.
func (r *Registry) ResolveForMode(mode Mode) ([]Datasource, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Datasource, 0, len(r.order))
	for _, id := range r.order {
		ds := r.entries[id]
		if !ds.Enabled || !mode.Includes(ds.Category()) {
			continue
		}
		out = append(out, ds.clone())
	}
	return out, nil
}

// Backend returns the capability instance for a datasource, constructing it
// through the type-keyed factory on first access. At most one instance exists
// per id at a time, even under concurrent calls.
func (r *Registry) Backend(id string) (Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.backends[id]; ok {
		return b, nil
	}
	ds, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	factory, ok := r.factories[ds.Type]
	if !ok {
		return nil, fmt.Errorf("%w: no backend factory for %q", ErrUnsupportedType, ds.Type)
	}
	b, err := factory(ds.clone())
	if err != nil {
		return nil, fmt.Errorf("construct backend for %q: %w", id, err)
	}
	r.backends[id] = b
	return b, nil
}

func (r *Registry) SetMode(mode Mode) error {
	parsed, err := ParseMode(string(mode))
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mode = parsed
	return nil
}

func (r *Registry) CurrentMode() Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// UpdateSchemaCache stores a fresh schema snapshot for the datasource.
func (r *Registry) UpdateSchemaCache(id string, schema Schema) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	ds.Cache = &SchemaCache{
		Schema:   schema,
		CachedAt: r.now(),
		TTL:      r.cacheTTL,
	}
	return nil
}

func (r *Registry) InvalidateSchemaCache(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	ds.Cache = nil
	return nil
}

// RefreshSchema introspects the backend and updates the cache in one step.
func (r *Registry) RefreshSchema(ctx context.Context, id string) (Schema, error) {
	b, err := r.Backend(id)
	if err != nil {
		return nil, err
	}
	var schema Schema
	err = WithConnection(ctx, b, func(ctx context.Context) error {
		schema, err = b.Schema(ctx)
		return err
	})
	if err != nil {
		observability.IncrementSchemaRefresh("failure")
		return nil, err
	}
	if err := r.UpdateSchemaCache(id, schema); err != nil {
		return nil, err
	}
	observability.IncrementSchemaRefresh("success")
	return schema, nil
}

// Close disconnects every cached backend. Used at process shutdown.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	backends := make(map[string]Backend, len(r.backends))
	for id, b := range r.backends {
		backends[id] = b
	}
	r.backends = make(map[string]Backend)
	r.mu.Unlock()

	for id, b := range backends {
		r.releaseBackend(ctx, id, b)
	}
}
