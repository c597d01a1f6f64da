package pool

import (
	"context"
	"sync"

	"github.com/fluxorio/unitpool/pkg/core/failfast"
	"github.com/fluxorio/unitpool/pkg/unit"
)

// Registry lazily constructs one Pool for a fixed resource and hands the
// same instance to every caller until Teardown.
type Registry struct {
	spawner unit.Spawner
	opts    []Option

	mu   sync.Mutex
	pool *Pool
}

// NewRegistry creates a registry. No unit is spawned before the first Get.
func NewRegistry(spawner unit.Spawner, opts ...Option) *Registry {
	failfast.NotNil(spawner, "spawner")
	return &Registry{spawner: spawner, opts: opts}
}

// Get returns the shared pool, constructing it on first use or after Teardown
func (r *Registry) Get() *Pool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pool == nil {
		r.pool = New(r.spawner, r.opts...)
	}
	return r.pool
}

// IsAvailable reports whether the shared pool accepts work. It constructs
// the pool if needed.
func (r *Registry) IsAvailable() bool {
	return r.Get().IsAvailable()
}

// Active reports whether a pool is currently constructed
func (r *Registry) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pool != nil
}

// Teardown shuts the shared pool down and forgets it. It is a no-op when no
// pool was constructed.
func (r *Registry) Teardown(ctx context.Context) error {
	r.mu.Lock()
	p := r.pool
	r.pool = nil
	r.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Shutdown(ctx)
}
