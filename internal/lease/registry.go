package lease

import (
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/fireflyhq/firefly/internal/common/fireflycontext"
)

type runPrimitives struct {
	limiters map[string]*semaphore.Weighted
	mutexes  map[string]*sync.Mutex
}

// Registry holds in-process primitives shared by the units of one run. Everything registered for a run is
// dropped by Teardown once that run finishes.
type Registry struct {
	mutex sync.Mutex
	runs  map[string]*runPrimitives
}

func NewRegistry() *Registry {
	return &Registry{runs: map[string]*runPrimitives{}}
}

func (r *Registry) primitives(runID string) *runPrimitives {
	p, ok := r.runs[runID]
	if !ok {
		p = &runPrimitives{
			limiters: map[string]*semaphore.Weighted{},
			mutexes:  map[string]*sync.Mutex{},
		}
		r.runs[runID] = p
	}
	return p
}

// Limiter returns the limiter called name for runID, creating it with the given capacity on first use.
// Later calls return the existing limiter whatever capacity they ask for.
func (r *Registry) Limiter(runID string, name string, capacity int64) *semaphore.Weighted {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	p := r.primitives(runID)
	limiter, ok := p.limiters[name]
	if !ok {
		limiter = semaphore.NewWeighted(capacity)
		p.limiters[name] = limiter
	}
	return limiter
}

func (r *Registry) Mutex(runID string, name string) *sync.Mutex {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	p := r.primitives(runID)
	m, ok := p.mutexes[name]
	if !ok {
		m = &sync.Mutex{}
		p.mutexes[name] = m
	}
	return m
}

// WithLimiter runs fn while holding one unit of the named limiter.
func (r *Registry) WithLimiter(ctx *fireflycontext.Context, runID string, name string, capacity int64, fn func() error) error {
	limiter := r.Limiter(runID, name, capacity)
	if err := limiter.Acquire(ctx, 1); err != nil {
		return err
	}
	defer limiter.Release(1)
	return fn()
}

// Teardown drops every primitive registered for runID.
func (r *Registry) Teardown(runID string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.runs, runID)
}

// Runs returns the number of runs that currently hold primitives.
func (r *Registry) Runs() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.runs)
}
