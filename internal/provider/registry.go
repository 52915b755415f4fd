package provider

import (
	"fmt"
	"sync"

	"github.com/cuongbtq/mediagen-orchestrator/internal/domain"
)

// Resolver returns the adapter that serves a job kind
type Resolver interface {
	For(kind domain.JobKind) (Adapter, error)
}

// Registry maps job kinds to adapters. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byKind map[domain.JobKind]Adapter
}

func NewRegistry() *Registry {
	return &Registry{byKind: make(map[domain.JobKind]Adapter)}
}

// Register binds an adapter to one or more kinds, replacing earlier bindings
func (r *Registry) Register(a Adapter, kinds ...domain.JobKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range kinds {
		r.byKind[k] = a
	}
}

func (r *Registry) For(kind domain.JobKind) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byKind[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoAdapter, kind)
	}
	return a, nil
}
