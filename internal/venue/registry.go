package venue

import (
	"fmt"
	"sort"
	"sync"

	"github.com/omnivenue/routing/pkg/types"
)

// Builder constructs a venue adapter from its credentials.
type Builder func(cred types.Credential) (types.Venue, error)

// Registry maps venue ids to adapter builders. It is an explicit instance,
// not package state, so tests can assemble isolated venue sets.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register adds a builder under a venue id. Re-registering replaces the
// previous builder.
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = builder
}

// Build constructs the adapter registered under name.
func (r *Registry) Build(name string, cred types.Credential) (types.Venue, error) {
	r.mu.RLock()
	builder, ok := r.builders[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown venue: %s", name)
	}
	return builder(cred)
}

// Names lists registered venue ids in stable order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
