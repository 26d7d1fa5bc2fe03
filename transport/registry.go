package transport

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// Registry maps URI schemes to transport builders and their capabilities.
type Registry struct {
	mu           sync.RWMutex
	builders     map[string]Builder
	capabilities map[string]Capabilities
}

// DefaultRegistry is where the built-in transports register themselves.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		builders:     make(map[string]Builder),
		capabilities: make(map[string]Capabilities),
	}
}

// Register adds a builder for scheme with the given capabilities.
func (r *Registry) Register(scheme string, builder Builder, caps Capabilities) {
	if caps.Name == "" {
		caps.Name = scheme
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[scheme] = builder
	r.capabilities[scheme] = caps
}

// Capabilities returns what the transport for scheme supports. Unknown
// schemes report a zero value carrying only the name.
func (r *Registry) Capabilities(scheme string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if caps, ok := r.capabilities[scheme]; ok {
		return caps
	}
	return Capabilities{Name: scheme}
}

// Build opens the transport registered for scheme.
func (r *Registry) Build(ctx context.Context, scheme string, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	if cfg == nil {
		return Transport{}, fmt.Errorf("durabus: transport config is required")
	}

	r.mu.RLock()
	builder, ok := r.builders[scheme]
	caps := r.capabilities[scheme]
	r.mu.RUnlock()
	if !ok {
		return Transport{}, fmt.Errorf("durabus: unknown transport %q (registered: %v)", scheme, r.Names())
	}

	t, err := builder(ctx, cfg, logger)
	if err != nil {
		return Transport{}, fmt.Errorf("build %s transport: %w", scheme, err)
	}
	if t.Capabilities.Name == "" {
		t.Capabilities = caps
	}
	return t, nil
}

// Names lists the registered schemes in order.
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

// Has reports whether scheme is registered.
func (r *Registry) Has(scheme string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[scheme]
	return ok
}

// Register adds a builder to the default registry.
func Register(scheme string, builder Builder, caps Capabilities) {
	DefaultRegistry.Register(scheme, builder, caps)
}
