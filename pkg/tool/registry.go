package tool

import (
	"fmt"
	"sort"
	"sync"

	"github.com/drover-dev/drover/agent"
)

// Registry holds the tools available to a run, keyed by exact name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]agent.Tool
}

// NewRegistry builds a registry. Duplicate names among the initial tools
// keep the last one registered.
func NewRegistry(tools ...agent.Tool) *Registry {
	r := &Registry{tools: make(map[string]agent.Tool, len(tools))}
	for _, t := range tools {
		r.tools[t.Definition().Name] = t
	}
	return r
}

// Register adds a tool, rejecting duplicate names.
func (r *Registry) Register(t agent.Tool) error {
	name := t.Definition().Name
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool already registered: %s", name)
	}
	r.tools[name] = t
	return nil
}

// Get resolves a tool by exact name.
func (r *Registry) Get(name string) (agent.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the tool definitions sorted by name, the order the
// model sees them in.
func (r *Registry) Definitions() []agent.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]agent.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// With returns a copy of the registry extended with the given tools.
// Additions override same-named entries in the copy only.
func (r *Registry) With(tools ...agent.Tool) *Registry {
	r.mu.RLock()
	clone := make(map[string]agent.Tool, len(r.tools)+len(tools))
	for name, t := range r.tools {
		clone[name] = t
	}
	r.mu.RUnlock()

	for _, t := range tools {
		clone[t.Definition().Name] = t
	}
	return &Registry{tools: clone}
}

// Without returns a copy of the registry with the named tools removed.
func (r *Registry) Without(names ...string) *Registry {
	drop := make(map[string]bool, len(names))
	for _, name := range names {
		drop[name] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	clone := make(map[string]agent.Tool, len(r.tools))
	for name, t := range r.tools {
		if !drop[name] {
			clone[name] = t
		}
	}
	return &Registry{tools: clone}
}
