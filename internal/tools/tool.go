package tools

import (
	"context"
	"fmt"
	"sort"
)

// Tool is a single invokable capability exposed to the model. Results are
// opaque JSON-shaped values; only the summarizer inspects their shape.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// Registry holds the tools available to an investigation.
type Registry struct {
	tools map[string]Tool
	order []string
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool; registering the same name twice replaces the earlier one.
func (r *Registry) Register(t Tool) {
	if t == nil || t.Name() == "" {
		return
	}
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	return t, nil
}

// Names lists registered tool names in registration order.
func (r *Registry) Names() []string {
	out := append([]string(nil), r.order...)
	return out
}

// All returns the registered tools sorted by name, for stable prompt assembly.
func (r *Registry) All() []Tool {
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	out := make([]Tool, 0, len(names))
	for _, n := range names {
		out = append(out, r.tools[n])
	}
	return out
}
