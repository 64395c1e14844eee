// Package tools defines the tools the model may call, the registry
// that holds them and the dispatcher that runs a call to completion.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Handler executes a tool with decoded arguments. The returned string
// is handed back to the model verbatim. A non-nil error becomes an
// error result; it never aborts the turn.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool describes one callable function.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON schema object
	Handler     Handler        `json:"-"`
}

// Registry holds the tools offered to the model. It is safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds t. Names must be non-empty and unique.
func (r *Registry) Register(t *Tool) error {
	if t == nil || t.Name == "" {
		return fmt.Errorf("register tool: %w", ErrEmptyName)
	}
	if t.Handler == nil {
		return fmt.Errorf("register tool %q: nil handler", t.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("register tool %q: %w", t.Name, ErrDuplicateTool)
	}
	r.tools[t.Name] = t
	return nil
}

// Get returns the named tool or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Clone returns a registry holding the same tools. Later registrations
// on either registry are not seen by the other.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := &Registry{tools: make(map[string]*Tool, len(r.tools))}
	for n, t := range r.tools {
		c.tools[n] = t
	}
	return c
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// List returns OpenAI-style function descriptors sorted by name, the
// format every provider in internal/llm accepts.
func (r *Registry) List() []map[string]any {
	names := r.Names()

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]map[string]any, 0, len(names))
	for _, n := range names {
		t := r.tools[n]
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  params,
			},
		})
	}
	return out
}
