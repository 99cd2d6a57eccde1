// Package tools provides the tool registry consumed by the executor and
// tool node. Tools carry a JSON schema for model binding; invocation
// errors propagate to the caller rather than being swallowed.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/agentd/internal/model"
)

var (
	// ErrNotFound indicates a tool name with no registry entry.
	ErrNotFound = errors.New("tool not found")

	// ErrDuplicate indicates a name collision at registration.
	ErrDuplicate = errors.New("tool already registered")
)

// Handler executes one tool call with decoded arguments.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool is one registry entry.
type Tool struct {
	Name        string
	Description string

	// Schema is the JSON schema of the tool's arguments object.
	Schema map[string]any

	Handler Handler
}

// Registry holds the tools offered to a thread. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return errors.New("tool name cannot be empty")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s has no handler", t.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Invoke runs the named tool. Unknown names and handler errors propagate.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return t.Handler(ctx, args)
}

// Schemas returns the model-facing schemas, sorted by name for stable
// prompt construction.
func (r *Registry) Schemas() []model.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.ToolSchema, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, model.ToolSchema{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Schema,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// truncationMarker terminates any truncated tool result.
const truncationMarker = "\n...[truncated]"

// Truncate enforces the character budget on an aggregated tool result.
// The returned string never exceeds budget and, when cut, always ends
// with the truncation marker.
func Truncate(s string, budget int) string {
	if budget <= 0 {
		return ""
	}
	if len(s) <= budget {
		return s
	}
	if budget <= len(truncationMarker) {
		return truncationMarker[:budget]
	}
	return s[:budget-len(truncationMarker)] + truncationMarker
}
