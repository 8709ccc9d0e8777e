// Package butler holds the in-process side of a butler: named tool handlers
// grouped into a Toolset that the local transport can dispatch to.
package butler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrUnknownTool is returned when a Toolset has no handler for a tool name.
var ErrUnknownTool = errors.New("unknown tool")

// ToolHandler executes one tool call.
type ToolHandler interface {
	Handle(ctx context.Context, args map[string]any) (any, error)
}

// HandlerFunc adapts a plain function to ToolHandler.
type HandlerFunc func(ctx context.Context, args map[string]any) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, args map[string]any) (any, error) {
	return f(ctx, args)
}

// Toolset is an explicit tool name -> handler table for one butler.
type Toolset struct {
	name string

	mu       sync.RWMutex
	handlers map[string]ToolHandler
}

func NewToolset(name string) *Toolset {
	return &Toolset{
		name:     name,
		handlers: make(map[string]ToolHandler),
	}
}

func (t *Toolset) Name() string { return t.name }

// Register adds a handler. Registering the same tool twice is an error.
func (t *Toolset) Register(tool string, h ToolHandler) error {
	tool = strings.TrimSpace(tool)
	if tool == "" {
		return fmt.Errorf("tool name is required")
	}
	if h == nil {
		return fmt.Errorf("tool %q: handler is nil", tool)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.handlers[tool]; exists {
		return fmt.Errorf("tool %q already registered on %s", tool, t.name)
	}
	t.handlers[tool] = h
	return nil
}

// MustRegister is Register for static wiring where a duplicate is a programming error.
func (t *Toolset) MustRegister(tool string, h ToolHandler) *Toolset {
	if err := t.Register(tool, h); err != nil {
		panic(err)
	}
	return t
}

// Tools returns the registered tool names, sorted.
func (t *Toolset) Tools() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.handlers))
	for name := range t.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Call dispatches to the handler registered for tool.
func (t *Toolset) Call(ctx context.Context, tool string, args map[string]any) (any, error) {
	t.mu.RLock()
	h, ok := t.handlers[tool]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w %q", t.name, ErrUnknownTool, tool)
	}
	if args == nil {
		args = map[string]any{}
	}
	return h.Handle(ctx, args)
}
