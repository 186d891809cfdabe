// Package functions provides the callable functions a model may invoke
// through an inline tool call, and the registry that dispatches them.
package functions

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"SimpleLLM/internal/observe"
	"SimpleLLM/internal/runtime"
)

// Param describes one named argument of a function.
type Param struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        string `json:"type"`
	Required    bool   `json:"required,omitempty"`
}

// Definition is the metadata advertised to models.
type Definition struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Parameters  []Param `json:"parameters"`
}

// Schema returns the parameters as a JSON Schema object.
func (d Definition) Schema() map[string]any {
	props := make(map[string]any, len(d.Parameters))
	required := make([]string, 0, len(d.Parameters))
	for _, p := range d.Parameters {
		props[p.Name] = map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// Function is a capability a model can call.
type Function interface {
	Definition() Definition
	Call(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// Registry maps function names to implementations. It is built once and
// read-only afterwards, so concurrent Dispatch calls are safe.
type Registry struct {
	funcs map[string]Function
}

// NewRegistry registers fns. Names must be unique and non-empty.
func NewRegistry(fns ...Function) (*Registry, error) {
	r := &Registry{funcs: make(map[string]Function, len(fns))}
	for _, fn := range fns {
		name := fn.Definition().Name
		if name == "" {
			return nil, fmt.Errorf("functions: function with empty name")
		}
		if _, dup := r.funcs[name]; dup {
			return nil, fmt.Errorf("functions: duplicate function %q", name)
		}
		r.funcs[name] = fn
	}
	return r, nil
}

// Get returns the function registered under name.
func (r *Registry) Get(name string) (Function, bool) {
	if r == nil {
		return nil, false
	}
	fn, ok := r.funcs[name]
	return fn, ok
}

// Len returns the number of registered functions.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.funcs)
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns every definition, sorted by name.
func (r *Registry) Definitions() []Definition {
	names := r.Names()
	defs := make([]Definition, 0, len(names))
	for _, name := range names {
		defs = append(defs, r.funcs[name].Definition())
	}
	return defs
}

// Subset returns a registry restricted to names. Naming an unregistered
// function is an error.
func (r *Registry) Subset(names []string) (*Registry, error) {
	sub := &Registry{funcs: make(map[string]Function, len(names))}
	for _, name := range names {
		fn, ok := r.Get(name)
		if !ok {
			return nil, fmt.Errorf("functions: %q: %w", name, runtime.ErrFunctionNotFound)
		}
		sub.funcs[name] = fn
	}
	return sub, nil
}

// Tools returns the definitions in the function-calling shape used by chat
// APIs: {"type": "function", "function": {name, description, parameters}}.
func (r *Registry) Tools() []map[string]any {
	defs := r.Definitions()
	tools := make([]map[string]any, 0, len(defs))
	for _, d := range defs {
		tools = append(tools, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        d.Name,
				"description": d.Description,
				"parameters":  d.Schema(),
			},
		})
	}
	return tools
}

// Dispatch calls the function registered under name. An unknown name yields
// ErrFunctionNotFound; a failing function yields ErrFunctionCall.
func (r *Registry) Dispatch(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	fn, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("functions: %q: %w", name, runtime.ErrFunctionNotFound)
	}
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage(`{}`)
	}

	start := time.Now()
	out, err := fn.Call(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("functions: %s: %w: %w", name, runtime.ErrFunctionCall, err)
	}
	if !json.Valid(out) {
		return nil, fmt.Errorf("functions: %s returned invalid JSON: %w", name, runtime.ErrFunctionCall)
	}
	log.Printf("functions: %s completed in %s", name, time.Since(start).Round(time.Millisecond))
	return out, nil
}

// Metered dispatches through a registry and records each call's latency and
// outcome.
type Metered struct {
	*Registry
	Metrics *observe.Metrics
}

func (m Metered) Dispatch(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	start := time.Now()
	out, err := m.Registry.Dispatch(ctx, name, args)
	m.Metrics.RecordToolCall(ctx, name, runtime.ErrorKind(err), time.Since(start))
	return out, err
}
