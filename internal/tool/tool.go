// Package tool defines the tool abstraction used by agents and the ReAct
// executor, together with the [Registry] that catalogues tools and the
// [Manager] that executes them.
//
// A tool declares a [Schema] (name, description, typed parameters, return
// description) and implements [Tool]. Schemas are compiled once to JSON
// Schema (draft 2020-12) at registration; the Manager validates every call's
// arguments against the compiled schema before the tool runs. A call that
// fails validation returns a [Result] with OK=false and never reaches the
// tool.
//
// Typical usage:
//
//	reg := tool.NewRegistry()
//	reg.RegisterAll("game", diceroller.Tools()...)
//
//	mgr, err := tool.NewManager(reg, tool.Config{})
//	res := mgr.Call(ctx, "roll", map[string]any{"expression": "2d6+3"})
//	if res.OK {
//	    fmt.Println(res.Value)
//	}
//
// All exported types are safe for concurrent use unless noted otherwise.
package tool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/scribax/pkg/provider/llm"
)

// Param describes a single tool parameter.
type Param struct {
	// Name is the parameter's key in the argument map.
	Name string

	// Type is the JSON Schema type: "string", "number", "integer",
	// "boolean", "array", or "object".
	Type string

	// Description explains the parameter to the LLM.
	Description string

	// Required marks parameters that must be present in every call.
	Required bool

	// Enum, when non-empty, restricts the parameter to the listed values.
	Enum []any

	// Default is filled into the argument map when the caller omits the
	// parameter. Only meaningful for optional parameters.
	Default any
}

// Schema declares a tool's public contract.
type Schema struct {
	// Name is the tool's unique identifier within a registry.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Params is the ordered parameter list.
	Params []Param

	// Returns describes the shape of the value the tool produces.
	Returns string

	// Raw, when non-nil, overrides the parameter schema generated from
	// Params. Used for externally supplied JSON Schemas (MCP servers) whose
	// structure exceeds the flat Params model. Params should still be
	// populated on a best-effort basis for prompt rendering.
	Raw map[string]any

	// MaxDuration bounds a single execution of this tool. Zero means the
	// manager's default timeout.
	MaxDuration time.Duration

	// Idempotent marks tools whose results may be served from the result
	// cache for identical arguments.
	Idempotent bool

	// CacheTTL is how long a cached result stays fresh. Ignored unless
	// Idempotent is set.
	CacheTTL time.Duration
}

// validTypes is the set of JSON Schema types a Param may declare.
var validTypes = map[string]bool{
	"string": true, "number": true, "integer": true,
	"boolean": true, "array": true, "object": true,
}

// Validate checks the schema's own contract (not call arguments).
func (s Schema) Validate() error {
	if s.Name == "" {
		return errors.New("tool: schema name must not be empty")
	}
	for _, p := range s.Params {
		if p.Name == "" {
			return fmt.Errorf("tool %q: parameter name must not be empty", s.Name)
		}
		if !validTypes[p.Type] {
			return fmt.Errorf("tool %q: parameter %q has unknown type %q", s.Name, p.Name, p.Type)
		}
		if p.Required && p.Default != nil {
			return fmt.Errorf("tool %q: parameter %q is required and cannot carry a default", s.Name, p.Name)
		}
	}
	if s.CacheTTL < 0 {
		return fmt.Errorf("tool %q: CacheTTL must not be negative", s.Name)
	}
	if s.MaxDuration < 0 {
		return fmt.Errorf("tool %q: MaxDuration must not be negative", s.Name)
	}
	return nil
}

// JSONSchema returns the JSON Schema (draft 2020-12) object describing the
// tool's parameters. When Raw is set it wins over the generated schema.
func (s Schema) JSONSchema() map[string]any {
	if s.Raw != nil {
		return s.Raw
	}
	props := make(map[string]any, len(s.Params))
	var required []string
	for _, p := range s.Params {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Definition converts the schema into the LLM wire shape used when offering
// tools to a model.
func (s Schema) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        s.Name,
		Description: s.Description,
		Parameters:  s.JSONSchema(),
	}
}

// ApplyDefaults returns a copy of args with every omitted optional parameter
// filled from its declared default. The input map is never mutated.
func (s Schema) ApplyDefaults(args map[string]any) map[string]any {
	out := make(map[string]any, len(args)+len(s.Params))
	for k, v := range args {
		out[k] = v
	}
	for _, p := range s.Params {
		if p.Default == nil {
			continue
		}
		if _, present := out[p.Name]; !present {
			out[p.Name] = p.Default
		}
	}
	return out
}

// Tool is a single callable capability offered to agents.
//
// Execute receives the argument map after default injection and schema
// validation. Implementations must be safe for concurrent use and must
// respect context cancellation; long operations should check ctx.
type Tool interface {
	// Schema returns the tool's declared contract. It must be stable for
	// the lifetime of the tool.
	Schema() Schema

	// Execute runs the tool and returns its result value (anything JSON
	// marshalable) or an error.
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// Func adapts a schema and a Go function into a [Tool]. It is the standard
// way built-in tool packages construct their tools.
type Func struct {
	// Spec is the tool's schema.
	Spec Schema

	// Fn is invoked by Execute.
	Fn func(ctx context.Context, args map[string]any) (any, error)
}

// Schema returns f.Spec.
func (f Func) Schema() Schema { return f.Spec }

// Execute invokes f.Fn.
func (f Func) Execute(ctx context.Context, args map[string]any) (any, error) {
	return f.Fn(ctx, args)
}

// Ensure Func implements Tool at compile time.
var _ Tool = Func{}

// Result is the outcome of a single tool call. Failures are carried in the
// value rather than a separate error return so that batch and chain results
// stay position-aligned with their calls.
type Result struct {
	// Name is the tool that was called.
	Name string

	// Value is the tool's output when OK. nil otherwise.
	Value any

	// OK reports whether the call succeeded.
	OK bool

	// Err describes why the call failed: unknown tool, argument validation,
	// timeout, or the tool's own error. nil when OK.
	Err error

	// Elapsed is the wall-clock duration of the call. Zero for calls
	// rejected before execution.
	Elapsed time.Duration

	// Cached is true when Value was served from the result cache.
	Cached bool
}

// Info describes one registered tool for discovery listings.
type Info struct {
	// Schema is the tool's declared contract.
	Schema Schema

	// Category is the registration category (e.g. "game", "io").
	Category string
}

// Filter narrows a registry listing. Zero value matches everything.
type Filter struct {
	// Category, when non-empty, matches tools registered under exactly
	// this category.
	Category string

	// Name, when non-empty, matches tools whose name contains this
	// substring.
	Name string
}
