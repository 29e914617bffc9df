package tool

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// RegistryOption configures a [Registry].
type RegistryOption func(*Registry)

// WithCompatibilityCheck installs a hook invoked on every registration. A
// non-nil return rejects the tool. Use it to gate tools on schema versions or
// deployment flags.
func WithCompatibilityCheck(fn func(Schema) error) RegistryOption {
	return func(r *Registry) {
		r.compat = fn
	}
}

// regEntry holds one registered tool with its compiled argument schema.
type regEntry struct {
	tool     Tool
	schema   Schema
	category string
	compiled *jsonschema.Schema
}

// Registry is a concurrent-safe catalogue of tools keyed by name.
//
// Discovery is explicit: tool packages export constructors returning []Tool
// and the application registers them. Nothing is imported or instantiated by
// string name.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]regEntry
	compat func(Schema) error
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{tools: make(map[string]regEntry)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool under the given category. The tool's schema is
// validated, checked against the compatibility hook, and compiled to JSON
// Schema exactly once. Registering a name that already exists is an error;
// use Unregister first to replace a tool.
func (r *Registry) Register(t Tool, category string) error {
	if t == nil {
		return fmt.Errorf("tool: cannot register a nil tool")
	}
	schema := t.Schema()
	if err := schema.Validate(); err != nil {
		return err
	}
	if r.compat != nil {
		if err := r.compat(schema); err != nil {
			return fmt.Errorf("tool %q: compatibility check failed: %w", schema.Name, err)
		}
	}
	compiled, err := compileSchema(schema)
	if err != nil {
		return fmt.Errorf("tool %q: %w", schema.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[schema.Name]; dup {
		return fmt.Errorf("tool %q: already registered", schema.Name)
	}
	r.tools[schema.Name] = regEntry{
		tool:     t,
		schema:   schema,
		category: category,
		compiled: compiled,
	}
	return nil
}

// RegisterAll registers every tool under the same category, stopping at the
// first failure.
func (r *Registry) RegisterAll(category string, ts ...Tool) error {
	for _, t := range ts {
		if err := r.Register(t, category); err != nil {
			return err
		}
	}
	return nil
}

// Unregister removes the named tool. Removing an unknown name is an error.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return fmt.Errorf("tool %q: not registered", name)
	}
	delete(r.tools, name)
	return nil
}

// lookup returns the full entry for a tool.
func (r *Registry) lookup(name string) (regEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e, ok
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	e, ok := r.lookup(name)
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// List returns the tools matching f, sorted by name for stable output.
func (r *Registry) List(f Filter) []Info {
	r.mu.RLock()
	infos := make([]Info, 0, len(r.tools))
	for _, e := range r.tools {
		if f.Category != "" && e.category != f.Category {
			continue
		}
		if f.Name != "" && !strings.Contains(e.schema.Name, f.Name) {
			continue
		}
		infos = append(infos, Info{Schema: e.schema, Category: e.category})
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Schema.Name < infos[j].Schema.Name })
	return infos
}

// Categories returns the distinct categories in use, sorted.
func (r *Registry) Categories() []string {
	r.mu.RLock()
	seen := make(map[string]bool)
	for _, e := range r.tools {
		seen[e.category] = true
	}
	r.mu.RUnlock()

	cats := make([]string, 0, len(seen))
	for c := range seen {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	return cats
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// compileSchema compiles a tool's parameter schema for argument validation.
// The document is round-tripped through encoding/json so the compiler sees
// plain JSON values regardless of how the schema map was assembled.
func compileSchema(s Schema) (*jsonschema.Schema, error) {
	doc, err := toJSONValue(s.JSONSchema())
	if err != nil {
		return nil, fmt.Errorf("encode parameter schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	resource := s.Name + ".schema.json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add parameter schema: %w", err)
	}
	compiled, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile parameter schema: %w", err)
	}
	return compiled, nil
}

// toJSONValue normalises v to the value shapes produced by json.Unmarshal
// (map[string]any, []any, float64, string, bool, nil).
func toJSONValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
