package tool

import (
	"context"
	"strings"
	"testing"
	"time"
)

// TestSchemaValidate verifies the schema contract checks.
func TestSchemaValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		schema  Schema
		wantErr string
	}{
		{
			name: "valid schema",
			schema: Schema{
				Name:        "lookup_rule",
				Description: "finds a rule",
				Params: []Param{
					{Name: "query", Type: "string", Required: true},
					{Name: "limit", Type: "integer", Default: 5},
				},
			},
		},
		{
			name:    "empty name",
			schema:  Schema{Description: "anonymous"},
			wantErr: "name must not be empty",
		},
		{
			name: "empty param name",
			schema: Schema{
				Name:   "bad_param",
				Params: []Param{{Type: "string"}},
			},
			wantErr: "parameter name must not be empty",
		},
		{
			name: "unknown param type",
			schema: Schema{
				Name:   "bad_type",
				Params: []Param{{Name: "x", Type: "decimal"}},
			},
			wantErr: "unknown type",
		},
		{
			name: "required param with default",
			schema: Schema{
				Name:   "conflict",
				Params: []Param{{Name: "x", Type: "string", Required: true, Default: "y"}},
			},
			wantErr: "cannot carry a default",
		},
		{
			name:    "negative cache TTL",
			schema:  Schema{Name: "bad_ttl", CacheTTL: -time.Second},
			wantErr: "must not be negative",
		},
		{
			name:    "negative max duration",
			schema:  Schema{Name: "bad_duration", MaxDuration: -time.Second},
			wantErr: "must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.schema.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

// TestSchemaJSONSchema verifies the generated JSON Schema document shape.
func TestSchemaJSONSchema(t *testing.T) {
	t.Parallel()

	s := Schema{
		Name:        "roll_dice",
		Description: "rolls dice",
		Params: []Param{
			{Name: "expression", Type: "string", Description: "dice notation", Required: true},
			{Name: "advantage", Type: "string", Enum: []any{"none", "advantage", "disadvantage"}, Default: "none"},
		},
	}

	doc := s.JSONSchema()
	if doc["type"] != "object" {
		t.Errorf("type = %v, want object", doc["type"])
	}

	props, ok := doc["properties"].(map[string]any)
	if !ok {
		t.Fatalf("properties has type %T, want map[string]any", doc["properties"])
	}
	expr, ok := props["expression"].(map[string]any)
	if !ok {
		t.Fatalf("expression property missing: %v", props)
	}
	if expr["type"] != "string" || expr["description"] != "dice notation" {
		t.Errorf("expression property = %v, want string type with description", expr)
	}

	adv, ok := props["advantage"].(map[string]any)
	if !ok {
		t.Fatalf("advantage property missing: %v", props)
	}
	if enum, ok := adv["enum"].([]any); !ok || len(enum) != 3 {
		t.Errorf("advantage enum = %v, want 3 values", adv["enum"])
	}
	if adv["default"] != "none" {
		t.Errorf("advantage default = %v, want none", adv["default"])
	}

	required, ok := doc["required"].([]string)
	if !ok || len(required) != 1 || required[0] != "expression" {
		t.Errorf("required = %v, want [expression]", doc["required"])
	}
}

// TestSchemaJSONSchemaRawOverride verifies that an explicit Raw document
// wins over the generated one.
func TestSchemaJSONSchemaRawOverride(t *testing.T) {
	t.Parallel()

	raw := map[string]any{"type": "object", "minProperties": float64(1)}
	s := Schema{
		Name:   "raw_tool",
		Params: []Param{{Name: "ignored", Type: "string"}},
		Raw:    raw,
	}

	doc := s.JSONSchema()
	if doc["minProperties"] != float64(1) {
		t.Errorf("minProperties = %v, want 1", doc["minProperties"])
	}
	if _, ok := doc["properties"]; ok {
		t.Error("generated properties leaked into a raw schema")
	}
}

// TestSchemaApplyDefaults verifies default completion without mutating the
// caller's map.
func TestSchemaApplyDefaults(t *testing.T) {
	t.Parallel()

	s := Schema{
		Name: "search",
		Params: []Param{
			{Name: "query", Type: "string", Required: true},
			{Name: "limit", Type: "integer", Default: 10},
			{Name: "system", Type: "string", Default: "dnd5e"},
		},
	}

	in := map[string]any{"query": "grapple", "system": "pathfinder"}
	out := s.ApplyDefaults(in)

	if out["query"] != "grapple" {
		t.Errorf("query = %v, want grapple", out["query"])
	}
	if out["limit"] != 10 {
		t.Errorf("limit = %v, want default 10", out["limit"])
	}
	if out["system"] != "pathfinder" {
		t.Errorf("system = %v, want explicit value to win over default", out["system"])
	}
	if _, ok := in["limit"]; ok {
		t.Error("ApplyDefaults mutated the input map")
	}

	fromNil := s.ApplyDefaults(nil)
	if fromNil["limit"] != 10 || fromNil["system"] != "dnd5e" {
		t.Errorf("ApplyDefaults(nil) = %v, want both defaults present", fromNil)
	}
}

// TestSchemaDefinition verifies the LLM wire conversion.
func TestSchemaDefinition(t *testing.T) {
	t.Parallel()

	s := Schema{
		Name:        "get_weather",
		Description: "weather by location",
		Params:      []Param{{Name: "location", Type: "string", Required: true}},
	}

	def := s.Definition()
	if def.Name != "get_weather" {
		t.Errorf("Name = %q, want get_weather", def.Name)
	}
	if def.Description != "weather by location" {
		t.Errorf("Description = %q, want weather by location", def.Description)
	}
	if def.Parameters["type"] != "object" {
		t.Errorf("Parameters type = %v, want object", def.Parameters["type"])
	}
}

// TestFuncExecute verifies the function adapter satisfies Tool.
func TestFuncExecute(t *testing.T) {
	t.Parallel()

	f := Func{
		Spec: Schema{Name: "shout"},
		Fn: func(_ context.Context, args map[string]any) (any, error) {
			s, _ := StringArg(args, "text")
			return strings.ToUpper(s), nil
		},
	}

	if got := f.Schema().Name; got != "shout" {
		t.Errorf("Schema().Name = %q, want shout", got)
	}
	v, err := f.Execute(context.Background(), map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if v != "HI" {
		t.Errorf("Execute() = %v, want HI", v)
	}
}

// TestArgAccessors verifies the typed argument helpers across the value
// shapes produced by JSON decoding.
func TestArgAccessors(t *testing.T) {
	t.Parallel()

	args := map[string]any{
		"name":    "Eldrinax",
		"level":   float64(7),
		"count":   3,
		"active":  true,
		"ratio":   0.25,
		"invalid": struct{}{},
	}

	if v, ok := StringArg(args, "name"); !ok || v != "Eldrinax" {
		t.Errorf("StringArg(name) = %q, %v; want Eldrinax, true", v, ok)
	}
	if _, ok := StringArg(args, "level"); ok {
		t.Error("StringArg(level) = true, want false for a number")
	}
	if v, ok := NumberArg(args, "level"); !ok || v != 7 {
		t.Errorf("NumberArg(level) = %v, %v; want 7, true", v, ok)
	}
	if v, ok := NumberArg(args, "ratio"); !ok || v != 0.25 {
		t.Errorf("NumberArg(ratio) = %v, %v; want 0.25, true", v, ok)
	}
	if v, ok := IntArg(args, "count"); !ok || v != 3 {
		t.Errorf("IntArg(count) = %v, %v; want 3, true", v, ok)
	}
	if v, ok := IntArg(args, "level"); !ok || v != 7 {
		t.Errorf("IntArg(level) = %v, %v; want 7 from float64, true", v, ok)
	}
	if v, ok := BoolArg(args, "active"); !ok || !v {
		t.Errorf("BoolArg(active) = %v, %v; want true, true", v, ok)
	}
	if _, ok := NumberArg(args, "invalid"); ok {
		t.Error("NumberArg(invalid) = true, want false for a struct value")
	}
	if _, ok := StringArg(args, "missing"); ok {
		t.Error("StringArg(missing) = true, want false for an absent key")
	}
}
