package calculator

import (
	"context"
	"math"
	"strings"
	"testing"
)

// TestEvaluate_Valid verifies arithmetic across the supported grammar.
func TestEvaluate_Valid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		expr string
		want float64
	}{
		{"1+2", 3},
		{"2 * 3 + 4", 10},
		{"2 + 3 * 4", 14},
		{"(2 + 3) * 4", 20},
		{"10 / 4", 2.5},
		{"7 % 3", 1},
		{"2^10", 1024},
		{"2^3^2", 512}, // right-associative
		{"-4 + 6", 2},
		{"-2^2", -4},
		{"--3", 3},
		{"sqrt(16)", 4},
		{"sqrt(2)^2", 2},
		{"abs(-7.5)", 7.5},
		{"floor(2.9)", 2},
		{"ceil(2.1)", 3},
		{"round(2.5)", 3},
		{"min(3, 8)", 3},
		{"max(3, 8)", 8},
		{"pow(2, 8)", 256},
		{"log(e)", 1},
		{"log10(1000)", 3},
		{"log2(8)", 3},
		{"exp(0)", 1},
		{"sin(0)", 0},
		{"cos(0)", 1},
		{"pi", math.Pi},
		{"tau / 2", math.Pi},
		{"PI * 2", 2 * math.Pi}, // names are case-insensitive
		{"  1 +\t2  ", 3},
		{"1.5 + 2.25", 3.75},
		{".5 * 4", 2},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := Evaluate(tt.expr)
			if err != nil {
				t.Fatalf("Evaluate(%q) unexpected error: %v", tt.expr, err)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Evaluate(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

// TestEvaluate_Invalid verifies every rejection path carries a calculator
// error.
func TestEvaluate_Invalid(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		expr string
	}{
		{"empty", ""},
		{"lone operator", "+"},
		{"trailing operator", "1 +"},
		{"trailing garbage", "1 2"},
		{"unbalanced open", "(1 + 2"},
		{"unbalanced close", "1 + 2)"},
		{"division by zero", "1 / 0"},
		{"modulo by zero", "5 % 0"},
		{"unknown constant", "x + 1"},
		{"unknown function", "conjure(4)"},
		{"wrong arity unary", "sqrt(1, 2)"},
		{"wrong arity binary", "pow(2)"},
		{"empty call", "min()"},
		{"bad number", "1.2.3"},
		{"non finite result", "sqrt(-1)"},
		{"overflowing power", "pow(0, -1)"},
		{"stray comma", "1, 2"},
		{"unexpected symbol", "3 $ 4"},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Evaluate(tt.expr)
			if err == nil {
				t.Fatalf("Evaluate(%q) expected error, got nil", tt.expr)
			}
			if !strings.HasPrefix(err.Error(), "calculator:") {
				t.Errorf("error %q should be prefixed with 'calculator:'", err.Error())
			}
		})
	}
}

// TestEvaluate_DepthGuard verifies deeply nested input is rejected rather
// than recursing without bound.
func TestEvaluate_DepthGuard(t *testing.T) {
	t.Parallel()

	deep := strings.Repeat("(", 100) + "1" + strings.Repeat(")", 100)
	if _, err := Evaluate(deep); err == nil {
		t.Error("Evaluate(deeply nested) expected error, got nil")
	}

	// Moderate nesting still works.
	ok := strings.Repeat("(", 10) + "1" + strings.Repeat(")", 10)
	if _, err := Evaluate(ok); err != nil {
		t.Errorf("Evaluate(moderate nesting) unexpected error: %v", err)
	}
}

// TestCalculateHandler verifies the tool surface over the evaluator.
func TestCalculateHandler(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	out, err := calculateHandler(ctx, map[string]any{"expression": "(3 + 4) * 2"})
	if err != nil {
		t.Fatalf("calculateHandler unexpected error: %v", err)
	}
	res, ok := out.(Result)
	if !ok {
		t.Fatalf("result has type %T, want Result", out)
	}
	if res.Value != 14 {
		t.Errorf("Value = %v, want 14", res.Value)
	}
	if res.Expression != "(3 + 4) * 2" {
		t.Errorf("Expression = %q, want the input echoed", res.Expression)
	}

	if _, err := calculateHandler(ctx, map[string]any{"expression": "   "}); err == nil {
		t.Error("blank expression expected error, got nil")
	}
	if _, err := calculateHandler(ctx, map[string]any{}); err == nil {
		t.Error("missing expression expected error, got nil")
	}
}

// TestTools verifies that [Tools] returns a valid calculate tool.
func TestTools(t *testing.T) {
	t.Parallel()
	ts := Tools()
	if len(ts) != 1 {
		t.Fatalf("Tools() returned %d tools, want 1", len(ts))
	}
	s := ts[0].Schema()
	if s.Name != "calculate" {
		t.Errorf("tool name = %q, want calculate", s.Name)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("schema invalid: %v", err)
	}
}
