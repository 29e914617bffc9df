package diceroller

import (
	"context"
	"strings"
	"testing"
)

// ─────────────────────────────────────────────────────────────────────────────
// ParseExpression tests
// ─────────────────────────────────────────────────────────────────────────────

func TestParseExpression_Valid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		expr         string
		wantCount    int
		wantSides    int
		wantModifier int
	}{
		{"1d6", 1, 6, 0},
		{"2d6+3", 2, 6, 3},
		{"4d8-1", 4, 8, -1},
		{"1d20", 1, 20, 0},
		{"10d10+5", 10, 10, 5},
		{"1d1", 1, 1, 0},
		{"d20", 1, 20, 0}, // implicit count of 1
		{"D6", 1, 6, 0},   // case-insensitive
		{"3d6+0", 3, 6, 0},
		{"1d100-50", 1, 100, -50},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			count, sides, modifier, err := ParseExpression(tt.expr)
			if err != nil {
				t.Fatalf("ParseExpression(%q) unexpected error: %v", tt.expr, err)
			}
			if count != tt.wantCount {
				t.Errorf("count = %d, want %d", count, tt.wantCount)
			}
			if sides != tt.wantSides {
				t.Errorf("sides = %d, want %d", sides, tt.wantSides)
			}
			if modifier != tt.wantModifier {
				t.Errorf("modifier = %d, want %d", modifier, tt.wantModifier)
			}
		})
	}
}

func TestParseExpression_Invalid(t *testing.T) {
	t.Parallel()
	cases := []string{
		"",        // empty
		"6",       // no 'd'
		"0d6",     // count < 1
		"2d0",     // sides < 1
		"xd6",     // non-numeric count
		"2dx",     // non-numeric sides
		"2d6+y",   // non-numeric modifier
		"2d6-z",   // non-numeric modifier after minus
		"abc",     // complete garbage
		"999d6",   // count over the cap
		"1d99999", // sides over the cap
	}

	for _, expr := range cases {
		t.Run(expr, func(t *testing.T) {
			_, _, _, err := ParseExpression(expr)
			if err == nil {
				t.Errorf("ParseExpression(%q) expected error, got nil", expr)
			}
			if !strings.HasPrefix(err.Error(), "diceroller:") {
				t.Errorf("error %q should be prefixed with 'diceroller:'", err.Error())
			}
		})
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// roll tool tests
// ─────────────────────────────────────────────────────────────────────────────

func TestRollHandler_Valid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		expr      string
		wantCount int // expected number of rolls
		minTotal  int
		maxTotal  int
	}{
		{"1d1", "1d1", 1, 1, 1},
		{"2d6+3", "2d6+3", 2, 5, 15},
		{"4d8-1", "4d8-1", 4, 3, 31},
		{"10d10+5", "10d10+5", 10, 15, 105},
		{"1d20", "1d20", 1, 1, 20},
	}

	ctx := context.Background()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := rollHandler(ctx, map[string]any{"expression": tt.expr})
			if err != nil {
				t.Fatalf("rollHandler(%q) unexpected error: %v", tt.expr, err)
			}

			res, ok := out.(RollResult)
			if !ok {
				t.Fatalf("result has type %T, want RollResult", out)
			}

			if len(res.Rolls) != tt.wantCount {
				t.Errorf("len(Rolls) = %d, want %d", len(res.Rolls), tt.wantCount)
			}
			if res.Total < tt.minTotal || res.Total > tt.maxTotal {
				t.Errorf("Total = %d, want in [%d, %d]", res.Total, tt.minTotal, tt.maxTotal)
			}
			sum := 0
			for _, r := range res.Rolls {
				if r < 1 {
					t.Errorf("individual roll %d < 1", r)
				}
				sum += r
			}
			if res.Total != sum+res.Modifier {
				t.Errorf("Total %d != sum(%d) + modifier(%d)", res.Total, sum, res.Modifier)
			}
		})
	}
}

func TestRollHandler_Invalid(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cases := []struct {
		name string
		args map[string]any
	}{
		{"empty expression", map[string]any{"expression": ""}},
		{"no expression key", map[string]any{}},
		{"invalid expression", map[string]any{"expression": "abc"}},
		{"zero count", map[string]any{"expression": "0d6"}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rollHandler(ctx, tt.args)
			if err == nil {
				t.Errorf("rollHandler(%v) expected error, got nil", tt.args)
			}
		})
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// roll_table tool tests
// ─────────────────────────────────────────────────────────────────────────────

func TestRollTableHandler_Valid(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for _, tableName := range TableNames() {
		t.Run(tableName, func(t *testing.T) {
			out, err := rollTableHandler(ctx, map[string]any{"table_name": tableName})
			if err != nil {
				t.Fatalf("rollTableHandler(%q) unexpected error: %v", tableName, err)
			}

			res, ok := out.(TableResult)
			if !ok {
				t.Fatalf("result has type %T, want TableResult", out)
			}

			if res.Table != tableName {
				t.Errorf("Table = %q, want %q", res.Table, tableName)
			}

			entries := builtinTables[tableName]
			if res.Roll < 1 || res.Roll > len(entries) {
				t.Errorf("Roll = %d, want in [1, %d]", res.Roll, len(entries))
			}
			if res.Result == "" {
				t.Error("Result must not be empty")
			}
			if res.Result != entries[res.Roll-1] {
				t.Errorf("Result %q does not match table entry for roll %d", res.Result, res.Roll)
			}
		})
	}
}

func TestRollTableHandler_Invalid(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cases := []struct {
		name string
		args map[string]any
	}{
		{"unknown table", map[string]any{"table_name": "nonexistent_table"}},
		{"empty table name", map[string]any{"table_name": ""}},
		{"missing table name", map[string]any{}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rollTableHandler(ctx, tt.args)
			if err == nil {
				t.Errorf("rollTableHandler(%v) expected error, got nil", tt.args)
			}
			if err != nil && !strings.HasPrefix(err.Error(), "diceroller:") {
				t.Errorf("error %q should be prefixed with 'diceroller:'", err.Error())
			}
		})
	}
}

// TestTools verifies that [Tools] returns the expected tool definitions.
func TestTools(t *testing.T) {
	t.Parallel()
	ts := Tools()
	if len(ts) != 2 {
		t.Fatalf("Tools() returned %d tools, want 2", len(ts))
	}

	names := map[string]bool{}
	for _, tl := range ts {
		s := tl.Schema()
		names[s.Name] = true
		if err := s.Validate(); err != nil {
			t.Errorf("tool %q has invalid schema: %v", s.Name, err)
		}
	}

	for _, want := range []string{"roll", "roll_table"} {
		if !names[want] {
			t.Errorf("Tools() missing tool %q", want)
		}
	}
}
