// Package diceroller provides built-in tools for resolving dice rolls and
// random table lookups in a TTRPG session.
//
// Two tools are exported via [Tools]:
//   - "roll"       — evaluates a standard dice expression (e.g. "2d6+3").
//   - "roll_table" — rolls on a named in-memory random table.
//
// All handlers are safe for concurrent use. Randomness uses [math/rand/v2]
// with a per-process automatically-seeded source.
package diceroller

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/MrWong99/scribax/internal/tool"
)

const (
	// maxDice bounds the number of dice in one expression.
	maxDice = 100

	// maxSides bounds the die size in one expression.
	maxSides = 1000
)

// RollResult is the outcome of evaluating one dice expression.
type RollResult struct {
	// Expression is the original dice expression, echoed back to the caller.
	Expression string `json:"expression"`

	// Rolls holds the individual die results before the modifier is applied.
	Rolls []int `json:"rolls"`

	// Modifier is the flat bonus or penalty applied to the sum of Rolls.
	Modifier int `json:"modifier"`

	// Total is the sum of all rolls plus the modifier.
	Total int `json:"total"`
}

// TableResult is the outcome of rolling on a named random table.
type TableResult struct {
	// Table is the name of the table that was rolled on.
	Table string `json:"table"`

	// Roll is the raw die result (1-based index into the table).
	Roll int `json:"roll"`

	// Result is the textual entry from the table corresponding to Roll.
	Result string `json:"result"`
}

// ParseExpression parses a dice expression of the form NdS, NdS+M, or NdS-M.
// N is the number of dice (defaults to 1 when omitted), S is the number of
// sides (must be ≥ 1), and M is an optional integer modifier (may be
// negative). Count and sides are bounded so a hostile expression cannot
// allocate unbounded memory.
//
// Returns (count, sides, modifier, nil) on success, or a descriptive error.
func ParseExpression(expr string) (count, sides, modifier int, err error) {
	expr = strings.ToLower(strings.TrimSpace(expr))

	dIdx := strings.Index(expr, "d")
	if dIdx == -1 {
		return 0, 0, 0, fmt.Errorf("diceroller: invalid expression %q: missing 'd' separator", expr)
	}

	countStr := expr[:dIdx]
	if countStr == "" {
		count = 1
	} else {
		count, err = strconv.Atoi(countStr)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("diceroller: invalid dice count %q in expression %q", countStr, expr)
		}
	}
	if count < 1 {
		return 0, 0, 0, fmt.Errorf("diceroller: dice count must be ≥ 1, got %d in expression %q", count, expr)
	}
	if count > maxDice {
		return 0, 0, 0, fmt.Errorf("diceroller: dice count must be ≤ %d, got %d in expression %q", maxDice, count, expr)
	}

	rest := expr[dIdx+1:]

	plusIdx := strings.Index(rest, "+")
	minusIdx := strings.Index(rest, "-")

	switch {
	case plusIdx != -1:
		sides, err = strconv.Atoi(rest[:plusIdx])
		if err != nil {
			return 0, 0, 0, fmt.Errorf("diceroller: invalid sides %q in expression %q", rest[:plusIdx], expr)
		}
		modifier, err = strconv.Atoi(rest[plusIdx+1:])
		if err != nil {
			return 0, 0, 0, fmt.Errorf("diceroller: invalid modifier %q in expression %q", rest[plusIdx+1:], expr)
		}

	case minusIdx != -1:
		sides, err = strconv.Atoi(rest[:minusIdx])
		if err != nil {
			return 0, 0, 0, fmt.Errorf("diceroller: invalid sides %q in expression %q", rest[:minusIdx], expr)
		}
		mod, err2 := strconv.Atoi(rest[minusIdx+1:])
		if err2 != nil {
			return 0, 0, 0, fmt.Errorf("diceroller: invalid modifier %q in expression %q", rest[minusIdx+1:], expr)
		}
		modifier = -mod

	default:
		sides, err = strconv.Atoi(rest)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("diceroller: invalid sides %q in expression %q", rest, expr)
		}
	}

	if sides < 1 {
		return 0, 0, 0, fmt.Errorf("diceroller: sides must be ≥ 1, got %d in expression %q", sides, expr)
	}
	if sides > maxSides {
		return 0, 0, 0, fmt.Errorf("diceroller: sides must be ≤ %d, got %d in expression %q", maxSides, sides, expr)
	}

	return count, sides, modifier, nil
}

// Roll evaluates a parsed expression, returning the individual die results
// and the modified total.
func Roll(count, sides, modifier int) (rolls []int, total int) {
	rolls = make([]int, count)
	total = modifier
	for i := range count {
		r := rand.IntN(sides) + 1
		rolls[i] = r
		total += r
	}
	return rolls, total
}

// rollHandler implements the "roll" tool.
func rollHandler(_ context.Context, args map[string]any) (any, error) {
	expr, _ := tool.StringArg(args, "expression")
	count, sides, modifier, err := ParseExpression(expr)
	if err != nil {
		return nil, err
	}
	rolls, total := Roll(count, sides, modifier)
	return RollResult{
		Expression: expr,
		Rolls:      rolls,
		Modifier:   modifier,
		Total:      total,
	}, nil
}

// rollTableHandler implements the "roll_table" tool. It looks up the named
// table, rolls a die of the table's size, and returns the matching entry.
func rollTableHandler(_ context.Context, args map[string]any) (any, error) {
	name, _ := tool.StringArg(args, "table_name")

	entries, ok := builtinTables[name]
	if !ok {
		return nil, fmt.Errorf("diceroller: unknown table %q; available tables: %v", name, TableNames())
	}

	roll := rand.IntN(len(entries)) + 1 // 1-based die result
	return TableResult{
		Table:  name,
		Roll:   roll,
		Result: entries[roll-1],
	}, nil
}

// Tools returns the dice-roller tools ready for registration.
//
// The returned tools are:
//   - "roll": evaluates a dice expression such as "2d6+3".
//   - "roll_table": rolls on a named built-in random table.
func Tools() []tool.Tool {
	tableNames := make([]any, 0, len(builtinTables))
	for _, n := range TableNames() {
		tableNames = append(tableNames, n)
	}

	return []tool.Tool{
		tool.Func{
			Spec: tool.Schema{
				Name:        "roll",
				Description: "Evaluate a dice expression and return each individual die result and the total. Supports standard notation such as 2d6+3, 1d20, or 4d8-1.",
				Params: []tool.Param{
					{
						Name:        "expression",
						Type:        "string",
						Description: "Dice expression to evaluate, e.g. 2d6+3, 1d20, 4d8-1",
						Required:    true,
					},
				},
				Returns: "object with expression, rolls, modifier, and total",
			},
			Fn: rollHandler,
		},
		tool.Func{
			Spec: tool.Schema{
				Name:        "roll_table",
				Description: "Roll on a named random table and return the result. Useful for generating spontaneous encounters, loot, or wild magic effects.",
				Params: []tool.Param{
					{
						Name:        "table_name",
						Type:        "string",
						Description: "Name of the random table to roll on.",
						Required:    true,
						Enum:        tableNames,
					},
				},
				Returns: "object with table, roll, and result",
			},
			Fn: rollTableHandler,
		},
	}
}
