// Package randomizer provides built-in tools for uniform random integers and
// floats, for rulings where no dice expression fits.
package randomizer

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/MrWong99/scribax/internal/tool"
)

// IntResult is the outcome of a random_int call.
type IntResult struct {
	// Min and Max echo the requested inclusive range.
	Min int `json:"min"`
	Max int `json:"max"`

	// Value is the drawn integer, min ≤ Value ≤ max.
	Value int `json:"value"`
}

// FloatResult is the outcome of a random_float call.
type FloatResult struct {
	// Min and Max echo the requested half-open range.
	Min float64 `json:"min"`
	Max float64 `json:"max"`

	// Value is the drawn float, min ≤ Value < max.
	Value float64 `json:"value"`
}

// randomIntHandler implements the "random_int" tool.
func randomIntHandler(_ context.Context, args map[string]any) (any, error) {
	minVal, ok := tool.IntArg(args, "min")
	if !ok {
		return nil, fmt.Errorf("randomizer: min must be an integer")
	}
	maxVal, ok := tool.IntArg(args, "max")
	if !ok {
		return nil, fmt.Errorf("randomizer: max must be an integer")
	}
	if minVal > maxVal {
		return nil, fmt.Errorf("randomizer: min %d must not exceed max %d", minVal, maxVal)
	}

	span := maxVal - minVal + 1
	return IntResult{Min: minVal, Max: maxVal, Value: minVal + rand.IntN(span)}, nil
}

// randomFloatHandler implements the "random_float" tool.
func randomFloatHandler(_ context.Context, args map[string]any) (any, error) {
	minVal, ok := tool.NumberArg(args, "min")
	if !ok {
		return nil, fmt.Errorf("randomizer: min must be a number")
	}
	maxVal, ok := tool.NumberArg(args, "max")
	if !ok {
		return nil, fmt.Errorf("randomizer: max must be a number")
	}
	if math.IsNaN(minVal) || math.IsNaN(maxVal) || math.IsInf(minVal, 0) || math.IsInf(maxVal, 0) {
		return nil, fmt.Errorf("randomizer: bounds must be finite")
	}
	if minVal > maxVal {
		return nil, fmt.Errorf("randomizer: min %v must not exceed max %v", minVal, maxVal)
	}

	return FloatResult{Min: minVal, Max: maxVal, Value: minVal + rand.Float64()*(maxVal-minVal)}, nil
}

// Tools returns the randomizer tools ready for registration.
//
// The returned tools are:
//   - "random_int":   uniform integer in an inclusive range.
//   - "random_float": uniform float in a half-open range.
func Tools() []tool.Tool {
	return []tool.Tool{
		tool.Func{
			Spec: tool.Schema{
				Name:        "random_int",
				Description: "Draw a uniform random integer between min and max, both inclusive.",
				Params: []tool.Param{
					{Name: "min", Type: "integer", Description: "Lower bound, inclusive.", Required: true},
					{Name: "max", Type: "integer", Description: "Upper bound, inclusive.", Required: true},
				},
				Returns: "object with min, max, and value",
			},
			Fn: randomIntHandler,
		},
		tool.Func{
			Spec: tool.Schema{
				Name:        "random_float",
				Description: "Draw a uniform random float between min (inclusive) and max (exclusive).",
				Params: []tool.Param{
					{Name: "min", Type: "number", Description: "Lower bound, inclusive.", Default: 0.0},
					{Name: "max", Type: "number", Description: "Upper bound, exclusive.", Default: 1.0},
				},
				Returns: "object with min, max, and value",
			},
			Fn: randomFloatHandler,
		},
	}
}
