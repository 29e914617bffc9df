package tool

import "encoding/json"

// Argument accessors. Tool arguments arrive as map[string]any decoded from
// JSON or assembled by callers, so numeric values may be float64, int, or
// json.Number depending on the path taken. These helpers normalise access.

// StringArg returns the string value of key, and whether it was present and
// a string.
func StringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// NumberArg returns the numeric value of key as a float64.
func NumberArg(args map[string]any, key string) (float64, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// IntArg returns the numeric value of key truncated to an int.
func IntArg(args map[string]any, key string) (int, bool) {
	f, ok := NumberArg(args, key)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// BoolArg returns the boolean value of key.
func BoolArg(args map[string]any, key string) (bool, bool) {
	v, ok := args[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}
