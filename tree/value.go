package tree

import (
	"fmt"
	"slices"
)

// Value is a field payload. Supported dynamic types are string, float64 and
// []float64.
type Value = any

// NormalizeValue checks v and converts JSON-decoded forms ([]any of numbers,
// json numbers as float64) into the canonical types.
func NormalizeValue(v any) (Value, error) {
	switch x := v.(type) {
	case string, float64:
		return x, nil
	case int:
		return float64(x), nil
	case []float64:
		return slices.Clone(x), nil
	case []any:
		out := make([]float64, len(x))
		for i, e := range x {
			f, ok := e.(float64)
			if !ok {
				return nil, fmt.Errorf("%w: element %d is %T", ErrInvalidValue, i, e)
			}
			out[i] = f
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrInvalidValue, v)
	}
}

func cloneValue(v Value) Value {
	if arr, ok := v.([]float64); ok {
		return slices.Clone(arr)
	}
	return v
}

func valuesEqual(a, b Value) bool {
	switch x := a.(type) {
	case []float64:
		y, ok := b.([]float64)
		return ok && slices.Equal(x, y)
	default:
		return a == b
	}
}
