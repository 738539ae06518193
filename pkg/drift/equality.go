package drift

import (
	"encoding/json"
	"math"
	"reflect"

	"github.com/cloudops-central/reconciler/pkg/engine"
)

// Comparator reports whether an observed and a desired value are equal.
type Comparator func(observed, desired any) bool

// Exact compares scalars exactly. Numbers are compared by value regardless
// of their Go type so YAML ints and JSON floats agree.
func Exact(observed, desired any) bool {
	of, oNum := toFloat(observed)
	df, dNum := toFloat(desired)
	if oNum || dNum {
		return oNum && dNum && of == df
	}
	if isComposite(observed) || isComposite(desired) {
		return canonicalEqual(observed, desired)
	}
	return observed == desired
}

// Tolerance compares numbers within eps and falls back to Exact otherwise.
func Tolerance(eps float64) Comparator {
	return func(observed, desired any) bool {
		of, oNum := toFloat(observed)
		df, dNum := toFloat(desired)
		if oNum && dNum {
			return math.Abs(of-df) <= eps
		}
		return Exact(observed, desired)
	}
}

// SetEqual compares two lists as multisets, ignoring element order.
func SetEqual(observed, desired any) bool {
	ol, ok1 := toList(observed)
	dl, ok2 := toList(desired)
	if !ok1 || !ok2 {
		return Exact(observed, desired)
	}
	if len(ol) != len(dl) {
		return false
	}
	counts := make(map[string]int, len(ol))
	for _, v := range ol {
		key, err := engine.MarshalCanonical(v)
		if err != nil {
			return false
		}
		counts[string(key)]++
	}
	for _, v := range dl {
		key, err := engine.MarshalCanonical(v)
		if err != nil {
			return false
		}
		counts[string(key)]--
		if counts[string(key)] < 0 {
			return false
		}
	}
	return true
}

// Ordered compares two lists element by element with cmp.
func Ordered(cmp Comparator) Comparator {
	return func(observed, desired any) bool {
		ol, ok1 := toList(observed)
		dl, ok2 := toList(desired)
		if !ok1 || !ok2 {
			return cmp(observed, desired)
		}
		if len(ol) != len(dl) {
			return false
		}
		for i := range ol {
			if !cmp(ol[i], dl[i]) {
				return false
			}
		}
		return true
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func isFractional(v any) bool {
	f, ok := toFloat(v)
	return ok && f != math.Trunc(f)
}

func toList(v any) ([]any, bool) {
	if l, ok := v.([]any); ok {
		return l, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func toMap(v any) (map[string]any, bool) {
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

func isComposite(v any) bool {
	if _, ok := toMap(v); ok {
		return true
	}
	_, ok := toList(v)
	return ok
}

func canonicalEqual(a, b any) bool {
	ca, err := engine.MarshalCanonical(a)
	if err != nil {
		return false
	}
	cb, err := engine.MarshalCanonical(b)
	if err != nil {
		return false
	}
	return string(ca) == string(cb)
}
