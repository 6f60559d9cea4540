package store

import "reflect"

// Matches reproduces Postgres jsonb containment (metadata @> filter) in Go:
// nested objects are contained recursively, arrays must match exactly element
// by element, and scalars compare by equality. A nil filter allows all.
func Matches(metadata, filter map[string]interface{}) bool {
	if filter == nil {
		return true
	}
	return contains(metadata, filter)
}

func contains(super, sub map[string]interface{}) bool {
	for k, want := range sub {
		got, ok := super[k]
		if !ok {
			return false
		}
		if !valueContains(got, want) {
			return false
		}
	}
	return true
}

func valueContains(got, want interface{}) bool {
	switch w := want.(type) {
	case map[string]interface{}:
		g, ok := got.(map[string]interface{})
		if !ok {
			return false
		}
		return contains(g, w)
	case []interface{}:
		g, ok := got.([]interface{})
		if !ok || len(g) != len(w) {
			return false
		}
		for i := range w {
			if !valueContains(g[i], w[i]) {
				return false
			}
		}
		return true
	default:
		return scalarEqual(got, want)
	}
}

// scalarEqual compares scalars the way jsonb does: numbers by value, so an
// int filter matches the float64 that encoding/json produces.
func scalarEqual(got, want interface{}) bool {
	if gn, ok := asFloat(got); ok {
		if wn, ok := asFloat(want); ok {
			return gn == wn
		}
		return false
	}
	return reflect.DeepEqual(got, want)
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
