// Package sanitize bounds the nesting depth of values before they are
// persisted. Subtrees that would exceed the ceiling are replaced with
// truncation markers that keep a JSON dump of the original subtree.
package sanitize

import (
	"encoding/json"
	"reflect"
)

// DefaultMaxDepth is the nesting ceiling enforced by the journal store.
const DefaultMaxDepth = 6

// Marker keys.
const (
	KeyTruncated    = "_truncated"
	KeyOriginalType = "_originalType"
	KeyItemCount    = "_itemCount"
	KeyStringified  = "_stringified"
)

const (
	typeObject = "object"
	typeArray  = "array"
)

// Sanitize returns v with every subtree that would push the total nesting
// depth above maxDepth replaced by a truncation marker. Values already within
// the ceiling are returned as-is. A maxDepth below 1 is treated as 1.
// Sanitize never panics.
func Sanitize(v any, maxDepth int) any {
	if maxDepth < 1 {
		maxDepth = 1
	}
	return sanitize(v, maxDepth)
}

func sanitize(v any, remaining int) any {
	view, kind := containerView(v)
	if kind == "" {
		return v
	}
	if boundedDepth(view, remaining) <= remaining {
		return v
	}
	if remaining <= 1 {
		return marker(v, view, kind)
	}

	switch c := view.(type) {
	case map[string]any:
		out := make(map[string]any, len(c))
		for k, child := range c {
			out[k] = sanitize(child, remaining-1)
		}
		return out
	case []any:
		out := make([]any, len(c))
		for i, child := range c {
			out[i] = sanitize(child, remaining-1)
		}
		return out
	}
	return v
}

func marker(original, view any, kind string) map[string]any {
	m := map[string]any{
		KeyTruncated:    true,
		KeyOriginalType: kind,
	}
	if arr, ok := view.([]any); ok {
		m[KeyItemCount] = len(arr)
	}
	if s, ok := stringify(original); ok {
		m[KeyStringified] = s
	}
	return m
}

// stringify is best-effort: cyclic or unsupported values yield ok=false.
func stringify(v any) (s string, ok bool) {
	defer func() {
		if recover() != nil {
			s, ok = "", false
		}
	}()
	b, err := json.Marshal(v)
	if err != nil {
		return "", false
	}
	return string(b), true
}

// CalculateDepth returns the maximum nesting depth of v: 0 for primitives,
// 1 for an empty object or array. A reference cycle counts as one level
// beyond the point where it closes.
func CalculateDepth(v any) int {
	return depth(v, map[uintptr]bool{})
}

func depth(v any, onPath map[uintptr]bool) int {
	view, kind := containerView(v)
	if kind == "" {
		return 0
	}
	if id := identity(v); id != 0 {
		if onPath[id] {
			return 1
		}
		onPath[id] = true
		defer delete(onPath, id)
	}
	maxChild := 0
	forEachChild(view, func(child any) bool {
		if d := depth(child, onPath); d > maxChild {
			maxChild = d
		}
		return true
	})
	return 1 + maxChild
}

// boundedDepth computes the depth of v but stops descending once limit is
// exceeded, so cyclic values terminate.
func boundedDepth(v any, limit int) int {
	view, kind := containerView(v)
	if kind == "" {
		return 0
	}
	if limit <= 0 {
		return 1
	}
	maxChild := 0
	forEachChild(view, func(child any) bool {
		if d := boundedDepth(child, limit-1); d > maxChild {
			maxChild = d
		}
		return maxChild < limit
	})
	return 1 + maxChild
}

func forEachChild(view any, fn func(any) bool) {
	switch c := view.(type) {
	case map[string]any:
		for _, child := range c {
			if !fn(child) {
				return
			}
		}
	case []any:
		for _, child := range c {
			if !fn(child) {
				return
			}
		}
	}
}

// containerView normalizes v to map[string]any or []any when it is a
// container, returning the JSON type name. Primitives return kind "".
func containerView(v any) (any, string) {
	switch c := v.(type) {
	case nil, string, bool, float64, float32, int, int64, int32, uint, uint64, json.Number:
		return v, ""
	case map[string]any:
		return c, typeObject
	case []any:
		return c, typeArray
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(c, &decoded); err != nil {
			return v, ""
		}
		return containerView(decoded)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return normalizeViaJSON(v)
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = iter.Value().Interface()
		}
		return out, typeObject
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return v, "" // []byte marshals as a string
		}
		fallthrough
	case reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out, typeArray
	case reflect.Struct, reflect.Pointer, reflect.Interface:
		if rv.Kind() != reflect.Struct && rv.IsNil() {
			return v, ""
		}
		return normalizeViaJSON(v)
	}
	return v, ""
}

func normalizeViaJSON(v any) (any, string) {
	s, ok := stringify(v)
	if !ok {
		return v, ""
	}
	var decoded any
	if err := json.Unmarshal([]byte(s), &decoded); err != nil {
		return v, ""
	}
	switch decoded.(type) {
	case map[string]any, []any:
		return containerView(decoded)
	}
	return v, ""
}

// identity returns a pointer identity for reference-typed containers, 0 otherwise.
func identity(v any) uintptr {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Pointer:
		return rv.Pointer()
	case reflect.Slice:
		if rv.Len() == 0 {
			return 0
		}
		return rv.Pointer()
	}
	return 0
}

// IsMarker reports whether v is a truncation marker.
func IsMarker(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	t, _ := m[KeyTruncated].(bool)
	_, hasType := m[KeyOriginalType]
	return t && hasType
}

// Expand replaces truncation markers that carry a stringified payload with the
// decoded original subtree. Markers without a payload are left in place.
func Expand(v any) any {
	switch c := v.(type) {
	case map[string]any:
		if IsMarker(c) {
			s, ok := c[KeyStringified].(string)
			if !ok {
				return c
			}
			var decoded any
			if err := json.Unmarshal([]byte(s), &decoded); err != nil {
				return c
			}
			return decoded
		}
		out := make(map[string]any, len(c))
		for k, child := range c {
			out[k] = Expand(child)
		}
		return out
	case []any:
		out := make([]any, len(c))
		for i, child := range c {
			out[i] = Expand(child)
		}
		return out
	}
	return v
}
