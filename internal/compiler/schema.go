package compiler

import (
	"encoding/json"
	"fmt"
	"math"
)

// InputSchema returns a normalized JSON Schema describing the tool's
// arguments, suitable for publishing on an MCP server.
func (t *Tool) InputSchema() map[string]any {
	props := make(map[string]any, len(t.params))
	for _, p := range t.params {
		prop := copyMap(p.schema)
		if p.Category != CategoryBody {
			prop["x-category"] = string(p.Category)
		} else {
			delete(prop, "x-category")
		}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[p.Name] = prop
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if req := t.Required(); len(req) > 0 {
		required := make([]any, 0, len(req))
		for _, name := range req {
			required = append(required, name)
		}
		schema["required"] = required
	}
	return schema
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

// cloneValue deep-copies maps and slices so defaults are never shared
// between calls.
func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return copyMap(x)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

func allStrings(v any) bool {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return false
	}
	for _, item := range list {
		if _, ok := item.(string); !ok {
			return false
		}
	}
	return true
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func optionalFloat(raw map[string]any, key string) (*float64, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return nil, nil
	}
	f, ok := toFloat(v)
	if !ok || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%s must be a number", key)
	}
	return &f, nil
}

func nonNegativeInt(raw map[string]any, key string) (*int, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return nil, nil
	}
	n, ok := toInt(v)
	if !ok {
		if num, isNum := v.(json.Number); isNum {
			return nil, fmt.Errorf("%s must be an integer, got %s", key, num)
		}
		return nil, fmt.Errorf("%s must be an integer", key)
	}
	if n < 0 {
		return nil, fmt.Errorf("%s must not be negative", key)
	}
	i := int(n)
	return &i, nil
}
