package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
)

const contextInputPrefix = "$$.Execution.Input"

// resolvePath reads a reference such as $.a.b from data or
// $$.Execution.Input.x from the execution input.
func resolvePath(path string, data, input any) (any, error) {
	path = strings.TrimSpace(path)
	switch {
	case strings.HasPrefix(path, contextInputPrefix):
		return walk(input, strings.TrimPrefix(path, contextInputPrefix), path)
	case strings.HasPrefix(path, "$"):
		return walk(data, strings.TrimPrefix(path, "$"), path)
	default:
		return nil, fmt.Errorf("invalid path %q", path)
	}
}

func splitPath(rest string) []string {
	rest = strings.TrimPrefix(rest, ".")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, ".")
}

func walk(v any, rest, full string) (any, error) {
	cur := v
	for _, key := range splitPath(rest) {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q: %q is not an object", full, key)
		}
		next, ok := m[key]
		if !ok {
			return nil, fmt.Errorf("path %q: field %q not found", full, key)
		}
		cur = next
	}
	return cur, nil
}

// applyResultPath places result into data at path. An empty path or "$"
// replaces the document.
func applyResultPath(data any, path string, result any) (any, error) {
	path = strings.TrimSpace(path)
	if path == "" || path == "$" {
		return result, nil
	}
	if !strings.HasPrefix(path, "$.") {
		return nil, fmt.Errorf("invalid ResultPath %q", path)
	}
	keys := splitPath(strings.TrimPrefix(path, "$"))
	root, ok := deepCopy(data).(map[string]any)
	if !ok {
		root = map[string]any{}
	}
	cur := root
	for i, key := range keys {
		if i == len(keys)-1 {
			cur[key] = result
			break
		}
		child, ok := cur[key].(map[string]any)
		if !ok {
			child = map[string]any{}
			cur[key] = child
		}
		cur = child
	}
	return root, nil
}

// renderParameters resolves every key ending in ".$" against data and input.
func renderParameters(params map[string]any, data, input any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		if name, ok := strings.CutSuffix(k, ".$"); ok {
			ref, isString := v.(string)
			if !isString {
				return nil, fmt.Errorf("parameter %q must be a path string", k)
			}
			resolved, err := resolvePath(ref, data, input)
			if err != nil {
				return nil, err
			}
			out[name] = resolved
			continue
		}
		if nested, ok := asMap(v); ok {
			rendered, err := renderParameters(nested, data, input)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
			continue
		}
		out[k] = v
	}
	return out, nil
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	default:
		return nil, false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// deepCopy clones maps and slices so parallel branches never share state.
func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}
