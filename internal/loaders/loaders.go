// Package loaders provides the built-in model loaders wired into the worker
// subcommand: an echo loader for smoke tests and lightweight embedding and
// rerank loaders. Heavyweight numeric models live outside this repository
// and plug in through the same worker.Loader contract.
package loaders

import "fmt"

// stringSlice coerces a decoded JSON value into []string. JSON arrays arrive
// as []any after decoding; plain []string is accepted for direct callers.
func stringSlice(v any) ([]string, error) {
	switch vv := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return vv, nil
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("expected string element, got %T", e)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected string list, got %T", v)
	}
}

// intValue coerces a decoded JSON number into int, returning def when absent.
func intValue(v any, def int) int {
	switch vv := v.(type) {
	case int:
		return vv
	case float64:
		return int(vv)
	default:
		return def
	}
}

// boolValue returns def when v is absent or not a bool.
func boolValue(v any, def bool) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}
