// Package agents provides the runtime's built-in adapters: a counter
// used across engine and consumer tests, a generic CRUD entity manager,
// and a cooperative lock manager with lease expiry.
//
// All three follow the adapter contract strictly: Receive and Tick are
// pure decisions over current state, Apply is the only mutation point,
// and every emitted envelope carries deterministic ids derived from its
// trigger so replays reproduce byte-identical logs.
package agents

// asInt64 coerces the numeric types a payload value can arrive as.
// In-process values are int64; anything that crossed a JSON boundary
// comes back float64.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

// cloneValue deep-copies the JSON-shaped payload values adapters store.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = cloneValue(x)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = cloneValue(x)
		}
		return out
	default:
		return v
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return cloneValue(m).(map[string]any)
}
