package flow

import "encoding/json"

// Canonicalize converts v into its canonical JSON-shaped representation
// (map[string]any / []any / string / float64 / bool / nil) — the same
// shape a cache round-trip produces. The runner applies this to every
// value an action's Run produces before it is broadcast, so every
// downstream consumer (the renderer's dotted-path lookups, the facade's
// subpath resolution, the cache coordinator) sees action outputs
// uniformly regardless of whether they came from a live Run or a cache
// hit, addressing field-name access by the output's declared JSON names
// (e.g. "second_sum.result") rather than the producing language's own
// field-naming convention. Values that fail to round-trip (non-JSON-
// marshalable outputs) are returned unchanged.
func Canonicalize(v any) any {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
