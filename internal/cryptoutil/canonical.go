package cryptoutil

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Canonical serializes v to a deterministic, compact JSON encoding:
// object keys are sorted by byte order at every nesting level, and the
// output is identical regardless of the original field or key order.
// Strings and numbers are written by encoding/json (which escapes <, >
// and &), so the output is not byte-identical to RFC 8785 (JCS) in
// every case. Every signature in
// this module is computed over Canonical(v), never over json.Marshal(v)
// directly, so that adding or reordering struct fields never silently
// changes the bytes a signature covers.
func Canonical(v any) ([]byte, error) {
	// Round-trip through the generic representation so struct field
	// order and map key order are both normalized the same way.
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: canonical: marshal: %w", err)
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("cryptoutil: canonical: unmarshal: %w", err)
	}

	sorted := sortKeys(generic)
	out, err := json.Marshal(sorted)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: canonical: re-marshal: %w", err)
	}
	return out, nil
}

// orderedMap preserves an explicit key order through json.Marshal by
// implementing json.Marshaler directly, rather than relying on Go's
// map iteration (which is randomized) or a secondary struct type.
type orderedMap struct {
	keys   []string
	values map[string]any
}

func (o *orderedMap) MarshalJSON() ([]byte, error) {
	buf := make([]byte, 0, 64)
	buf = append(buf, '{')
	for i, key := range o.keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		keyBytes, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		buf = append(buf, keyBytes...)
		buf = append(buf, ':')
		valueBytes, err := json.Marshal(o.values[key])
		if err != nil {
			return nil, err
		}
		buf = append(buf, valueBytes...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// sortKeys recursively rewrites maps into orderedMap (sorted keys) and
// walks into slices, leaving scalars untouched.
func sortKeys(value any) any {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := &orderedMap{keys: keys, values: make(map[string]any, len(v))}
		for _, k := range keys {
			ordered.values[k] = sortKeys(v[k])
		}
		return ordered
	case []any:
		result := make([]any, len(v))
		for i, item := range v {
			result[i] = sortKeys(item)
		}
		return result
	default:
		return v
	}
}
