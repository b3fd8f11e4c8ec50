package itemcache

import (
	"encoding/json"
	"fmt"
	"sort"
)

// parseCacheFile decodes the canonical array-of-strings format or one of
// the accepted legacy shapes:
//
//	{"processedItems": ["id", ...]}
//	{"items": ["id", ...]}
//	{"id1": true, "id2": true, ...}
//	[{"id": "..."}, ...]
//
// The second return value reports whether a legacy shape was migrated.
func parseCacheFile(raw []byte) ([]string, bool, error) {
	// Canonical: array of strings.
	var canonical []string
	if err := json.Unmarshal(raw, &canonical); err == nil {
		return canonical, false, nil
	}

	// Legacy: array of objects with an "id" field.
	var objects []map[string]any
	if err := json.Unmarshal(raw, &objects); err == nil {
		ids := make([]string, 0, len(objects))
		for i, obj := range objects {
			id, ok := obj["id"].(string)
			if !ok || id == "" {
				return nil, false, fmt.Errorf("legacy object entry %d has no string id", i)
			}
			ids = append(ids, id)
		}
		return ids, true, nil
	}

	// Legacy: wrapper object or boolean map.
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, false, fmt.Errorf("unrecognized cache file shape: %w", err)
	}

	for _, key := range []string{"processedItems", "items"} {
		if inner, ok := wrapper[key]; ok {
			var ids []string
			if err := json.Unmarshal(inner, &ids); err != nil {
				return nil, false, fmt.Errorf("legacy %q field is not an array of strings: %w", key, err)
			}
			return ids, true, nil
		}
	}

	// Boolean map: {"id1": true, ...}. Keys are the IDs; only truthy
	// entries are retained. Iteration order of a Go map is random, so
	// sort for a deterministic migration result.
	var boolMap map[string]bool
	if err := json.Unmarshal(raw, &boolMap); err != nil {
		return nil, false, fmt.Errorf("unrecognized cache file shape")
	}
	ids := make([]string, 0, len(boolMap))
	for id, seen := range boolMap {
		if seen {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, true, nil
}
