package qcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Key is an ordered, immutable sequence of scalar/composite values that
// identifies a request (spec.md §3). Any JSON-serializable value is valid;
// []interface{} is the conventional shape for a multi-part key such as
// []interface{}{"todos", userID}.
type Key = []interface{}

// Hash is the deterministic digest of a Key, derived from a canonical JSON
// serialization where object keys are sorted recursively and array order is
// preserved. Two keys collide iff their hashes are equal.
func Hash(key Key) string {
	return HashValue(key)
}

// HashValue hashes an arbitrary JSON-serializable value the same way Hash
// hashes a Key. It is exposed separately for values that are not Keys; an
// entry's hash covers only its key (or an explicit QueryHash), not its options.
func HashValue(v interface{}) string {
	raw, err := json.Marshal(v)
	if err != nil {
		raw = []byte(`"<unhashable>"`)
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		generic = string(raw)
	}

	b, err := json.Marshal(canonicalize(generic))
	if err != nil {
		b = raw
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// canonicalize expects a value already round-tripped through encoding/json
// (so only map[string]interface{}, []interface{} and JSON scalars appear)
// and rewrites every map into a key-sorted slice of [key, value] pairs,
// recursing into slices in their original order. Array order is therefore
// part of a key's identity; object key order is not.
func canonicalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]interface{}, 0, len(keys))
		for _, k := range keys {
			out = append(out, []interface{}{k, canonicalize(t[k])})
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = canonicalize(e)
		}
		return out
	default:
		return v
	}
}
