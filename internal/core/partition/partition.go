package partition

import "hash/fnv"

// Count is the fixed number of logical shards. The sessionizer's lock
// striping and the analytics fan-out both key off it, so it never changes
// after initial deployment — it's a capacity decision, not a scaling decision.
const Count = 256

// For returns the shard for a given key (session id or user id).
// Stable and deterministic: the same key always maps to the same shard,
// which is what makes "one logical writer per session id" cheap to enforce.
// Uses FNV-32a (stdlib, fast, well-distributed).
func For(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32()) % Count
}
