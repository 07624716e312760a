package memory

import "strings"

// KeyPrefix is the literal prefix of every composite key. Cache and
// vector-search backends assume it bit-exactly.
const KeyPrefix = "mesh:"

// FormatKey builds the flat composite key "mesh:{sessionID}:{key}".
// No escaping is applied: callers are responsible for avoiding ":"
// collisions inside key.
func FormatKey(sessionID, key string) string {
	return KeyPrefix + sessionID + ":" + key
}

// IsEmbeddingKey reports whether a context key designates an embedding
// entry. The universal predicate is "key contains the substring
// 'embedding', case-insensitive".
func IsEmbeddingKey(key string) bool {
	return strings.Contains(strings.ToLower(key), "embedding")
}
