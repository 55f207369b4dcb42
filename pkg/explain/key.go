package explain

import (
	"crypto/sha256"
	"encoding/hex"
)

// CacheKey derives the cache key for a symbol and its surrounding context.
// The full context is hashed, not a prefix: two occurrences of the same
// symbol in different passages must never collide, and hashing keeps long
// contexts from producing unbounded keys.
func CacheKey(symbol, context string) string {
	h := sha256.New()
	h.Write([]byte(symbol))
	h.Write([]byte{0})
	h.Write([]byte(context))
	return hex.EncodeToString(h.Sum(nil))
}
