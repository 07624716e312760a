// Package memory defines the MemoryStore abstraction for per-session
// context key/value data and vector embeddings, plus the shared helpers
// (composite keys, embedding parsing, cosine similarity) that every
// backend uses. Concrete backends live in the subpackages; the hybrid
// composition and the in-memory reference implementation live here.
package memory

import (
	"context"
	"fmt"
)

// ResultLimit is the maximum number of values returned by QuerySimilar
// across every backend.
const ResultLimit = 10

// MemoryStore is the single interface all higher layers consume for
// session memory. Implementations are safe for concurrent use.
type MemoryStore interface {
	// Initialize prepares the backend (schema, index, or collection
	// creation). It is idempotent: the first successful call wins and
	// subsequent calls are no-ops. A failed call leaves the store
	// uninitialized so a later call retries.
	Initialize(ctx context.Context) error

	// Save upserts the value for (sessionID, key). If the key contains
	// "embedding" (case-insensitive) and the value parses as a JSON
	// float array, the vector is additionally indexed for similarity
	// search. A value that fails to parse is logged as a warning and
	// does not fail the write.
	Save(ctx context.Context, sessionID, key, value string) error

	// Get returns the most recently written value for (sessionID, key),
	// or the empty string if the pair was never written. Empty string
	// is the canonical absent result; it is not an error.
	Get(ctx context.Context, sessionID, key string) (string, error)

	// QuerySimilar returns up to ResultLimit stored values whose
	// embeddings have cosine similarity >= threshold to the query
	// vector, ordered most similar first. A malformed embeddingJSON
	// yields an empty slice, not an error.
	QuerySimilar(ctx context.Context, embeddingJSON string, threshold float64) ([]string, error)

	// Close releases the backend connection or handle.
	Close() error
}

// DimensionMismatchError is returned when a vector does not match the
// dimension a backend was configured with.
type DimensionMismatchError struct {
	Want int
	Got  int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: want %d, got %d", e.Want, e.Got)
}
