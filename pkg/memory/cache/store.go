// Package cache adapts a vector search provider into a full
// MemoryStore. It is the cache side of the hybrid pairing: context
// entries become provider documents under the composite key, and
// similarity queries ride the provider's native index.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/meshworks/mesh-memory/pkg/memory"
	"github.com/meshworks/mesh-memory/pkg/memory/search"
	"github.com/meshworks/mesh-memory/pkg/observability"
)

// Store is a MemoryStore backed by a vector search provider
type Store struct {
	provider search.Provider
	logger   observability.Logger
}

// NewStore wraps a provider as a MemoryStore
func NewStore(provider search.Provider, logger observability.Logger) *Store {
	if logger == nil {
		logger = observability.NewStandardLogger("cache_store")
	}
	return &Store{
		provider: provider,
		logger:   logger,
	}
}

// Initialize prepares the underlying provider
func (s *Store) Initialize(ctx context.Context) error {
	return s.provider.Initialize(ctx)
}

// Save writes a provider document for (sessionID, key). Embedding-keyed
// values that parse as a vector are indexed for similarity search; a
// value that fails to parse is logged and stored as plain context.
func (s *Store) Save(ctx context.Context, sessionID, key, value string) error {
	fields := map[string]interface{}{
		search.FieldSessionID:  sessionID,
		search.FieldContextKey: key,
		search.FieldValue:      value,
		search.FieldTimestamp:  time.Now().UnixMilli(),
	}

	if memory.IsEmbeddingKey(key) {
		if vector, ok := memory.TryParseVector(value); ok {
			fields[search.FieldEmbedding] = vector
		} else {
			s.logger.Warn("failed to parse embedding value", map[string]interface{}{
				"session_id": sessionID,
				"key":        key,
			})
		}
	}

	if err := s.provider.SaveDocument(ctx, memory.FormatKey(sessionID, key), fields); err != nil {
		return fmt.Errorf("failed to save context entry: %w", err)
	}

	s.logger.Debug("saved context entry", map[string]interface{}{
		"session_id": sessionID,
		"key":        key,
	})
	return nil
}

// Get reads the value field of the document for (sessionID, key)
func (s *Store) Get(ctx context.Context, sessionID, key string) (string, error) {
	value, err := s.provider.GetDocumentValue(ctx, memory.FormatKey(sessionID, key), search.FieldValue)
	if err != nil {
		return "", fmt.Errorf("failed to get context entry: %w", err)
	}
	return value, nil
}

// QuerySimilar parses the query embedding and delegates to the
// provider's native search. Malformed JSON yields an empty result.
func (s *Store) QuerySimilar(ctx context.Context, embeddingJSON string, threshold float64) ([]string, error) {
	vector, ok := memory.TryParseVector(embeddingJSON)
	if !ok {
		s.logger.Warn("failed to parse query embedding", nil)
		return []string{}, nil
	}
	return s.provider.SearchSimilar(ctx, vector, threshold)
}

// Close releases the provider
func (s *Store) Close() error {
	return s.provider.Close()
}
