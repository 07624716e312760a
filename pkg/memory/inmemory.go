package memory

import (
	"context"
	"sync"

	"github.com/meshworks/mesh-memory/pkg/observability"
)

// InMemoryStore is the reference MemoryStore implementation backed by
// two maps keyed by composite key. It is used as the cache layer in
// tests and for development; nothing survives a restart.
type InMemoryStore struct {
	values     map[string]string
	embeddings map[string][]float32
	order      []string // embedding composite keys in insertion order
	logger     observability.Logger
	mu         sync.RWMutex
}

// NewInMemoryStore creates an empty in-memory store
func NewInMemoryStore(logger observability.Logger) *InMemoryStore {
	if logger == nil {
		logger = observability.NewStandardLogger("inmemory_store")
	}
	return &InMemoryStore{
		values:     make(map[string]string),
		embeddings: make(map[string][]float32),
		logger:     logger,
	}
}

// Initialize is a no-op for the in-memory store
func (s *InMemoryStore) Initialize(ctx context.Context) error {
	return nil
}

// Save upserts the value and, for embedding keys, parses and stores
// the vector alongside it.
func (s *InMemoryStore) Save(ctx context.Context, sessionID, key, value string) error {
	composite := FormatKey(sessionID, key)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[composite] = value

	if IsEmbeddingKey(key) {
		vector, ok := TryParseVector(value)
		if !ok {
			s.logger.Warn("failed to parse embedding value", map[string]interface{}{
				"session_id": sessionID,
				"key":        key,
			})
			return nil
		}
		if _, exists := s.embeddings[composite]; !exists {
			s.order = append(s.order, composite)
		}
		s.embeddings[composite] = vector
	}

	s.logger.Debug("saved context entry", map[string]interface{}{
		"session_id": sessionID,
		"key":        key,
	})
	return nil
}

// Get returns the stored value, or the empty string if absent
func (s *InMemoryStore) Get(ctx context.Context, sessionID, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[FormatKey(sessionID, key)], nil
}

// QuerySimilar scans every stored embedding, scores it against the
// query vector, and returns the matching values best first.
func (s *InMemoryStore) QuerySimilar(ctx context.Context, embeddingJSON string, threshold float64) ([]string, error) {
	query, ok := TryParseVector(embeddingJSON)
	if !ok {
		s.logger.Warn("failed to parse query embedding", nil)
		return []string{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := make([]ScoredValue, 0, len(s.order))
	for _, composite := range s.order {
		vector := s.embeddings[composite]
		candidates = append(candidates, ScoredValue{
			Value:      s.values[composite],
			Similarity: CosineSimilarity(query, vector),
		})
	}

	return RankBySimilarity(candidates, threshold), nil
}

// Close is a no-op for the in-memory store
func (s *InMemoryStore) Close() error {
	return nil
}

// Clear removes every entry. Exposed for test determinism and for
// forcing the hybrid fallback path.
func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]string)
	s.embeddings = make(map[string][]float32)
	s.order = nil
}

// Count returns the number of stored context entries
func (s *InMemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}
