// Package document implements an embedded document-store MemoryStore
// on Badger. Context entries and embeddings are small JSON documents in
// two key prefixes of the same keyspace; similarity queries iterate
// the embedding prefix and score vectors in code.
package document

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/meshworks/mesh-memory/pkg/memory"
	"github.com/meshworks/mesh-memory/pkg/observability"
)

const (
	contextPrefix   = "ctx:"
	embeddingPrefix = "emb:"
)

// Config holds the document store configuration
type Config struct {
	// Dir is the Badger data directory
	Dir string `mapstructure:"dir"`
	// InMemory runs Badger without a data directory. Used in tests.
	InMemory bool `mapstructure:"in_memory"`
}

// contextDocument is a context entry document. The session key
// "sessionID:key" is unique; writing it again updates value and
// updated_at and keeps created_at.
type contextDocument struct {
	SessionKey string `json:"session_key"`
	Value      string `json:"value"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
}

// embeddingDocument is an append-only embedding document
type embeddingDocument struct {
	SessionID  string    `json:"session_id"`
	ContextKey string    `json:"context_key"`
	Embedding  []float32 `json:"embedding"`
	CreatedAt  int64     `json:"created_at"`
}

// Store is a MemoryStore backed by an embedded Badger database
type Store struct {
	config      Config
	db          *badger.DB
	logger      observability.Logger
	mu          sync.Mutex
	initialized bool
}

// NewStore creates a document store. The database is opened lazily on
// first use.
func NewStore(config Config, logger observability.Logger) *Store {
	if logger == nil {
		logger = observability.NewStandardLogger("document_store")
	}
	return &Store{
		config: config,
		logger: logger,
	}
}

// Initialize opens the Badger database exactly once
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	if s.config.Dir == "" && !s.config.InMemory {
		return fmt.Errorf("document store: dir is required")
	}

	opts := badger.DefaultOptions(s.config.Dir).WithLogger(nil)
	if s.config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("failed to open badger database: %w", err)
	}

	s.db = db
	s.initialized = true
	s.logger.Info("document store initialized", map[string]interface{}{
		"dir":       s.config.Dir,
		"in_memory": s.config.InMemory,
	})
	return nil
}

func contextDocKey(sessionID, key string) []byte {
	return []byte(contextPrefix + sessionID + ":" + key)
}

// embeddingDocKey carries a monotonic timestamp component so prefix
// iteration visits embeddings in insertion order.
func embeddingDocKey() []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", embeddingPrefix, time.Now().UnixNano(), uuid.NewString()))
}

// Save performs a lookup-then-insert-or-update on the context document
// and, for embedding keys, inserts a fresh embedding document.
func (s *Store) Save(ctx context.Context, sessionID, key, value string) error {
	if err := s.Initialize(ctx); err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	err := s.db.Update(func(txn *badger.Txn) error {
		docKey := contextDocKey(sessionID, key)
		doc := contextDocument{
			SessionKey: sessionID + ":" + key,
			Value:      value,
			CreatedAt:  now,
			UpdatedAt:  now,
		}

		if item, err := txn.Get(docKey); err == nil {
			var existing contextDocument
			if err := item.Value(func(raw []byte) error {
				return json.Unmarshal(raw, &existing)
			}); err == nil {
				doc.CreatedAt = existing.CreatedAt
			}
		} else if err != badger.ErrKeyNotFound {
			return fmt.Errorf("failed to look up context document: %w", err)
		}

		raw, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to marshal context document: %w", err)
		}
		if err := txn.Set(docKey, raw); err != nil {
			return fmt.Errorf("failed to write context document: %w", err)
		}

		if memory.IsEmbeddingKey(key) {
			vector, ok := memory.TryParseVector(value)
			if !ok {
				s.logger.Warn("failed to parse embedding value", map[string]interface{}{
					"session_id": sessionID,
					"key":        key,
				})
				return nil
			}

			embRaw, err := json.Marshal(embeddingDocument{
				SessionID:  sessionID,
				ContextKey: key,
				Embedding:  vector,
				CreatedAt:  now,
			})
			if err != nil {
				return fmt.Errorf("failed to marshal embedding document: %w", err)
			}
			if err := txn.Set(embeddingDocKey(), embRaw); err != nil {
				return fmt.Errorf("failed to write embedding document: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("failed to save context entry", map[string]interface{}{
			"session_id": sessionID,
			"key":        key,
			"error":      err.Error(),
		})
		return err
	}

	s.logger.Debug("saved context entry", map[string]interface{}{
		"session_id": sessionID,
		"key":        key,
	})
	return nil
}

// Get returns the stored value, or the empty string if absent
func (s *Store) Get(ctx context.Context, sessionID, key string) (string, error) {
	if err := s.Initialize(ctx); err != nil {
		return "", err
	}

	var value string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(contextDocKey(sessionID, key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read context document: %w", err)
		}
		return item.Value(func(raw []byte) error {
			var doc contextDocument
			if err := json.Unmarshal(raw, &doc); err != nil {
				return fmt.Errorf("failed to decode context document: %w", err)
			}
			value = doc.Value
			return nil
		})
	})
	if err != nil {
		s.logger.Error("failed to read context entry", map[string]interface{}{
			"session_id": sessionID,
			"key":        key,
			"error":      err.Error(),
		})
		return "", err
	}
	return value, nil
}

// QuerySimilar iterates every embedding document, scores it in code,
// and joins back through the composite key to fetch the context value.
func (s *Store) QuerySimilar(ctx context.Context, embeddingJSON string, threshold float64) ([]string, error) {
	if err := s.Initialize(ctx); err != nil {
		return nil, err
	}

	query, ok := memory.TryParseVector(embeddingJSON)
	if !ok {
		s.logger.Warn("failed to parse query embedding", nil)
		return []string{}, nil
	}

	var candidates []memory.ScoredValue
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(embeddingPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var doc embeddingDocument
			if err := it.Item().Value(func(raw []byte) error {
				return json.Unmarshal(raw, &doc)
			}); err != nil {
				continue
			}

			similarity := memory.CosineSimilarity(query, doc.Embedding)
			if similarity < threshold {
				continue
			}

			item, err := txn.Get(contextDocKey(doc.SessionID, doc.ContextKey))
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to join context document: %w", err)
			}

			var ctxDoc contextDocument
			if err := item.Value(func(raw []byte) error {
				return json.Unmarshal(raw, &ctxDoc)
			}); err != nil {
				continue
			}

			candidates = append(candidates, memory.ScoredValue{
				Value:      ctxDoc.Value,
				Similarity: similarity,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return memory.RankBySimilarity(candidates, threshold), nil
}

// Close closes the Badger database
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	s.initialized = false
	return err
}
