// Package postgres implements the production MemoryStore on PostgreSQL
// with the pgvector extension. Similarity queries run against the
// native cosine distance operator; when the HNSW index cannot be
// created the store logs a warning and queries fall back to a
// sequential scan.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/meshworks/mesh-memory/pkg/memory"
	"github.com/meshworks/mesh-memory/pkg/observability"
)

// DefaultDimension is used when the configuration does not bind one
const DefaultDimension = 1536

// Config holds the relational vector store configuration
type Config struct {
	// DSN is the lib/pq connection string
	DSN string `mapstructure:"dsn"`
	// Dimension is the bound vector dimension D of the embeddings column
	Dimension int `mapstructure:"dimension"`
	// MaxOpenConns bounds the connection pool
	MaxOpenConns int `mapstructure:"max_open_conns"`
}

// Store is a MemoryStore and vector search provider backed by
// PostgreSQL + pgvector.
type Store struct {
	config      Config
	db          *sqlx.DB
	ownsDB      bool
	logger      observability.Logger
	mu          sync.Mutex
	initialized bool
}

// NewStore creates a relational vector store that opens its own
// connection pool lazily on first use.
func NewStore(config Config, logger observability.Logger) *Store {
	if logger == nil {
		logger = observability.NewStandardLogger("postgres_store")
	}
	if config.Dimension <= 0 {
		config.Dimension = DefaultDimension
	}
	return &Store{
		config: config,
		logger: logger,
		ownsDB: true,
	}
}

// NewStoreWithDB creates a store on an existing pool. Used by tests
// and by callers that manage the pool themselves.
func NewStoreWithDB(db *sqlx.DB, config Config, logger observability.Logger) *Store {
	store := NewStore(config, logger)
	store.db = db
	store.ownsDB = false
	return store
}

// Initialize verifies the pgvector extension and creates the schema.
// HNSW index creation failure is a warning, not an error: queries
// degrade to a sequential scan.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}

	if s.db == nil {
		if s.config.DSN == "" {
			return fmt.Errorf("postgres store: dsn is required")
		}
		db, err := sqlx.Open("postgres", s.config.DSN)
		if err != nil {
			return fmt.Errorf("failed to open postgres connection: %w", err)
		}
		if s.config.MaxOpenConns > 0 {
			db.SetMaxOpenConns(s.config.MaxOpenConns)
		}
		s.db = db
	}

	var extExists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_extension WHERE extname = 'vector'
		)
	`).Scan(&extExists)
	if err != nil {
		return fmt.Errorf("failed to check pgvector extension: %w", err)
	}
	if !extExists {
		if _, err := s.db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
			return fmt.Errorf("pgvector extension is not installed: %w", err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS context (
			id SERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			context_key TEXT NOT NULL,
			value TEXT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(session_id, context_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_context_session_key
			ON context(session_id, context_key)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS embeddings (
			id SERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			context_key TEXT NOT NULL,
			embedding vector(%d),
			value TEXT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`, s.config.Dimension),
		`CREATE INDEX IF NOT EXISTS idx_embeddings_session
			ON embeddings(session_id)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_embeddings_hnsw
		ON embeddings USING hnsw (embedding vector_cosine_ops)
	`)
	if err != nil {
		s.logger.Warn("failed to create HNSW index; similarity queries will scan sequentially", map[string]interface{}{
			"error": err.Error(),
		})
	}

	s.initialized = true
	s.logger.Info("postgres vector store initialized", map[string]interface{}{
		"dimension": s.config.Dimension,
	})
	return nil
}

// Save upserts the context row and, for parseable embeddings of the
// bound dimension, inserts an embeddings row in the same transaction.
// A dimension mismatch rolls back the whole save: this backend is
// transactional.
func (s *Store) Save(ctx context.Context, sessionID, key, value string) error {
	if err := s.Initialize(ctx); err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO context (session_id, context_key, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (session_id, context_key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, sessionID, key, value)
	if err != nil {
		s.logger.Error("failed to upsert context entry", map[string]interface{}{
			"session_id": sessionID,
			"key":        key,
			"error":      err.Error(),
		})
		return fmt.Errorf("failed to upsert context entry: %w", err)
	}

	if memory.IsEmbeddingKey(key) {
		if vector, ok := memory.TryParseVector(value); ok {
			if len(vector) != s.config.Dimension {
				return &memory.DimensionMismatchError{Want: s.config.Dimension, Got: len(vector)}
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO embeddings (session_id, context_key, embedding, value)
				VALUES ($1, $2, $3, $4)
			`, sessionID, key, pgvector.NewVector(vector), value)
			if err != nil {
				return fmt.Errorf("failed to insert embedding: %w", err)
			}
		} else {
			s.logger.Warn("failed to parse embedding value", map[string]interface{}{
				"session_id": sessionID,
				"key":        key,
			})
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit save: %w", err)
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
	err := s.db.GetContext(ctx, &value, `
		SELECT value FROM context WHERE session_id = $1 AND context_key = $2
	`, sessionID, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		s.logger.Error("failed to read context entry", map[string]interface{}{
			"session_id": sessionID,
			"key":        key,
			"error":      err.Error(),
		})
		return "", fmt.Errorf("failed to read context entry: %w", err)
	}
	return value, nil
}

// QuerySimilar issues a single native KNN statement: rows ordered by
// cosine distance, bounded by maxDistance = 1 - threshold, LIMIT 10.
func (s *Store) QuerySimilar(ctx context.Context, embeddingJSON string, threshold float64) ([]string, error) {
	query, ok := memory.TryParseVector(embeddingJSON)
	if !ok {
		s.logger.Warn("failed to parse query embedding", nil)
		return []string{}, nil
	}
	return s.SearchSimilar(ctx, query, threshold)
}

// SearchSimilar implements the vector search provider contract on the
// native pgvector operator.
func (s *Store) SearchSimilar(ctx context.Context, vector []float32, threshold float64) ([]string, error) {
	if err := s.Initialize(ctx); err != nil {
		return nil, err
	}

	if len(vector) != s.config.Dimension {
		s.logger.Warn("query embedding dimension does not match store", map[string]interface{}{
			"want": s.config.Dimension,
			"got":  len(vector),
		})
		return []string{}, nil
	}

	maxDistance := 1 - threshold
	rows, err := s.db.QueryxContext(ctx, `
		SELECT value
		FROM embeddings
		WHERE embedding <=> $1 <= $2
		ORDER BY embedding <=> $1
		LIMIT $3
	`, pgvector.NewVector(vector), maxDistance, memory.ResultLimit)
	if err != nil {
		s.logger.Error("similarity query failed", map[string]interface{}{
			"error": err.Error(),
		})
		return nil, fmt.Errorf("similarity query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	results := []string{}
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("failed to scan similarity row: %w", err)
		}
		results = append(results, value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating similarity rows: %w", err)
	}
	return results, nil
}

// SaveDocument implements the vector search provider contract by
// projecting the field map onto the context and embeddings tables.
func (s *Store) SaveDocument(ctx context.Context, compositeKey string, fields map[string]interface{}) error {
	sessionID, key, err := splitCompositeKey(compositeKey)
	if err != nil {
		return err
	}

	value, _ := fields["value"].(string)
	if err := s.Save(ctx, sessionID, key, value); err != nil {
		return err
	}

	if vector, ok := fields["embedding"].([]float32); ok && !memory.IsEmbeddingKey(key) {
		// Explicit embedding fields index even when the key itself does
		// not carry the embedding marker.
		if len(vector) != s.config.Dimension {
			return &memory.DimensionMismatchError{Want: s.config.Dimension, Got: len(vector)}
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO embeddings (session_id, context_key, embedding, value)
			VALUES ($1, $2, $3, $4)
		`, sessionID, key, pgvector.NewVector(vector), value)
		if err != nil {
			return fmt.Errorf("failed to insert embedding: %w", err)
		}
	}
	return nil
}

// GetDocumentValue implements the vector search provider contract
func (s *Store) GetDocumentValue(ctx context.Context, compositeKey, field string) (string, error) {
	sessionID, key, err := splitCompositeKey(compositeKey)
	if err != nil {
		return "", err
	}

	switch field {
	case "value":
		return s.Get(ctx, sessionID, key)
	case "session_id":
		return sessionID, nil
	case "context_key":
		return key, nil
	default:
		return "", nil
	}
}

// Close closes the pool if the store owns it
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil || !s.ownsDB {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	s.initialized = false
	return err
}

func splitCompositeKey(compositeKey string) (sessionID, key string, err error) {
	if !strings.HasPrefix(compositeKey, memory.KeyPrefix) {
		return "", "", fmt.Errorf("malformed composite key: %s", compositeKey)
	}
	rest := strings.TrimPrefix(compositeKey, memory.KeyPrefix)
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("malformed composite key: %s", compositeKey)
	}
	return parts[0], parts[1], nil
}
