// Package sqlite implements the default persistent MemoryStore on an
// embedded SQLite file. The engine has no native ANN index, so
// similarity queries deserialize every stored embedding and score it
// in code.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/meshworks/mesh-memory/pkg/memory"
	"github.com/meshworks/mesh-memory/pkg/observability"
)

// Config holds the file store configuration
type Config struct {
	// Path is the database file path. ":memory:" is accepted for tests.
	Path string `mapstructure:"path"`
	// BusyTimeoutMS bounds how long a writer waits on the file lock
	BusyTimeoutMS int `mapstructure:"busy_timeout_ms"`
}

// Store is a MemoryStore backed by a single SQLite file in WAL mode,
// so readers do not block on writers.
type Store struct {
	config      Config
	db          *sqlx.DB
	logger      observability.Logger
	mu          sync.Mutex
	initialized bool
}

// NewStore creates a file store. The database is opened and the schema
// created lazily on first use.
func NewStore(config Config, logger observability.Logger) *Store {
	if logger == nil {
		logger = observability.NewStandardLogger("sqlite_store")
	}
	if config.BusyTimeoutMS <= 0 {
		config.BusyTimeoutMS = 5000
	}
	return &Store{
		config: config,
		logger: logger,
	}
}

// Initialize opens the database and creates the schema. The first
// successful call wins; later calls are no-ops. A failed call leaves
// the store uninitialized so the next call retries.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	if s.config.Path == "" {
		return fmt.Errorf("sqlite store: path is required")
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d", s.config.Path, s.config.BusyTimeoutMS)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("failed to open sqlite database: %w", err)
	}

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable WAL journal mode: %w", err)
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS context (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			context_key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE(session_id, context_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_context_session_key
			ON context(session_id, context_key)`,
		`CREATE TABLE IF NOT EXISTS embeddings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			context_key TEXT NOT NULL,
			embedding_json TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_embeddings_session
			ON embeddings(session_id)`,
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	s.db = db
	s.initialized = true
	s.logger.Info("sqlite store initialized", map[string]interface{}{
		"path": s.config.Path,
	})
	return nil
}

// Save upserts the context row and, when the value parses as an
// embedding, appends an embeddings row in the same transaction.
func (s *Store) Save(ctx context.Context, sessionID, key, value string) error {
	if err := s.Initialize(ctx); err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO context (session_id, context_key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id, context_key)
		DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, sessionID, key, value, now)
	if err != nil {
		s.logger.Error("failed to upsert context entry", map[string]interface{}{
			"session_id": sessionID,
			"key":        key,
			"error":      err.Error(),
		})
		return fmt.Errorf("failed to upsert context entry: %w", err)
	}

	if memory.IsEmbeddingKey(key) {
		if vector, ok := memory.TryParseVector(value); ok && len(vector) > 0 {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO embeddings (session_id, context_key, embedding_json, created_at)
				VALUES (?, ?, ?, ?)
			`, sessionID, key, value, now)
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
		SELECT value FROM context WHERE session_id = ? AND context_key = ?
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

// QuerySimilar joins embeddings with context, scores every vector in
// code, and returns the matching values best first.
func (s *Store) QuerySimilar(ctx context.Context, embeddingJSON string, threshold float64) ([]string, error) {
	if err := s.Initialize(ctx); err != nil {
		return nil, err
	}

	query, ok := memory.TryParseVector(embeddingJSON)
	if !ok {
		s.logger.Warn("failed to parse query embedding", nil)
		return []string{}, nil
	}

	rows, err := s.db.QueryxContext(ctx, `
		SELECT e.embedding_json, c.value
		FROM embeddings e
		JOIN context c
			ON c.session_id = e.session_id AND c.context_key = e.context_key
		ORDER BY e.id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var candidates []memory.ScoredValue
	for rows.Next() {
		var embeddingValue, contextValue string
		if err := rows.Scan(&embeddingValue, &contextValue); err != nil {
			return nil, fmt.Errorf("failed to scan embedding row: %w", err)
		}

		vector, ok := memory.TryParseVector(embeddingValue)
		if !ok {
			continue
		}
		candidates = append(candidates, memory.ScoredValue{
			Value:      contextValue,
			Similarity: memory.CosineSimilarity(query, vector),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating embeddings: %w", err)
	}

	return memory.RankBySimilarity(candidates, threshold), nil
}

// Close closes the database file
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
