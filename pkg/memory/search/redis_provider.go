package search

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/meshworks/mesh-memory/pkg/memory"
	"github.com/meshworks/mesh-memory/pkg/observability"
)

// DefaultRedisIndex is the RediSearch index name used when the
// configuration does not set one.
const DefaultRedisIndex = "mesh_embeddings"

// RedisConfig holds the cache-native provider configuration
type RedisConfig struct {
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	Database  int    `mapstructure:"database"`
	IndexName string `mapstructure:"index_name"`
	Dimension int    `mapstructure:"dimension"`
}

// RedisProvider stores documents as hashes under the composite key and
// serves KNN queries from a RediSearch HNSW index. When the search
// module is absent (plain Redis), the provider logs a warning on init
// and degrades to a client-side scan so the cache role keeps working.
type RedisProvider struct {
	config      RedisConfig
	client      *redis.Client
	logger      observability.Logger
	mu          sync.Mutex
	initialized bool
	indexed     bool
}

// NewRedisProvider creates a cache-native vector search provider
func NewRedisProvider(config RedisConfig, logger observability.Logger) *RedisProvider {
	if logger == nil {
		logger = observability.NewStandardLogger("redis_provider")
	}
	if config.IndexName == "" {
		config.IndexName = DefaultRedisIndex
	}
	return &RedisProvider{
		config: config,
		logger: logger,
	}
}

// Initialize connects and ensures the vector index exists
func (p *RedisProvider) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     p.config.Address,
		Password: p.config.Password,
		DB:       p.config.Database,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	p.client = client

	// Describe the index; create it if absent
	if err := client.Do(ctx, "FT.INFO", p.config.IndexName).Err(); err != nil {
		createErr := client.Do(ctx,
			"FT.CREATE", p.config.IndexName,
			"ON", "HASH",
			"PREFIX", "1", memory.KeyPrefix,
			"SCHEMA",
			FieldValue, "TEXT",
			FieldSessionID, "TAG",
			FieldEmbedding, "VECTOR", "HNSW", "6",
			"TYPE", "FLOAT32",
			"DIM", strconv.Itoa(p.config.Dimension),
			"DISTANCE_METRIC", "COSINE",
		).Err()
		if createErr != nil {
			p.logger.Warn("vector index unavailable; falling back to client-side scan", map[string]interface{}{
				"index": p.config.IndexName,
				"error": createErr.Error(),
			})
		} else {
			p.indexed = true
		}
	} else {
		p.indexed = true
	}

	p.initialized = true
	p.logger.Info("redis vector provider initialized", map[string]interface{}{
		"index":   p.config.IndexName,
		"indexed": p.indexed,
	})
	return nil
}

// SaveDocument writes the fields as a hash under the composite key.
// The embedding field is packed as a float32 blob so the native index
// picks it up. A dimension mismatch leaves the rest of the document in
// place and returns a typed error: this backend is not transactional.
func (p *RedisProvider) SaveDocument(ctx context.Context, compositeKey string, fields map[string]interface{}) error {
	if err := p.Initialize(ctx); err != nil {
		return err
	}

	pairs := make([]interface{}, 0, 2*len(fields))
	var vector []float32
	for name, value := range fields {
		if name == FieldEmbedding {
			if v, ok := value.([]float32); ok {
				vector = v
			}
			continue
		}
		pairs = append(pairs, name, FieldString(fields, name))
	}

	if len(pairs) > 0 {
		if err := p.client.HSet(ctx, compositeKey, pairs...).Err(); err != nil {
			p.logger.Error("failed to write document", map[string]interface{}{
				"key":   compositeKey,
				"error": err.Error(),
			})
			return fmt.Errorf("failed to write document: %w", err)
		}
	}

	if vector != nil {
		if p.config.Dimension > 0 && len(vector) != p.config.Dimension {
			return &memory.DimensionMismatchError{Want: p.config.Dimension, Got: len(vector)}
		}
		if err := p.client.HSet(ctx, compositeKey, FieldEmbedding, string(EncodeVector(vector))).Err(); err != nil {
			return fmt.Errorf("failed to write embedding field: %w", err)
		}
	}
	return nil
}

// GetDocumentValue reads one hash field
func (p *RedisProvider) GetDocumentValue(ctx context.Context, compositeKey, field string) (string, error) {
	if err := p.Initialize(ctx); err != nil {
		return "", err
	}

	value, err := p.client.HGet(ctx, compositeKey, field).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		p.logger.Error("failed to read document field", map[string]interface{}{
			"key":   compositeKey,
			"field": field,
			"error": err.Error(),
		})
		return "", fmt.Errorf("failed to read document field: %w", err)
	}
	return value, nil
}

// SearchSimilar issues a KNN-10 over the native index, or scans
// client-side when the index is unavailable.
func (p *RedisProvider) SearchSimilar(ctx context.Context, vector []float32, threshold float64) ([]string, error) {
	if err := p.Initialize(ctx); err != nil {
		return nil, err
	}

	if !p.indexed {
		return p.scanSimilar(ctx, vector, threshold)
	}

	raw, err := p.client.Do(ctx,
		"FT.SEARCH", p.config.IndexName,
		fmt.Sprintf("*=>[KNN %d @%s $vec AS vector_score]", memory.ResultLimit, FieldEmbedding),
		"PARAMS", "2", "vec", string(EncodeVector(vector)),
		"SORTBY", "vector_score",
		"RETURN", "2", FieldValue, "vector_score",
		"LIMIT", "0", strconv.Itoa(memory.ResultLimit),
		"DIALECT", "2",
	).Result()
	if err != nil {
		p.logger.Error("vector search failed", map[string]interface{}{
			"error": err.Error(),
		})
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	candidates := parseSearchReply(raw)
	return memory.RankBySimilarity(candidates, threshold), nil
}

// parseSearchReply walks an FT.SEARCH array reply:
// [count, key1, [field, value, ...], key2, ...]. The vector_score
// field holds the cosine distance.
func parseSearchReply(raw interface{}) []memory.ScoredValue {
	reply, ok := raw.([]interface{})
	if !ok || len(reply) < 1 {
		return nil
	}

	var candidates []memory.ScoredValue
	for i := 1; i+1 < len(reply); i += 2 {
		fields, ok := reply[i+1].([]interface{})
		if !ok {
			continue
		}

		var value string
		similarity := 0.0
		for j := 0; j+1 < len(fields); j += 2 {
			name, _ := fields[j].(string)
			fieldValue, _ := fields[j+1].(string)
			switch name {
			case FieldValue:
				value = fieldValue
			case "vector_score":
				if distance, err := strconv.ParseFloat(fieldValue, 64); err == nil {
					similarity = 1 - distance
				}
			}
		}
		candidates = append(candidates, memory.ScoredValue{Value: value, Similarity: similarity})
	}
	return candidates
}

// scanSimilar is the degraded path: walk every mesh:* hash and score
// the embedding blobs in code.
func (p *RedisProvider) scanSimilar(ctx context.Context, vector []float32, threshold float64) ([]string, error) {
	var candidates []memory.ScoredValue
	var cursor uint64
	for {
		keys, next, err := p.client.Scan(ctx, cursor, memory.KeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}

		for _, key := range keys {
			blob, err := p.client.HGet(ctx, key, FieldEmbedding).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to read embedding field: %w", err)
			}
			stored := DecodeVector([]byte(blob))
			if stored == nil {
				continue
			}

			value, err := p.client.HGet(ctx, key, FieldValue).Result()
			if err != nil && err != redis.Nil {
				return nil, fmt.Errorf("failed to read value field: %w", err)
			}

			candidates = append(candidates, memory.ScoredValue{
				Value:      value,
				Similarity: memory.CosineSimilarity(vector, stored),
			})
		}

		if next == 0 {
			break
		}
		cursor = next
	}

	return memory.RankBySimilarity(candidates, threshold), nil
}

// Close closes the Redis client
func (p *RedisProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	p.initialized = false
	p.indexed = false
	return err
}
