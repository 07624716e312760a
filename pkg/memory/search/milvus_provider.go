package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/meshworks/mesh-memory/pkg/memory"
	"github.com/meshworks/mesh-memory/pkg/observability"
)

// DefaultMilvusCollection is used when the configuration does not name
// a collection.
const DefaultMilvusCollection = "mesh_memory"

// MilvusConfig holds the HTTP vector database configuration
type MilvusConfig struct {
	// Endpoint is the server base URL, e.g. http://localhost:19530
	Endpoint   string `mapstructure:"endpoint"`
	Token      string `mapstructure:"token"`
	Collection string `mapstructure:"collection"`
	Dimension  int    `mapstructure:"dimension"`
}

// MilvusProvider talks to a Milvus server over its v2 REST API.
// Entities are keyed by the composite key's derived numeric id; cosine
// range search maps the similarity threshold to the radius parameter.
type MilvusProvider struct {
	config      MilvusConfig
	client      *http.Client
	logger      observability.Logger
	mu          sync.Mutex
	initialized bool
}

// NewMilvusProvider creates an HTTP vector database provider
func NewMilvusProvider(config MilvusConfig, logger observability.Logger) *MilvusProvider {
	if logger == nil {
		logger = observability.NewStandardLogger("milvus_provider")
	}
	if config.Collection == "" {
		config.Collection = DefaultMilvusCollection
	}
	return &MilvusProvider{
		config: config,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

type milvusResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (p *MilvusProvider) post(ctx context.Context, path string, payload interface{}) (*milvusResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Endpoint+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.Token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, string(raw))
	}

	var decoded milvusResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if decoded.Code != 0 {
		return nil, fmt.Errorf("%s failed: code=%d message=%s", path, decoded.Code, decoded.Message)
	}
	return &decoded, nil
}

// Initialize ensures the collection exists with cosine metric
func (p *MilvusProvider) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}

	list, err := p.post(ctx, "/v2/vectordb/collections/list", map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}

	var names []string
	_ = json.Unmarshal(list.Data, &names)
	exists := false
	for _, name := range names {
		if name == p.config.Collection {
			exists = true
			break
		}
	}

	if !exists {
		_, err = p.post(ctx, "/v2/vectordb/collections/create", map[string]interface{}{
			"collectionName": p.config.Collection,
			"dimension":      p.config.Dimension,
			"metricType":     "COSINE",
		})
		if err != nil {
			return fmt.Errorf("failed to create collection: %w", err)
		}
	}

	p.initialized = true
	p.logger.Info("milvus provider initialized", map[string]interface{}{
		"collection": p.config.Collection,
		"dimension":  p.config.Dimension,
	})
	return nil
}

// SaveDocument upserts one entity. Entities without a real embedding
// get a zero vector so the row still lands; the has_embedding flag
// keeps them out of search results.
func (p *MilvusProvider) SaveDocument(ctx context.Context, compositeKey string, fields map[string]interface{}) error {
	if err := p.Initialize(ctx); err != nil {
		return err
	}

	vector, hasVector := FieldVector(fields)
	if hasVector && p.config.Dimension > 0 && len(vector) != p.config.Dimension {
		return &memory.DimensionMismatchError{Want: p.config.Dimension, Got: len(vector)}
	}
	if !hasVector {
		vector = make([]float32, p.config.Dimension)
	}

	entity := map[string]interface{}{
		"id":            PointID(compositeKey),
		"vector":        vector,
		"composite_key": compositeKey,
		"has_embedding": hasVector,
	}
	for name := range fields {
		if name == FieldEmbedding {
			continue
		}
		entity[name] = FieldString(fields, name)
	}

	_, err := p.post(ctx, "/v2/vectordb/entities/upsert", map[string]interface{}{
		"collectionName": p.config.Collection,
		"data":           []interface{}{entity},
	})
	if err != nil {
		p.logger.Error("failed to upsert entity", map[string]interface{}{
			"key":   compositeKey,
			"error": err.Error(),
		})
		return fmt.Errorf("failed to upsert entity: %w", err)
	}
	return nil
}

// GetDocumentValue fetches the entity by id and reads one field
func (p *MilvusProvider) GetDocumentValue(ctx context.Context, compositeKey, field string) (string, error) {
	if err := p.Initialize(ctx); err != nil {
		return "", err
	}

	resp, err := p.post(ctx, "/v2/vectordb/entities/get", map[string]interface{}{
		"collectionName": p.config.Collection,
		"id":             []interface{}{PointID(compositeKey)},
		"outputFields":   []string{field},
	})
	if err != nil {
		return "", fmt.Errorf("failed to get entity: %w", err)
	}

	var rows []map[string]interface{}
	if err := json.Unmarshal(resp.Data, &rows); err != nil || len(rows) == 0 {
		return "", nil
	}
	if value, ok := rows[0][field].(string); ok {
		return value, nil
	}
	return "", nil
}

// SearchSimilar runs a cosine range search. COSINE scores are already
// similarities, so radius carries the threshold straight through.
func (p *MilvusProvider) SearchSimilar(ctx context.Context, vector []float32, threshold float64) ([]string, error) {
	if err := p.Initialize(ctx); err != nil {
		return nil, err
	}

	resp, err := p.post(ctx, "/v2/vectordb/entities/search", map[string]interface{}{
		"collectionName": p.config.Collection,
		"data":           []interface{}{vector},
		"limit":          memory.ResultLimit,
		"outputFields":   []string{FieldValue},
		"filter":         "has_embedding == true",
		"searchParams": map[string]interface{}{
			"metricType": "COSINE",
			"params":     map[string]interface{}{"radius": threshold},
		},
	})
	if err != nil {
		p.logger.Error("vector search failed", map[string]interface{}{
			"error": err.Error(),
		})
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	var rows []struct {
		Distance float64 `json:"distance"`
		Value    string  `json:"value"`
	}
	if err := json.Unmarshal(resp.Data, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode search results: %w", err)
	}

	candidates := make([]memory.ScoredValue, 0, len(rows))
	for _, row := range rows {
		candidates = append(candidates, memory.ScoredValue{
			Value:      row.Value,
			Similarity: row.Distance,
		})
	}
	return memory.RankBySimilarity(candidates, threshold), nil
}

// Close releases the HTTP client's idle connections
func (p *MilvusProvider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
