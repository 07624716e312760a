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

// DefaultChromaCollection is used when the configuration does not name
// a collection.
const DefaultChromaCollection = "mesh_memory"

// ChromaConfig holds the AI-native document store configuration
type ChromaConfig struct {
	// Endpoint is the server base URL, e.g. http://localhost:8000
	Endpoint   string `mapstructure:"endpoint"`
	Collection string `mapstructure:"collection"`
	Dimension  int    `mapstructure:"dimension"`
}

// ChromaProvider talks to a Chroma server over its REST API. The
// composite key is the document id; context values travel as document
// text with the raw fields mirrored into metadata.
type ChromaProvider struct {
	config      ChromaConfig
	client      *http.Client
	logger      observability.Logger
	mu          sync.Mutex
	initialized bool
	// handle is the collection identifier used in entity routes; the
	// server hands back a UUID on create but some builds route by name.
	handle string
}

// NewChromaProvider creates an AI-native document store provider
func NewChromaProvider(config ChromaConfig, logger observability.Logger) *ChromaProvider {
	if logger == nil {
		logger = observability.NewStandardLogger("chroma_provider")
	}
	if config.Collection == "" {
		config.Collection = DefaultChromaCollection
	}
	return &ChromaProvider{
		config: config,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

func (p *ChromaProvider) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, string(raw))
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// Initialize creates or fetches the collection with cosine space
func (p *ChromaProvider) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}

	var created struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	err := p.post(ctx, "/api/v1/collections", map[string]interface{}{
		"name":          p.config.Collection,
		"get_or_create": true,
		"metadata":      map[string]interface{}{"hnsw:space": "cosine"},
	}, &created)
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	p.handle = created.ID
	if p.handle == "" {
		p.handle = p.config.Collection
	}

	p.initialized = true
	p.logger.Info("chroma provider initialized", map[string]interface{}{
		"collection": p.config.Collection,
		"handle":     p.handle,
	})
	return nil
}

// SaveDocument upserts one document. Chroma requires an embedding per
// document, so entries without one get a zero vector; the metadata flag
// keeps them out of search results.
func (p *ChromaProvider) SaveDocument(ctx context.Context, compositeKey string, fields map[string]interface{}) error {
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

	metadata := map[string]interface{}{
		"has_embedding": hasVector,
	}
	for name := range fields {
		if name == FieldEmbedding {
			continue
		}
		metadata[name] = FieldString(fields, name)
	}

	err := p.post(ctx, "/api/v1/collections/"+p.handle+"/upsert", map[string]interface{}{
		"ids":        []string{compositeKey},
		"embeddings": [][]float32{vector},
		"documents":  []string{FieldString(fields, FieldValue)},
		"metadatas":  []interface{}{metadata},
	}, nil)
	if err != nil {
		p.logger.Error("failed to upsert document", map[string]interface{}{
			"key":   compositeKey,
			"error": err.Error(),
		})
		return fmt.Errorf("failed to upsert document: %w", err)
	}
	return nil
}

// GetDocumentValue reads one field of a document by id. The "value"
// field falls back to the document text when the metadata lacks it.
func (p *ChromaProvider) GetDocumentValue(ctx context.Context, compositeKey, field string) (string, error) {
	if err := p.Initialize(ctx); err != nil {
		return "", err
	}

	var result struct {
		IDs       []string                 `json:"ids"`
		Documents []string                 `json:"documents"`
		Metadatas []map[string]interface{} `json:"metadatas"`
	}
	err := p.post(ctx, "/api/v1/collections/"+p.handle+"/get", map[string]interface{}{
		"ids":     []string{compositeKey},
		"include": []string{"documents", "metadatas"},
	}, &result)
	if err != nil {
		return "", fmt.Errorf("failed to get document: %w", err)
	}
	if len(result.IDs) == 0 {
		return "", nil
	}

	if len(result.Metadatas) > 0 {
		if value, ok := result.Metadatas[0][field].(string); ok && value != "" {
			return value, nil
		}
	}
	if field == FieldValue && len(result.Documents) > 0 {
		return result.Documents[0], nil
	}
	return "", nil
}

// SearchSimilar queries the nearest documents; Chroma reports cosine
// distance, so similarity is 1 - distance.
func (p *ChromaProvider) SearchSimilar(ctx context.Context, vector []float32, threshold float64) ([]string, error) {
	if err := p.Initialize(ctx); err != nil {
		return nil, err
	}

	var result struct {
		Documents [][]string  `json:"documents"`
		Distances [][]float64 `json:"distances"`
	}
	err := p.post(ctx, "/api/v1/collections/"+p.handle+"/query", map[string]interface{}{
		"query_embeddings": [][]float32{vector},
		"n_results":        memory.ResultLimit,
		"where":            map[string]interface{}{"has_embedding": true},
		"include":          []string{"documents", "distances"},
	}, &result)
	if err != nil {
		p.logger.Error("vector query failed", map[string]interface{}{
			"error": err.Error(),
		})
		return nil, fmt.Errorf("vector query failed: %w", err)
	}
	if len(result.Documents) == 0 {
		return []string{}, nil
	}

	documents := result.Documents[0]
	var distances []float64
	if len(result.Distances) > 0 {
		distances = result.Distances[0]
	}

	candidates := make([]memory.ScoredValue, 0, len(documents))
	for i, doc := range documents {
		similarity := 0.0
		if i < len(distances) {
			similarity = 1 - distances[i]
		}
		candidates = append(candidates, memory.ScoredValue{Value: doc, Similarity: similarity})
	}
	return memory.RankBySimilarity(candidates, threshold), nil
}

// Close releases the HTTP client's idle connections
func (p *ChromaProvider) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
