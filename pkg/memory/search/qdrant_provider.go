package search

import (
	"context"
	"fmt"
	"sync"

	"github.com/qdrant/go-client/qdrant"

	"github.com/meshworks/mesh-memory/pkg/memory"
	"github.com/meshworks/mesh-memory/pkg/observability"
)

// DefaultQdrantCollection is used when the configuration does not name
// a collection.
const DefaultQdrantCollection = "mesh_memory"

// QdrantConfig holds the dedicated vector database configuration
type QdrantConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	APIKey     string `mapstructure:"api_key"`
	Collection string `mapstructure:"collection"`
	Dimension  int    `mapstructure:"dimension"`
	UseTLS     bool   `mapstructure:"use_tls"`
}

// QdrantProvider talks to a Qdrant server over gRPC. Documents become
// points whose numeric id is derived from the composite key, with the
// fields carried as payload.
type QdrantProvider struct {
	config      QdrantConfig
	client      *qdrant.Client
	logger      observability.Logger
	mu          sync.Mutex
	initialized bool
}

// NewQdrantProvider creates a vector database provider
func NewQdrantProvider(config QdrantConfig, logger observability.Logger) *QdrantProvider {
	if logger == nil {
		logger = observability.NewStandardLogger("qdrant_provider")
	}
	if config.Collection == "" {
		config.Collection = DefaultQdrantCollection
	}
	if config.Port == 0 {
		config.Port = 6334
	}
	return &QdrantProvider{
		config: config,
		logger: logger,
	}
}

// Initialize connects and ensures the collection exists with cosine
// distance and the configured dimension.
func (p *QdrantProvider) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return nil
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   p.config.Host,
		Port:   p.config.Port,
		APIKey: p.config.APIKey,
		UseTLS: p.config.UseTLS,
	})
	if err != nil {
		return fmt.Errorf("failed to create qdrant client: %w", err)
	}

	exists, err := client.CollectionExists(ctx, p.config.Collection)
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if !exists {
		err = client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: p.config.Collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(p.config.Dimension),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			_ = client.Close()
			return fmt.Errorf("failed to create collection: %w", err)
		}
	}

	p.client = client
	p.initialized = true
	p.logger.Info("qdrant provider initialized", map[string]interface{}{
		"collection": p.config.Collection,
		"dimension":  p.config.Dimension,
	})
	return nil
}

// SaveDocument upserts the point for the composite key. Without an
// embedding there is nothing to index, so the payload is carried on a
// zero vector; reads go through the payload either way.
func (p *QdrantProvider) SaveDocument(ctx context.Context, compositeKey string, fields map[string]interface{}) error {
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

	payload := map[string]interface{}{
		"composite_key": compositeKey,
		"has_embedding": hasVector,
	}
	for name := range fields {
		if name == FieldEmbedding {
			continue
		}
		payload[name] = FieldString(fields, name)
	}

	_, err := p.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: p.config.Collection,
		Points: []*qdrant.PointStruct{
			{
				Id:      qdrant.NewIDNum(PointID(compositeKey)),
				Vectors: qdrant.NewVectors(vector...),
				Payload: qdrant.NewValueMap(payload),
			},
		},
	})
	if err != nil {
		p.logger.Error("failed to upsert point", map[string]interface{}{
			"key":   compositeKey,
			"error": err.Error(),
		})
		return fmt.Errorf("failed to upsert point: %w", err)
	}
	return nil
}

// GetDocumentValue retrieves the point by id and reads the field from
// its payload.
func (p *QdrantProvider) GetDocumentValue(ctx context.Context, compositeKey, field string) (string, error) {
	if err := p.Initialize(ctx); err != nil {
		return "", err
	}

	points, err := p.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: p.config.Collection,
		Ids:            []*qdrant.PointId{qdrant.NewIDNum(PointID(compositeKey))},
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get point: %w", err)
	}
	if len(points) == 0 {
		return "", nil
	}

	value, ok := points[0].Payload[field]
	if !ok {
		return "", nil
	}
	return value.GetStringValue(), nil
}

// SearchSimilar runs a cosine KNN query, excluding the placeholder
// points that carry no real embedding.
func (p *QdrantProvider) SearchSimilar(ctx context.Context, vector []float32, threshold float64) ([]string, error) {
	if err := p.Initialize(ctx); err != nil {
		return nil, err
	}

	limit := uint64(memory.ResultLimit)
	scoreThreshold := float32(threshold)
	points, err := p.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: p.config.Collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &limit,
		ScoreThreshold: &scoreThreshold,
		WithPayload:    qdrant.NewWithPayload(true),
		Filter: &qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatchBool("has_embedding", true),
			},
		},
	})
	if err != nil {
		p.logger.Error("vector query failed", map[string]interface{}{
			"error": err.Error(),
		})
		return nil, fmt.Errorf("vector query failed: %w", err)
	}

	results := make([]string, 0, len(points))
	for _, point := range points {
		if value, ok := point.Payload[FieldValue]; ok {
			results = append(results, value.GetStringValue())
		}
	}
	return results, nil
}

// Close closes the gRPC connection
func (p *QdrantProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil
	}
	err := p.client.Close()
	p.client = nil
	p.initialized = false
	return err
}
