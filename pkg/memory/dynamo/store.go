// Package dynamo implements the MemoryStore on DynamoDB. Documents are
// partitioned by session and point-read by id, which is the cheapest
// operation this service offers. The backend owns no vector index:
// similarity queries scan documents carrying an embedding attribute
// and score them in code. Deploy a dedicated vector search provider
// alongside it when vector QPS matters.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/meshworks/mesh-memory/pkg/memory"
	"github.com/meshworks/mesh-memory/pkg/observability"
)

// DefaultTable is used when the configuration does not name one
const DefaultTable = "mesh_memory"

// API is the slice of the DynamoDB client the store uses. Tests
// substitute a fake.
type API interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Config holds the document service configuration
type Config struct {
	Region string `mapstructure:"region"`
	Table  string `mapstructure:"table"`
	// Endpoint overrides the service endpoint, e.g. for DynamoDB Local
	Endpoint string `mapstructure:"endpoint"`
	// TTL, when positive, stamps each document with an expires_at
	// attribute for the service-side TTL sweeper. The core never
	// deletes; this only caps retention when operators enable it.
	TTL time.Duration `mapstructure:"ttl"`
}

// document is the stored item shape. id is "sessionID:key"; the
// partition key is the session.
type document struct {
	SessionID  string    `dynamodbav:"session_id"`
	DocID      string    `dynamodbav:"doc_id"`
	ContextKey string    `dynamodbav:"context_key"`
	Value      string    `dynamodbav:"value"`
	Timestamp  int64     `dynamodbav:"timestamp"`
	Embedding  []float32 `dynamodbav:"embedding,omitempty"`
	ExpiresAt  int64     `dynamodbav:"expires_at,omitempty"`
}

// Store is a MemoryStore backed by a DynamoDB table
type Store struct {
	config      Config
	api         API
	logger      observability.Logger
	mu          sync.Mutex
	initialized bool
}

// NewStore creates a document service store. The client and table are
// resolved lazily on first use.
func NewStore(config Config, logger observability.Logger) *Store {
	if logger == nil {
		logger = observability.NewStandardLogger("dynamo_store")
	}
	if config.Table == "" {
		config.Table = DefaultTable
	}
	return &Store{
		config: config,
		logger: logger,
	}
}

// NewStoreWithClient creates a store on an existing client. Used by
// tests and by callers that share a client across stores.
func NewStoreWithClient(api API, config Config, logger observability.Logger) *Store {
	store := NewStore(config, logger)
	store.api = api
	return store
}

// Initialize resolves the client and ensures the table exists
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}

	if s.api == nil {
		opts := []func(*awsconfig.LoadOptions) error{}
		if s.config.Region != "" {
			opts = append(opts, awsconfig.WithRegion(s.config.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return fmt.Errorf("failed to load AWS configuration: %w", err)
		}
		s.api = dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			if s.config.Endpoint != "" {
				o.BaseEndpoint = aws.String(s.config.Endpoint)
			}
		})
	}

	if err := s.ensureTable(ctx); err != nil {
		return err
	}

	s.initialized = true
	s.logger.Info("document service store initialized", map[string]interface{}{
		"table": s.config.Table,
	})
	return nil
}

func (s *Store) ensureTable(ctx context.Context) error {
	_, err := s.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.config.Table),
	})
	if err == nil {
		return nil
	}

	var notFound *types.ResourceNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("failed to describe table: %w", err)
	}

	_, err = s.api.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.config.Table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("session_id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("doc_id"), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("session_id"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("doc_id"), KeyType: types.KeyTypeRange},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	// Poll until the table leaves CREATING
	for i := 0; i < 30; i++ {
		out, err := s.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{
			TableName: aws.String(s.config.Table),
		})
		if err == nil && out.Table != nil && out.Table.TableStatus == types.TableStatusActive {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return fmt.Errorf("table %s did not become active", s.config.Table)
}

// Save upserts the document for (sessionID, key)
func (s *Store) Save(ctx context.Context, sessionID, key, value string) error {
	if err := s.Initialize(ctx); err != nil {
		return err
	}

	doc := document{
		SessionID:  sessionID,
		DocID:      sessionID + ":" + key,
		ContextKey: key,
		Value:      value,
		Timestamp:  time.Now().UnixMilli(),
	}
	if s.config.TTL > 0 {
		doc.ExpiresAt = time.Now().Add(s.config.TTL).Unix()
	}

	if memory.IsEmbeddingKey(key) {
		if vector, ok := memory.TryParseVector(value); ok {
			doc.Embedding = vector
		} else {
			s.logger.Warn("failed to parse embedding value", map[string]interface{}{
				"session_id": sessionID,
				"key":        key,
			})
		}
	}

	item, err := attributevalue.MarshalMap(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.config.Table),
		Item:      item,
	})
	if err != nil {
		s.logger.Error("failed to put document", map[string]interface{}{
			"session_id": sessionID,
			"key":        key,
			"error":      err.Error(),
		})
		return fmt.Errorf("failed to put document: %w", err)
	}

	s.logger.Debug("saved context entry", map[string]interface{}{
		"session_id": sessionID,
		"key":        key,
	})
	return nil
}

// Get is a point read by id and partition key
func (s *Store) Get(ctx context.Context, sessionID, key string) (string, error) {
	if err := s.Initialize(ctx); err != nil {
		return "", err
	}

	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.config.Table),
		Key: map[string]types.AttributeValue{
			"session_id": &types.AttributeValueMemberS{Value: sessionID},
			"doc_id":     &types.AttributeValueMemberS{Value: sessionID + ":" + key},
		},
	})
	if err != nil {
		s.logger.Error("failed to get document", map[string]interface{}{
			"session_id": sessionID,
			"key":        key,
			"error":      err.Error(),
		})
		return "", fmt.Errorf("failed to get document: %w", err)
	}
	if out.Item == nil {
		return "", nil
	}

	var doc document
	if err := attributevalue.UnmarshalMap(out.Item, &doc); err != nil {
		return "", fmt.Errorf("failed to unmarshal document: %w", err)
	}
	return doc.Value, nil
}

// QuerySimilar scans documents carrying an embedding attribute and
// scores them in code.
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
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(s.config.Table),
			FilterExpression:  aws.String("attribute_exists(embedding)"),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			s.logger.Error("embedding scan failed", map[string]interface{}{
				"error": err.Error(),
			})
			return nil, fmt.Errorf("embedding scan failed: %w", err)
		}

		for _, item := range out.Items {
			var doc document
			if err := attributevalue.UnmarshalMap(item, &doc); err != nil {
				continue
			}
			candidates = append(candidates, memory.ScoredValue{
				Value:      doc.Value,
				Similarity: memory.CosineSimilarity(query, doc.Embedding),
			})
		}

		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}

	return memory.RankBySimilarity(candidates, threshold), nil
}

// Close is a no-op; the SDK client holds no resources to release
func (s *Store) Close() error {
	return nil
}
