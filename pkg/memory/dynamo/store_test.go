package dynamo

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshworks/mesh-memory/pkg/observability"
)

// fakeDynamo is an in-process stand-in for the DynamoDB API. It keys
// items by "partition|sort" and honors the embedding filter on Scan.
type fakeDynamo struct {
	mu           sync.Mutex
	items        map[string]map[string]types.AttributeValue
	tableExists  bool
	describeErr  error
	createCalled bool
}

func newFakeDynamo(tableExists bool) *fakeDynamo {
	return &fakeDynamo{
		items:       make(map[string]map[string]types.AttributeValue),
		tableExists: tableExists,
	}
}

func itemKey(item map[string]types.AttributeValue) string {
	pk := item["session_id"].(*types.AttributeValueMemberS).Value
	sk := item["doc_id"].(*types.AttributeValueMemberS).Value
	return pk + "|" + sk
}

func (f *fakeDynamo) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[itemKey(params.Item)] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[itemKey(params.Key)]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (f *fakeDynamo) Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []map[string]types.AttributeValue
	for _, item := range f.items {
		if params.FilterExpression != nil && strings.Contains(*params.FilterExpression, "attribute_exists(embedding)") {
			if _, ok := item["embedding"]; !ok {
				continue
			}
		}
		items = append(items, item)
	}
	return &dynamodb.ScanOutput{Items: items}, nil
}

func (f *fakeDynamo) CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalled = true
	f.tableExists = true
	return &dynamodb.CreateTableOutput{}, nil
}

func (f *fakeDynamo) DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	if !f.tableExists {
		return nil, &types.ResourceNotFoundException{}
	}
	return &dynamodb.DescribeTableOutput{
		Table: &types.TableDescription{TableStatus: types.TableStatusActive},
	}, nil
}

func newTestStore(t *testing.T) (*Store, *fakeDynamo) {
	t.Helper()
	fake := newFakeDynamo(true)
	store := NewStoreWithClient(fake, Config{Table: "test_memory"}, observability.NewNoopLogger())
	return store, fake
}

func TestStore_CreatesMissingTable(t *testing.T) {
	fake := newFakeDynamo(false)
	store := NewStoreWithClient(fake, Config{Table: "fresh"}, observability.NewNoopLogger())

	require.NoError(t, store.Initialize(context.Background()))
	assert.True(t, fake.createCalled)

	// Second Initialize is a no-op
	fake.createCalled = false
	require.NoError(t, store.Initialize(context.Background()))
	assert.False(t, fake.createCalled)
}

func TestStore_RoundTripAndUpsert(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "alpha", "note", "hello world"))
	value, err := store.Get(ctx, "alpha", "note")
	require.NoError(t, err)
	assert.Equal(t, "hello world", value)

	require.NoError(t, store.Save(ctx, "alpha", "note", "hi"))
	value, err = store.Get(ctx, "alpha", "note")
	require.NoError(t, err)
	assert.Equal(t, "hi", value)
}

func TestStore_SessionIsolation(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "s1", "k", "v1"))
	require.NoError(t, store.Save(ctx, "s2", "k", "v2"))

	value, err := store.Get(ctx, "s1", "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", value)
}

func TestStore_AbsentReturnsEmpty(t *testing.T) {
	store, _ := newTestStore(t)

	value, err := store.Get(context.Background(), "nobody", "nothing")
	require.NoError(t, err)
	assert.Equal(t, "", value)
}

func TestStore_EmbeddingAttributeRoundTrip(t *testing.T) {
	store, fake := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "q", "doc_embedding", "[1,0,0]"))
	require.NoError(t, store.Save(ctx, "q", "note", "plain"))

	// Only the embedding-keyed document carries the attribute
	var withEmbedding int
	for _, item := range fake.items {
		if _, ok := item["embedding"]; ok {
			withEmbedding++
		}
	}
	assert.Equal(t, 1, withEmbedding)

	var doc document
	require.NoError(t, attributevalue.UnmarshalMap(fake.items["q|q:doc_embedding"], &doc))
	assert.Equal(t, []float32{1, 0, 0}, doc.Embedding)
}

func TestStore_QuerySimilar(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "q", "doc1_embedding", "[1,0,0]"))
	require.NoError(t, store.Save(ctx, "q", "doc2_embedding", "[0.9,0.1,0]"))
	require.NoError(t, store.Save(ctx, "q", "doc3_embedding", "[0,1,0]"))

	results, err := store.QuerySimilar(ctx, "[1,0,0]", 0.5)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "[1,0,0]", results[0])
	assert.Equal(t, "[0.9,0.1,0]", results[1])

	results, err = store.QuerySimilar(ctx, "[0,0,1]", 0.5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestStore_EmbeddingWarningDoesNotFailWrite(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "w", "user_embedding", "not-json"))

	value, err := store.Get(ctx, "w", "user_embedding")
	require.NoError(t, err)
	assert.Equal(t, "not-json", value)

	results, err := store.QuerySimilar(ctx, "[1,0,0]", 0.0)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestStore_MalformedQueryReturnsEmpty(t *testing.T) {
	store, _ := newTestStore(t)

	results, err := store.QuerySimilar(context.Background(), "broken", 0.0)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestStore_TTLStampsExpiry(t *testing.T) {
	fake := newFakeDynamo(true)
	store := NewStoreWithClient(fake, Config{Table: "t", TTL: time.Hour}, observability.NewNoopLogger())
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "s", "k", "v"))

	var doc document
	require.NoError(t, attributevalue.UnmarshalMap(fake.items["s|s:k"], &doc))
	assert.Greater(t, doc.ExpiresAt, int64(0))
}
