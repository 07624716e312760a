package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshworks/mesh-memory/pkg/observability"
)

// failingStore returns a fixed error from every operation
type failingStore struct {
	err error
}

func (f *failingStore) Initialize(ctx context.Context) error { return f.err }
func (f *failingStore) Save(ctx context.Context, sessionID, key, value string) error {
	return f.err
}
func (f *failingStore) Get(ctx context.Context, sessionID, key string) (string, error) {
	return "", f.err
}
func (f *failingStore) QuerySimilar(ctx context.Context, embeddingJSON string, threshold float64) ([]string, error) {
	return nil, f.err
}
func (f *failingStore) Close() error { return nil }

func newHybrid(t *testing.T, preferCache bool) (*HybridStore, *InMemoryStore, *InMemoryStore) {
	t.Helper()
	logger := observability.NewNoopLogger()
	persistent := NewInMemoryStore(logger)
	cache := NewInMemoryStore(logger)
	return NewHybridStore(persistent, cache, preferCache, logger), persistent, cache
}

func TestHybridStore_DualWriteVisibility(t *testing.T) {
	hybrid, persistent, cache := newHybrid(t, true)
	ctx := context.Background()

	require.NoError(t, hybrid.Initialize(ctx))
	require.NoError(t, hybrid.Save(ctx, "h", "k1", "both"))

	value, err := persistent.Get(ctx, "h", "k1")
	require.NoError(t, err)
	assert.Equal(t, "both", value)

	value, err = cache.Get(ctx, "h", "k1")
	require.NoError(t, err)
	assert.Equal(t, "both", value)
}

func TestHybridStore_FallbackAfterCacheFlush(t *testing.T) {
	hybrid, _, cache := newHybrid(t, true)
	ctx := context.Background()

	require.NoError(t, hybrid.Save(ctx, "h", "k1", "persisted"))
	cache.Clear()

	value, err := hybrid.Get(ctx, "h", "k1")
	require.NoError(t, err)
	assert.Equal(t, "persisted", value)
}

func TestHybridStore_CacheFirstPreference(t *testing.T) {
	ctx := context.Background()

	// Force the abnormal divergent state directly on the children
	hybrid, persistent, cache := newHybrid(t, true)
	require.NoError(t, persistent.Save(ctx, "h", "k", "from-persistent"))
	require.NoError(t, cache.Save(ctx, "h", "k", "from-cache"))

	value, err := hybrid.Get(ctx, "h", "k")
	require.NoError(t, err)
	assert.Equal(t, "from-cache", value)

	hybrid, persistent, cache = newHybrid(t, false)
	require.NoError(t, persistent.Save(ctx, "h", "k", "from-persistent"))
	require.NoError(t, cache.Save(ctx, "h", "k", "from-cache"))

	value, err = hybrid.Get(ctx, "h", "k")
	require.NoError(t, err)
	assert.Equal(t, "from-persistent", value)
}

func TestHybridStore_InitFailurePropagates(t *testing.T) {
	logger := observability.NewNoopLogger()
	boom := errors.New("backend unreachable")

	hybrid := NewHybridStore(&failingStore{err: boom}, NewInMemoryStore(logger), true, logger)
	assert.ErrorIs(t, hybrid.Initialize(context.Background()), boom)

	hybrid = NewHybridStore(NewInMemoryStore(logger), &failingStore{err: boom}, true, logger)
	assert.ErrorIs(t, hybrid.Initialize(context.Background()), boom)
}

func TestHybridStore_SaveFailurePropagates(t *testing.T) {
	logger := observability.NewNoopLogger()
	boom := errors.New("write refused")
	hybrid := NewHybridStore(NewInMemoryStore(logger), &failingStore{err: boom}, true, logger)

	assert.ErrorIs(t, hybrid.Save(context.Background(), "s", "k", "v"), boom)
}

func TestHybridStore_ReadErrorIsNotSwallowed(t *testing.T) {
	logger := observability.NewNoopLogger()
	boom := errors.New("read refused")

	// Fallback applies only to empty results, not to errors
	hybrid := NewHybridStore(NewInMemoryStore(logger), &failingStore{err: boom}, true, logger)
	_, err := hybrid.Get(context.Background(), "s", "k")
	assert.ErrorIs(t, err, boom)
}

func TestHybridStore_QuerySimilarCacheFirstThenPersistent(t *testing.T) {
	hybrid, persistent, cache := newHybrid(t, true)
	ctx := context.Background()

	require.NoError(t, persistent.Save(ctx, "q", "a_embedding", "[1,0,0]"))

	// Cache is empty, so the query falls back to the persistent layer
	results, err := hybrid.QuerySimilar(ctx, "[1,0,0]", 0.5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "[1,0,0]", results[0])

	// Once the cache has a match it wins
	require.NoError(t, cache.Save(ctx, "q", "b_embedding", "[0.9,0.1,0]"))
	results, err = hybrid.QuerySimilar(ctx, "[1,0,0]", 0.5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "[0.9,0.1,0]", results[0])
}
