package factory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshworks/mesh-memory/pkg/common/config"
	"github.com/meshworks/mesh-memory/pkg/memory"
	"github.com/meshworks/mesh-memory/pkg/observability"
)

func TestNew_InMemory(t *testing.T) {
	store, err := New(&config.Config{StoreType: config.StoreTypeInMemory}, observability.NewNoopLogger())
	require.NoError(t, err)
	require.NotNil(t, store)

	ctx := context.Background()
	require.NoError(t, store.Initialize(ctx))
	require.NoError(t, store.Save(ctx, "s", "k", "v"))

	value, err := store.Get(ctx, "s", "k")
	require.NoError(t, err)
	assert.Equal(t, "v", value)
}

func TestNew_EmbeddedFile(t *testing.T) {
	cfg := &config.Config{StoreType: config.StoreTypeEmbeddedFile}
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "factory.db")

	store, err := New(cfg, observability.NewNoopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	require.NoError(t, store.Save(ctx, "s", "k", "v"))
	value, err := store.Get(ctx, "s", "k")
	require.NoError(t, err)
	assert.Equal(t, "v", value)
}

func TestNew_HybridIsDefault(t *testing.T) {
	cfg := &config.Config{}
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "hybrid.db")

	store, err := New(cfg, observability.NewNoopLogger())
	require.NoError(t, err)

	_, ok := store.(*memory.HybridStore)
	assert.True(t, ok)
}

func TestNew_UnknownStoreType(t *testing.T) {
	_, err := New(&config.Config{StoreType: "blockchain"}, observability.NewNoopLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store type")
}

func TestNew_UnknownProvider(t *testing.T) {
	_, err := New(&config.Config{
		StoreType:            config.StoreTypeCache,
		VectorSearchProvider: "sidecar",
	}, observability.NewNoopLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown vector search provider")
}

func TestNew_AllProviderNamesResolve(t *testing.T) {
	for _, name := range []string{
		config.ProviderCache,
		config.ProviderVectorDB,
		config.ProviderRelational,
		config.ProviderHTTPVectorDB,
		config.ProviderAINative,
	} {
		cfg := &config.Config{
			StoreType:            config.StoreTypeCache,
			VectorSearchProvider: name,
		}
		store, err := New(cfg, observability.NewNoopLogger())
		require.NoError(t, err, name)
		assert.NotNil(t, store, name)
	}
}
