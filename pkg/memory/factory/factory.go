// Package factory assembles a MemoryStore from configuration
package factory

import (
	"fmt"

	"github.com/meshworks/mesh-memory/pkg/common/config"
	"github.com/meshworks/mesh-memory/pkg/memory"
	"github.com/meshworks/mesh-memory/pkg/memory/cache"
	"github.com/meshworks/mesh-memory/pkg/memory/document"
	"github.com/meshworks/mesh-memory/pkg/memory/dynamo"
	"github.com/meshworks/mesh-memory/pkg/memory/postgres"
	"github.com/meshworks/mesh-memory/pkg/memory/search"
	"github.com/meshworks/mesh-memory/pkg/memory/sqlite"
	"github.com/meshworks/mesh-memory/pkg/observability"
)

// New builds the MemoryStore the configuration asks for. The default
// is the hybrid pairing: an embedded file store for durability plus a
// cache store over the configured vector search provider.
func New(cfg *config.Config, logger observability.Logger) (memory.MemoryStore, error) {
	if logger == nil {
		logger = observability.NewStandardLogger("memory")
	}

	switch cfg.StoreType {
	case config.StoreTypeHybrid, "":
		persistent := sqlite.NewStore(cfg.SQLite, logger.WithPrefix("sqlite"))
		provider, err := newProvider(cfg, logger)
		if err != nil {
			return nil, err
		}
		cacheStore := cache.NewStore(provider, logger.WithPrefix("cache"))
		return memory.NewHybridStore(persistent, cacheStore, cfg.PreferCacheForRetrieval, logger.WithPrefix("hybrid")), nil

	case config.StoreTypeEmbeddedFile:
		return sqlite.NewStore(cfg.SQLite, logger.WithPrefix("sqlite")), nil

	case config.StoreTypeEmbeddedDoc:
		return document.NewStore(cfg.Badger, logger.WithPrefix("badger")), nil

	case config.StoreTypeRelational:
		return postgres.NewStore(cfg.Postgres, logger.WithPrefix("postgres")), nil

	case config.StoreTypeDocumentService:
		return dynamo.NewStore(cfg.Dynamo, logger.WithPrefix("dynamo")), nil

	case config.StoreTypeCache:
		provider, err := newProvider(cfg, logger)
		if err != nil {
			return nil, err
		}
		return cache.NewStore(provider, logger.WithPrefix("cache")), nil

	case config.StoreTypeInMemory:
		return memory.NewInMemoryStore(logger.WithPrefix("inmemory")), nil

	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.StoreType)
	}
}

// newProvider builds the vector search provider named by the
// configuration.
func newProvider(cfg *config.Config, logger observability.Logger) (search.Provider, error) {
	switch cfg.VectorSearchProvider {
	case config.ProviderCache, "":
		return search.NewRedisProvider(cfg.Redis, logger.WithPrefix("redis")), nil

	case config.ProviderVectorDB:
		return search.NewQdrantProvider(cfg.Qdrant, logger.WithPrefix("qdrant")), nil

	case config.ProviderRelational:
		return postgres.NewStore(cfg.Postgres, logger.WithPrefix("postgres")), nil

	case config.ProviderHTTPVectorDB:
		return search.NewMilvusProvider(cfg.Milvus, logger.WithPrefix("milvus")), nil

	case config.ProviderAINative:
		return search.NewChromaProvider(cfg.Chroma, logger.WithPrefix("chroma")), nil

	default:
		return nil, fmt.Errorf("unknown vector search provider %q", cfg.VectorSearchProvider)
	}
}
