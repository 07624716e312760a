package memory

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/meshworks/mesh-memory/pkg/observability"
)

// HybridStore composes one persistent MemoryStore and one cache
// MemoryStore. Writes go to both layers concurrently; reads fall back
// from the preferred layer to the other only when the preferred layer
// returns an empty result. Errors always propagate — the hybrid never
// papers over a failing child.
//
// There is deliberately no compensation after a partial dual-write
// failure: the caller retries the whole Save.
type HybridStore struct {
	persistent  MemoryStore
	cache       MemoryStore
	preferCache bool
	logger      observability.Logger
}

// NewHybridStore composes a persistent store and a cache store.
// preferCache selects which layer Get consults first.
func NewHybridStore(persistent, cache MemoryStore, preferCache bool, logger observability.Logger) *HybridStore {
	if logger == nil {
		logger = observability.NewStandardLogger("hybrid_store")
	}
	return &HybridStore{
		persistent:  persistent,
		cache:       cache,
		preferCache: preferCache,
		logger:      logger,
	}
}

// Initialize initializes both children in parallel. If either fails
// the hybrid fails.
func (h *HybridStore) Initialize(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.persistent.Initialize(gctx) })
	g.Go(func() error { return h.cache.Initialize(gctx) })

	if err := g.Wait(); err != nil {
		h.logger.Error("hybrid initialization failed", map[string]interface{}{
			"error": err.Error(),
		})
		return err
	}

	h.logger.Info("hybrid store initialized", map[string]interface{}{
		"prefer_cache_for_retrieval": h.preferCache,
	})
	return nil
}

// Save writes to both children concurrently and awaits both
func (h *HybridStore) Save(ctx context.Context, sessionID, key, value string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.persistent.Save(gctx, sessionID, key, value) })
	g.Go(func() error { return h.cache.Save(gctx, sessionID, key, value) })

	if err := g.Wait(); err != nil {
		h.logger.Error("hybrid dual-write failed", map[string]interface{}{
			"session_id": sessionID,
			"key":        key,
			"error":      err.Error(),
		})
		return err
	}
	return nil
}

// Get reads from the preferred layer and falls back to the other one
// on an empty result. A read error from the preferred layer aborts the
// read; fallback applies only to misses.
func (h *HybridStore) Get(ctx context.Context, sessionID, key string) (string, error) {
	first, second := h.persistent, h.cache
	if h.preferCache {
		first, second = h.cache, h.persistent
	}

	value, err := first.Get(ctx, sessionID, key)
	if err != nil {
		return "", err
	}
	if value != "" {
		return value, nil
	}

	h.logger.Debug("hybrid read falling back", map[string]interface{}{
		"session_id": sessionID,
		"key":        key,
	})
	return second.Get(ctx, sessionID, key)
}

// QuerySimilar always tries the cache first — the cache layer owns the
// vector index in hybrid topologies — and falls back to the persistent
// store when the cache has no matches.
func (h *HybridStore) QuerySimilar(ctx context.Context, embeddingJSON string, threshold float64) ([]string, error) {
	results, err := h.cache.QuerySimilar(ctx, embeddingJSON, threshold)
	if err != nil {
		return nil, err
	}
	if len(results) > 0 {
		return results, nil
	}
	return h.persistent.QuerySimilar(ctx, embeddingJSON, threshold)
}

// Close closes both children, returning the first error observed
func (h *HybridStore) Close() error {
	errPersistent := h.persistent.Close()
	errCache := h.cache.Close()
	if errPersistent != nil {
		return errPersistent
	}
	return errCache
}
