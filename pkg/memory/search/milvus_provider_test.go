package search

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshworks/mesh-memory/pkg/memory"
	"github.com/meshworks/mesh-memory/pkg/observability"
)

// milvusServer is a minimal in-process stand-in for the v2 REST API:
// enough surface for create/list/upsert/get/search.
type milvusServer struct {
	mu          sync.Mutex
	collections map[string]int
	entities    map[uint64]map[string]interface{}
	lastToken   string
}

func newMilvusServer() *milvusServer {
	return &milvusServer{
		collections: make(map[string]int),
		entities:    make(map[uint64]map[string]interface{}),
	}
}

func writeMilvus(w http.ResponseWriter, data interface{}) {
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"code": 0,
		"data": data,
	})
}

func (s *milvusServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/vectordb/collections/list", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.lastToken = r.Header.Get("Authorization")
		names := []string{}
		for name := range s.collections {
			names = append(names, name)
		}
		writeMilvus(w, names)
	})
	mux.HandleFunc("/v2/vectordb/collections/create", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			CollectionName string `json:"collectionName"`
			Dimension      int    `json:"dimension"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		s.collections[req.CollectionName] = req.Dimension
		s.mu.Unlock()
		writeMilvus(w, nil)
	})
	mux.HandleFunc("/v2/vectordb/entities/upsert", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Data []map[string]interface{} `json:"data"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		for _, entity := range req.Data {
			id := uint64(entity["id"].(float64))
			s.entities[id] = entity
		}
		s.mu.Unlock()
		writeMilvus(w, nil)
	})
	mux.HandleFunc("/v2/vectordb/entities/get", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID []float64 `json:"id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		defer s.mu.Unlock()
		rows := []map[string]interface{}{}
		for _, id := range req.ID {
			if entity, ok := s.entities[uint64(id)]; ok {
				rows = append(rows, entity)
			}
		}
		writeMilvus(w, rows)
	})
	mux.HandleFunc("/v2/vectordb/entities/search", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Data [][]float32 `json:"data"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		defer s.mu.Unlock()
		rows := []map[string]interface{}{}
		for _, entity := range s.entities {
			if entity["has_embedding"] != true {
				continue
			}
			raw := entity["vector"].([]interface{})
			stored := make([]float32, len(raw))
			for i, v := range raw {
				stored[i] = float32(v.(float64))
			}
			rows = append(rows, map[string]interface{}{
				"distance": memory.CosineSimilarity(req.Data[0], stored),
				"value":    entity["value"],
			})
		}
		writeMilvus(w, rows)
	})
	return mux
}

func newMilvusProvider(t *testing.T, token string) (*MilvusProvider, *milvusServer) {
	t.Helper()
	server := newMilvusServer()
	ts := httptest.NewServer(server.handler())
	t.Cleanup(ts.Close)

	provider := NewMilvusProvider(MilvusConfig{
		Endpoint:  ts.URL,
		Token:     token,
		Dimension: 3,
	}, observability.NewNoopLogger())
	t.Cleanup(func() { _ = provider.Close() })
	return provider, server
}

func TestMilvusProvider_InitializeCreatesCollection(t *testing.T) {
	provider, server := newMilvusProvider(t, "secret-token")

	require.NoError(t, provider.Initialize(context.Background()))
	assert.Equal(t, 3, server.collections[DefaultMilvusCollection])
	assert.Equal(t, "Bearer secret-token", server.lastToken)

	// Idempotent
	require.NoError(t, provider.Initialize(context.Background()))
}

func TestMilvusProvider_SaveAndGetDocumentValue(t *testing.T) {
	provider, _ := newMilvusProvider(t, "")
	ctx := context.Background()

	require.NoError(t, provider.SaveDocument(ctx, "mesh:s:note", map[string]interface{}{
		FieldSessionID: "s",
		FieldValue:     "hello",
	}))

	value, err := provider.GetDocumentValue(ctx, "mesh:s:note", FieldValue)
	require.NoError(t, err)
	assert.Equal(t, "hello", value)

	absent, err := provider.GetDocumentValue(ctx, "mesh:none:k", FieldValue)
	require.NoError(t, err)
	assert.Equal(t, "", absent)
}

func TestMilvusProvider_SearchSimilar(t *testing.T) {
	provider, _ := newMilvusProvider(t, "")
	ctx := context.Background()

	vectors := map[string][]float32{
		"mesh:s:a_embedding": {1, 0, 0},
		"mesh:s:b_embedding": {0.9, 0.1, 0},
		"mesh:s:c_embedding": {0, 1, 0},
	}
	for key, vector := range vectors {
		require.NoError(t, provider.SaveDocument(ctx, key, map[string]interface{}{
			FieldValue:     key,
			FieldEmbedding: vector,
		}))
	}
	// No embedding: excluded from search by the has_embedding filter
	require.NoError(t, provider.SaveDocument(ctx, "mesh:s:plain", map[string]interface{}{
		FieldValue: "plain",
	}))

	results, err := provider.SearchSimilar(ctx, []float32{1, 0, 0}, 0.5)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "mesh:s:a_embedding", results[0])
	assert.Equal(t, "mesh:s:b_embedding", results[1])
}

func TestMilvusProvider_DimensionMismatch(t *testing.T) {
	provider, _ := newMilvusProvider(t, "")

	err := provider.SaveDocument(context.Background(), "mesh:s:bad_embedding", map[string]interface{}{
		FieldValue:     "bad",
		FieldEmbedding: []float32{1, 0},
	})
	var mismatch *memory.DimensionMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 3, mismatch.Want)
}

func TestMilvusProvider_ServerErrorPropagates(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()

	provider := NewMilvusProvider(MilvusConfig{Endpoint: ts.URL, Dimension: 3}, observability.NewNoopLogger())
	assert.Error(t, provider.Initialize(context.Background()))
}
