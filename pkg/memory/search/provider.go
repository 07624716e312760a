// Package search defines the VectorSearchProvider abstraction — the
// narrow contract implemented by backends capable of KNN queries over
// vectors — and the concrete providers: Redis (cache-native), Qdrant
// (dedicated vector DB over gRPC), Milvus (HTTP) and Chroma (HTTP).
package search

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
)

// Document field names shared by every provider
const (
	FieldSessionID  = "session_id"
	FieldContextKey = "context_key"
	FieldValue      = "value"
	FieldTimestamp  = "timestamp"
	FieldEmbedding  = "embedding"
)

// Provider is the vector-only abstraction. Documents are flat field
// maps addressed by composite key; field values are strings, numbers,
// or []float32 vectors.
type Provider interface {
	// Initialize ensures the index or collection exists with the
	// configured dimension and cosine metric. Idempotent.
	Initialize(ctx context.Context) error

	// SaveDocument upserts a document under the composite key. A
	// []float32 under the "embedding" field is indexed for search.
	SaveDocument(ctx context.Context, compositeKey string, fields map[string]interface{}) error

	// GetDocumentValue returns the named field of a document as a
	// string, or the empty string when the document or field is absent.
	GetDocumentValue(ctx context.Context, compositeKey, field string) (string, error)

	// SearchSimilar returns up to 10 "value" fields of documents whose
	// embeddings have cosine similarity >= threshold, best first.
	SearchSimilar(ctx context.Context, vector []float32, threshold float64) ([]string, error)

	// Close releases the provider's client
	Close() error
}

// FieldString extracts a field as a string, formatting numbers
func FieldString(fields map[string]interface{}, name string) string {
	v, ok := fields[name]
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case []float32:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

// FieldVector extracts the embedding field, if present
func FieldVector(fields map[string]interface{}) ([]float32, bool) {
	v, ok := fields[FieldEmbedding].([]float32)
	return v, ok && len(v) > 0
}

// EncodeVector packs a vector as little-endian IEEE-754 float32
// bytes, the layout Redis vector fields expect.
func EncodeVector(vector []float32) []byte {
	buf := make([]byte, 4*len(vector))
	for i, v := range vector {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeVector unpacks a little-endian float32 byte blob
func DecodeVector(blob []byte) []float32 {
	if len(blob)%4 != 0 {
		return nil
	}
	vector := make([]float32, len(blob)/4)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vector
}

// PointID derives a stable non-negative 63-bit id from a composite
// key for backends with numeric point ids. Collisions are acceptable
// at this scale.
func PointID(compositeKey string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(compositeKey))
	return h.Sum64() & math.MaxInt64
}
