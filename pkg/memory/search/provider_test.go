package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeVector(t *testing.T) {
	vector := []float32{1, -0.5, 0.25, 3.14159}

	blob := EncodeVector(vector)
	assert.Len(t, blob, 16)

	decoded := DecodeVector(blob)
	require.Equal(t, vector, decoded)
}

func TestDecodeVector_RejectsRaggedBlob(t *testing.T) {
	assert.Nil(t, DecodeVector([]byte{1, 2, 3}))
}

func TestPointID(t *testing.T) {
	a := PointID("mesh:s:doc_embedding")
	b := PointID("mesh:s:doc_embedding")
	c := PointID("mesh:s:other")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	// Fits in a signed 64-bit id
	assert.LessOrEqual(t, a, uint64(1)<<63-1)
}

func TestFieldString(t *testing.T) {
	fields := map[string]interface{}{
		FieldValue:     "hello",
		FieldTimestamp: int64(1700000000000),
		FieldEmbedding: []float32{1, 0},
	}

	assert.Equal(t, "hello", FieldString(fields, FieldValue))
	assert.Equal(t, "1700000000000", FieldString(fields, FieldTimestamp))
	assert.Equal(t, "", FieldString(fields, FieldEmbedding))
	assert.Equal(t, "", FieldString(fields, "missing"))
}

func TestFieldVector(t *testing.T) {
	vector, ok := FieldVector(map[string]interface{}{FieldEmbedding: []float32{1, 2}})
	assert.True(t, ok)
	assert.Equal(t, []float32{1, 2}, vector)

	_, ok = FieldVector(map[string]interface{}{FieldValue: "v"})
	assert.False(t, ok)

	_, ok = FieldVector(map[string]interface{}{FieldEmbedding: []float32{}})
	assert.False(t, ok)
}

func TestQdrantProviderDefaults(t *testing.T) {
	provider := NewQdrantProvider(QdrantConfig{Host: "localhost"}, nil)
	assert.Equal(t, DefaultQdrantCollection, provider.config.Collection)
	assert.Equal(t, 6334, provider.config.Port)
}
