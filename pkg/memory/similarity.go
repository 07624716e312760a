package memory

import (
	"math"
	"sort"
)

// CosineSimilarity computes dot(a,b) / (||a||*||b||). Vectors of
// unequal length score 0, as does any vector with zero norm; neither
// case is an error.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// ScoredValue pairs a stored value with its similarity to a query
// vector. Backends that score in code collect candidates in insertion
// order and hand them to RankBySimilarity.
type ScoredValue struct {
	Value      string
	Similarity float64
}

// RankBySimilarity filters candidates by similarity >= threshold,
// orders them most similar first (stable, so ties keep insertion
// order), and caps the result at ResultLimit values.
func RankBySimilarity(candidates []ScoredValue, threshold float64) []string {
	matched := make([]ScoredValue, 0, len(candidates))
	for _, c := range candidates {
		if c.Similarity >= threshold {
			matched = append(matched, c)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Similarity > matched[j].Similarity
	})

	if len(matched) > ResultLimit {
		matched = matched[:ResultLimit]
	}

	values := make([]string, len(matched))
	for i, c := range matched {
		values[i] = c.Value
	}
	return values
}
