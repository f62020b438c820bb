package embedding

import (
	"fmt"
	"math"

	"github.com/amara/lorekeep/pkg/lorekeep"
)

// CosineSimilarity returns the cosine of the angle between a and b in
// [-1, 1]. Vectors of differing dimension are a validation error.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, lorekeep.NewValidationError("vectors",
			fmt.Sprintf("dimension mismatch: %d vs %d", len(a), len(b)))
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}

// NormalizeVector scales v to unit magnitude. The zero vector is returned
// unchanged.
func NormalizeVector(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}

	mag := math.Sqrt(norm)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / mag)
	}
	return out
}

// weightedMean combines two equal-dimension vectors with the given weights
// and normalizes the result.
func weightedMean(a, b []float32, wa, wb float64) ([]float32, error) {
	if len(a) != len(b) {
		return nil, lorekeep.NewValidationError("vectors",
			fmt.Sprintf("dimension mismatch: %d vs %d", len(a), len(b)))
	}
	total := wa + wb
	if total == 0 {
		return nil, lorekeep.NewValidationError("weights", "weights sum to zero")
	}

	out := make([]float32, len(a))
	for i := range a {
		out[i] = float32((float64(a[i])*wa + float64(b[i])*wb) / total)
	}
	return NormalizeVector(out), nil
}

// meanVector averages a non-empty set of equal-dimension vectors
func meanVector(vectors [][]float32) ([]float32, error) {
	if len(vectors) == 0 {
		return nil, lorekeep.NewValidationError("vectors", "no vectors to average")
	}
	dim := len(vectors[0])
	sum := make([]float64, dim)
	for _, v := range vectors {
		if len(v) != dim {
			return nil, lorekeep.NewValidationError("vectors",
				fmt.Sprintf("dimension mismatch: %d vs %d", len(v), dim))
		}
		for i, x := range v {
			sum[i] += float64(x)
		}
	}

	out := make([]float32, dim)
	n := float64(len(vectors))
	for i, x := range sum {
		out[i] = float32(x / n)
	}
	return out, nil
}
