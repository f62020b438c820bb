package embedding

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amara/lorekeep/pkg/lorekeep"
)

func TestCosineSimilarity(t *testing.T) {
	t.Run("identical vectors", func(t *testing.T) {
		v := []float32{0.3, 0.5, 0.8}
		sim, err := CosineSimilarity(v, v)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, sim, 1e-9)
	})

	t.Run("orthogonal vectors", func(t *testing.T) {
		sim, err := CosineSimilarity([]float32{1, 0}, []float32{0, 1})
		require.NoError(t, err)
		assert.InDelta(t, 0.0, sim, 1e-9)
	})

	t.Run("opposite vectors", func(t *testing.T) {
		sim, err := CosineSimilarity([]float32{1, 2}, []float32{-1, -2})
		require.NoError(t, err)
		assert.InDelta(t, -1.0, sim, 1e-9)
	})

	t.Run("symmetric", func(t *testing.T) {
		a := []float32{0.1, 0.9, 0.4}
		b := []float32{0.7, 0.2, 0.5}
		ab, err := CosineSimilarity(a, b)
		require.NoError(t, err)
		ba, err := CosineSimilarity(b, a)
		require.NoError(t, err)
		assert.InDelta(t, ab, ba, 1e-12)
	})

	t.Run("zero vector yields zero", func(t *testing.T) {
		sim, err := CosineSimilarity([]float32{0, 0, 0}, []float32{1, 2, 3})
		require.NoError(t, err)
		assert.Zero(t, sim)
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		_, err := CosineSimilarity([]float32{1, 2}, []float32{1, 2, 3})
		assert.True(t, lorekeep.IsValidation(err))
	})
}

func TestNormalizeVector(t *testing.T) {
	t.Run("unit magnitude", func(t *testing.T) {
		out := NormalizeVector([]float32{3, 4})
		var norm float64
		for _, x := range out {
			norm += float64(x) * float64(x)
		}
		assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-6)
		assert.InDelta(t, 0.6, float64(out[0]), 1e-6)
		assert.InDelta(t, 0.8, float64(out[1]), 1e-6)
	})

	t.Run("zero vector unchanged", func(t *testing.T) {
		v := []float32{0, 0, 0}
		assert.Equal(t, v, NormalizeVector(v))
	})
}

func TestWeightedMean(t *testing.T) {
	t.Run("weights applied and normalized", func(t *testing.T) {
		out, err := weightedMean([]float32{1, 0}, []float32{0, 1}, 0.6, 0.4)
		require.NoError(t, err)
		// 0.6/0.4 mix of the axes, then unit normalized
		assert.Greater(t, out[0], out[1])
		var norm float64
		for _, x := range out {
			norm += float64(x) * float64(x)
		}
		assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-6)
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		_, err := weightedMean([]float32{1}, []float32{1, 2}, 0.5, 0.5)
		assert.True(t, lorekeep.IsValidation(err))
	})

	t.Run("zero weight sum", func(t *testing.T) {
		_, err := weightedMean([]float32{1}, []float32{2}, 0, 0)
		assert.True(t, lorekeep.IsValidation(err))
	})
}

func TestMeanVector(t *testing.T) {
	t.Run("averages", func(t *testing.T) {
		out, err := meanVector([][]float32{{1, 0}, {0, 1}, {2, 2}})
		require.NoError(t, err)
		assert.InDelta(t, 1.0, float64(out[0]), 1e-6)
		assert.InDelta(t, 1.0, float64(out[1]), 1e-6)
	})

	t.Run("empty set", func(t *testing.T) {
		_, err := meanVector(nil)
		assert.True(t, lorekeep.IsValidation(err))
	})

	t.Run("ragged dimensions", func(t *testing.T) {
		_, err := meanVector([][]float32{{1, 2}, {1}})
		assert.True(t, lorekeep.IsValidation(err))
	})
}
