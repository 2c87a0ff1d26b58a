package math32

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDot(t *testing.T) {
	assert.Equal(t, float32(11), Dot([]float32{1, 2}, []float32{3, 4}))
}

func TestSquaredL2(t *testing.T) {
	assert.Equal(t, float32(8), SquaredL2([]float32{1, 1}, []float32{3, 3}))
	assert.Equal(t, float32(0), SquaredL2([]float32{1, 1}, []float32{1, 1}))
}

func TestNormalizeInPlace(t *testing.T) {
	v := []float32{3, 4}
	assert.True(t, NormalizeInPlace(v))
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)
	assert.InDelta(t, 1.0, Norm(v), 1e-6)

	assert.False(t, NormalizeInPlace([]float32{0, 0}))
	assert.False(t, NormalizeInPlace(nil))
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-6)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.Equal(t, float32(0), CosineSimilarity([]float32{0, 0}, []float32{1, 0}))
}
