// Package embeddings provides vector utilities: L2 normalization and cosine distance.
package embeddings

import (
	"math"
)

// NormalizeL2 scales vector to unit length in place. A zero vector is left unchanged.
func NormalizeL2(vector []float32) {
	var sumSquares float64
	for _, v := range vector {
		sumSquares += float64(v) * float64(v)
	}

	if sumSquares == 0 {
		return
	}

	magnitude := math.Sqrt(sumSquares)
	for i := range vector {
		vector[i] = float32(float64(vector[i]) / magnitude)
	}
}
