package embeddings

import (
	"errors"
	"math"
)

// ErrLengthMismatch is returned when two vectors have different lengths.
var ErrLengthMismatch = errors.New("embeddings: vector length mismatch")

// IsZero reports whether v has zero magnitude. An empty vector is zero.
func IsZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}

	return true
}

// CosineDistance returns 1 - cosine similarity of a and b, clamped to [0, 2].
// It matches pgvector's <=> operator, including NaN when either vector has zero magnitude.
func CosineDistance(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, ErrLengthMismatch
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}

	if normA == 0 || normB == 0 {
		return math.NaN(), nil
	}

	similarity := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// Rounding can push similarity just outside [-1, 1].
	similarity = math.Max(-1, math.Min(1, similarity))

	return 1 - similarity, nil
}
