package embeddings

import (
	"context"
	"crypto/sha256"
	"strings"

	"github.com/oddsdesk/roirag/pkg/embeddings"
)

// MockClient produces deterministic unit vectors derived from a hash of the text.
// Identical texts always map to identical vectors.
type MockClient struct {
	dimensions int
}

// NewMockClient creates a mock client returning vectors of the given dimension.
func NewMockClient(dimensions int) *MockClient {
	return &MockClient{dimensions: dimensions}
}

// CreateEmbedding returns the deterministic embedding for text.
func (c *MockClient) CreateEmbedding(_ context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}

	hash := sha256.Sum256([]byte(text))
	vec := make([]float32, c.dimensions)

	for i := range vec {
		// Map each byte to [-1, 1], cycling over the hash.
		vec[i] = float32(hash[i%len(hash)])/127.5 - 1.0
	}

	embeddings.NormalizeL2(vec)

	return vec, nil
}

var _ Client = (*MockClient)(nil)
