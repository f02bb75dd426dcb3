// Package embeddings defines the text embedding contract and the provider-neutral clients.
package embeddings

import (
	"context"

	"github.com/oddsdesk/roirag/internal/ragerrors"
)

// Client turns text into a fixed-length embedding vector.
type Client interface {
	// CreateEmbedding returns the embedding for text. Empty text is rejected.
	CreateEmbedding(ctx context.Context, text string) ([]float32, error)
}

var (
	// ErrEmptyInput is returned when asked to embed empty text.
	ErrEmptyInput = ragerrors.NewValidationError("text", "embeddings: input text is empty")
	// ErrDimensionMismatch is returned when a service answers with a vector of the wrong length.
	ErrDimensionMismatch = ragerrors.NewValidationError("embedding", "embeddings: embedding dimension mismatch")
)
