package repository

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/oddsdesk/roirag/internal/models"
	"github.com/oddsdesk/roirag/internal/ragerrors"
	"github.com/oddsdesk/roirag/pkg/embeddings"
)

// MemoryDocumentsRepository is an in-process Document Store with exact cosine search.
// It is used for local runs and tests; contents are lost on exit.
type MemoryDocumentsRepository struct {
	mu        sync.RWMutex
	docs      []models.Document
	nextID    int64
	dimension int
	logger    *slog.Logger
	now       func() time.Time
}

// NewMemoryDocumentsRepository creates an empty in-memory store for vectors of the given dimension.
func NewMemoryDocumentsRepository(dimension int, logger *slog.Logger) (*MemoryDocumentsRepository, error) {
	if dimension <= 0 {
		return nil, ErrInvalidDimension
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &MemoryDocumentsRepository{dimension: dimension, nextID: 1, logger: logger, now: time.Now}, nil
}

// Dimension returns the configured embedding dimension.
func (r *MemoryDocumentsRepository) Dimension() int {
	return r.dimension
}

// Initialize is a no-op; the store needs no schema.
func (r *MemoryDocumentsRepository) Initialize(context.Context) error {
	return nil
}

// BulkInsert validates candidates and appends the valid ones. The batch is applied atomically.
func (r *MemoryDocumentsRepository) BulkInsert(
	ctx context.Context, candidates []models.DocumentCandidate,
) (models.InsertResult, error) {
	if err := ctx.Err(); err != nil {
		return models.InsertResult{}, err
	}

	valid, skipped := partitionCandidates(r.logger, candidates, r.dimension)

	r.mu.Lock()
	defer r.mu.Unlock()

	createdAt := r.now()

	for _, c := range valid {
		r.docs = append(r.docs, models.Document{
			ID:        r.nextID,
			Text:      c.Text,
			Embedding: slices.Clone(c.Embedding),
			Topic:     c.Topic,
			Source:    c.Source,
			Date:      c.Date,
			URL:       c.URL,
			CreatedAt: createdAt,
		})
		r.nextID++
	}

	return models.InsertResult{Inserted: len(valid), Skipped: skipped}, nil
}

// Search returns the k closest documents by cosine distance. Ties are broken by ascending id.
func (r *MemoryDocumentsRepository) Search(ctx context.Context, query []float32, k int) ([]models.QueryResult, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(query) != r.dimension {
		return nil, fmt.Errorf("documents search: %w", ragerrors.NewServiceError(ragerrors.ServiceStore,
			fmt.Errorf("query vector has %d dimensions, store has %d", len(query), r.dimension)))
	}

	if err := checkQueryVector(query); err != nil {
		return nil, err
	}

	r.mu.RLock()
	results := make([]models.QueryResult, 0, len(r.docs))

	for _, d := range r.docs {
		dist, err := embeddings.CosineDistance(query, d.Embedding)
		if err != nil {
			r.mu.RUnlock()

			return nil, fmt.Errorf("documents search: %w", ragerrors.NewServiceError(ragerrors.ServiceStore, err))
		}

		results = append(results, models.QueryResult{
			ID:       d.ID,
			Text:     d.Text,
			Topic:    d.Topic,
			Source:   d.Source,
			Date:     d.Date,
			URL:      d.URL,
			Distance: dist,
		})
	}
	r.mu.RUnlock()

	slices.SortStableFunc(results, func(a, b models.QueryResult) int {
		if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
			return c
		}

		return cmp.Compare(a.ID, b.ID)
	})

	if len(results) > k {
		results = results[:k]
	}

	return results, nil
}

// Count returns the number of stored documents.
func (r *MemoryDocumentsRepository) Count(context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return int64(len(r.docs)), nil
}

// Ping always succeeds.
func (r *MemoryDocumentsRepository) Ping(context.Context) error {
	return nil
}
