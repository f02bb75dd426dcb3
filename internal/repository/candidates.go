package repository

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/oddsdesk/roirag/internal/models"
	"github.com/oddsdesk/roirag/internal/ragerrors"
	"github.com/oddsdesk/roirag/internal/validation"
	"github.com/oddsdesk/roirag/pkg/embeddings"
)

// ErrZeroQueryVector is returned by Search for a query vector with no direction; its cosine
// distance to every document would be NaN.
var ErrZeroQueryVector = ragerrors.NewValidationError("query", "query vector has zero magnitude")

// checkQueryVector rejects query vectors whose distances cannot be computed.
func checkQueryVector(query []float32) error {
	if embeddings.IsZero(query) {
		return fmt.Errorf("documents search: %w", ragerrors.NewServiceError(ragerrors.ServiceStore, ErrZeroQueryVector))
	}

	return nil
}

// partitionCandidates splits a batch into insertable records (with defaults applied) and skipped ones.
// Skips are logged individually; the caller reports the aggregate.
func partitionCandidates(
	logger *slog.Logger, candidates []models.DocumentCandidate, dimension int,
) ([]models.DocumentCandidate, []models.SkippedRecord) {
	valid := make([]models.DocumentCandidate, 0, len(candidates))

	var skipped []models.SkippedRecord

	for i, c := range candidates {
		reason, detail, ok := validation.CheckCandidate(c, dimension)
		if !ok {
			logger.Warn("documents: skipping record", "index", i, "reason", reason, "detail", detail)
			skipped = append(skipped, models.SkippedRecord{Index: i, Reason: reason, Detail: detail})

			continue
		}

		if strings.TrimSpace(c.Source) == "" {
			c.Source = models.DefaultSource
		}

		valid = append(valid, c)
	}

	return valid, skipped
}
