package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/oddsdesk/roirag/internal/models"
	"github.com/oddsdesk/roirag/internal/ragerrors"
)

// Vector index types supported by Initialize.
const (
	IndexHNSW    = "hnsw"
	IndexIVFFlat = "ivfflat"

	// maxEFSearch is pgvector's upper bound for hnsw.ef_search.
	maxEFSearch = 1000
)

var (
	// ErrInvalidK is returned when Search is called with a non-positive k.
	ErrInvalidK = ragerrors.NewValidationError("k", "k must be a positive integer")
	// ErrInvalidDimension is returned when a store is configured with a non-positive dimension.
	ErrInvalidDimension = errors.New("documents: embedding dimension must be positive")
	// ErrDimensionConflict is returned by Initialize when the existing table uses another dimension.
	ErrDimensionConflict = errors.New("documents: existing embedding column has a different dimension")
)

// IndexOptions tunes the approximate-nearest-neighbor index and its query-time recall.
type IndexOptions struct {
	// Type is IndexHNSW (default) or IndexIVFFlat.
	Type string
	// Lists is the ivfflat list count (default 100).
	Lists int
	// Probes is the ivfflat probe count per query; 0 probes every list, which makes search exact.
	Probes int
	// EFSearch is the minimum hnsw candidate list size; it is raised to k when k is larger,
	// up to pgvector's limit of 1000.
	EFSearch int
}

// DocumentsRepository is the Postgres/pgvector Document Store.
type DocumentsRepository struct {
	db        *pgxpool.Pool
	dimension int
	index     IndexOptions
	logger    *slog.Logger
}

// DocumentsRepositoryParams configures DocumentsRepository. Logger may be nil.
type DocumentsRepositoryParams struct {
	DB        *pgxpool.Pool
	Dimension int
	Index     IndexOptions
	Logger    *slog.Logger
}

// NewDocumentsRepository creates a documents repository for vectors of the given dimension.
func NewDocumentsRepository(p DocumentsRepositoryParams) (*DocumentsRepository, error) {
	if p.Dimension <= 0 {
		return nil, ErrInvalidDimension
	}

	idx := p.Index
	if idx.Type == "" {
		idx.Type = IndexHNSW
	}

	if idx.Type != IndexHNSW && idx.Type != IndexIVFFlat {
		return nil, fmt.Errorf("documents: unsupported index type %q", idx.Type)
	}

	if idx.Lists <= 0 {
		idx.Lists = 100
	}

	if idx.EFSearch <= 0 {
		idx.EFSearch = 40
	}

	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &DocumentsRepository{db: p.DB, dimension: p.Dimension, index: idx, logger: logger}, nil
}

// Dimension returns the configured embedding dimension.
func (r *DocumentsRepository) Dimension() int {
	return r.dimension
}

// Initialize creates the vector extension, the documents table and the vector index if missing.
// It is safe to call repeatedly. It fails with ErrDimensionConflict when the table already exists
// with a different embedding dimension.
func (r *DocumentsRepository) Initialize(ctx context.Context) error {
	statements := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS documents (
			id BIGSERIAL PRIMARY KEY,
			text TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			topic VARCHAR(500) NOT NULL DEFAULT '',
			source VARCHAR(100) NOT NULL DEFAULT '',
			date TIMESTAMPTZ,
			url TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, r.dimension),
		r.indexStatement(),
	}

	for _, stmt := range statements {
		if _, err := r.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("documents initialize: %w", ragerrors.NewServiceError(ragerrors.ServiceStore, err))
		}
	}

	var existing int
	err := r.db.QueryRow(ctx, `
		SELECT atttypmod FROM pg_attribute
		WHERE attrelid = 'documents'::regclass AND attname = 'embedding'`,
	).Scan(&existing)
	if err != nil {
		return fmt.Errorf("documents initialize: %w", ragerrors.NewServiceError(ragerrors.ServiceStore, err))
	}

	if existing != r.dimension {
		return fmt.Errorf("%w: table has %d, configured %d", ErrDimensionConflict, existing, r.dimension)
	}

	r.logger.Info("documents: schema ready", "dimension", r.dimension, "index", r.index.Type)

	return nil
}

func (r *DocumentsRepository) indexStatement() string {
	if r.index.Type == IndexIVFFlat {
		return fmt.Sprintf(`CREATE INDEX IF NOT EXISTS documents_embedding_ivfflat_idx
			ON documents USING ivfflat (embedding vector_cosine_ops) WITH (lists = %d)`, r.index.Lists)
	}

	return `CREATE INDEX IF NOT EXISTS documents_embedding_hnsw_idx
		ON documents USING hnsw (embedding vector_cosine_ops)`
}

// BulkInsert validates candidates and inserts the valid ones with a single COPY.
// Invalid candidates are skipped and reported; they never fail the batch.
func (r *DocumentsRepository) BulkInsert(
	ctx context.Context, candidates []models.DocumentCandidate,
) (models.InsertResult, error) {
	valid, skipped := partitionCandidates(r.logger, candidates, r.dimension)
	result := models.InsertResult{Skipped: skipped}

	if len(valid) == 0 {
		return result, nil
	}

	rows := make([][]any, 0, len(valid))
	for _, c := range valid {
		rows = append(rows, []any{c.Text, pgvector.NewVector(c.Embedding), c.Topic, c.Source, c.Date, c.URL})
	}

	n, err := r.db.CopyFrom(ctx,
		pgx.Identifier{"documents"},
		[]string{"text", "embedding", "topic", "source", "date", "url"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return result, fmt.Errorf("documents bulk insert: %w", ragerrors.NewServiceError(ragerrors.ServiceStore, err))
	}

	result.Inserted = int(n)

	r.logger.Info("documents: batch stored", "inserted", result.Inserted, "skipped", len(skipped))

	return result, nil
}

// Search returns the k stored documents closest to query by cosine distance, ascending.
func (r *DocumentsRepository) Search(ctx context.Context, query []float32, k int) ([]models.QueryResult, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}

	if err := checkQueryVector(query); err != nil {
		return nil, err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("documents search: %w", ragerrors.NewServiceError(ragerrors.ServiceStore, err))
	}

	defer func() {
		// Rollback after Commit is a no-op returning ErrTxClosed.
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			r.logger.Warn("documents search: rollback failed", "error", rbErr)
		}
	}()

	if err := r.applyRecallSettings(ctx, tx, k); err != nil {
		return nil, fmt.Errorf("documents search: %w", ragerrors.NewServiceError(ragerrors.ServiceStore, err))
	}

	rows, err := tx.Query(ctx, `
		SELECT id, text, topic, source, date, url, embedding <=> $1 AS distance
		FROM documents
		ORDER BY embedding <=> $1
		LIMIT $2`, pgvector.NewVector(query), k)
	if err != nil {
		return nil, fmt.Errorf("documents search: %w", ragerrors.NewServiceError(ragerrors.ServiceStore, err))
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.QueryResult, error) {
		var qr models.QueryResult
		scanErr := row.Scan(&qr.ID, &qr.Text, &qr.Topic, &qr.Source, &qr.Date, &qr.URL, &qr.Distance)

		return qr, scanErr
	})
	if err != nil {
		return nil, fmt.Errorf("documents search: %w", ragerrors.NewServiceError(ragerrors.ServiceStore, err))
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("documents search: %w", ragerrors.NewServiceError(ragerrors.ServiceStore, err))
	}

	return results, nil
}

// applyRecallSettings sets transaction-local index parameters so the index can yield k rows.
func (r *DocumentsRepository) applyRecallSettings(ctx context.Context, tx pgx.Tx, k int) error {
	if r.index.Type == IndexIVFFlat {
		probes := r.index.Probes
		if probes <= 0 || probes > r.index.Lists {
			probes = r.index.Lists
		}

		_, err := tx.Exec(ctx, `SELECT set_config('ivfflat.probes', $1, true)`, strconv.Itoa(probes))

		return err
	}

	_, err := tx.Exec(ctx, `SELECT set_config('hnsw.ef_search', $1, true)`, strconv.Itoa(efSearch(r.index.EFSearch, k)))

	return err
}

// efSearch raises the configured candidate list size to k, within pgvector's limit.
func efSearch(configured, k int) int {
	return min(max(configured, k), maxEFSearch)
}

// Count returns the number of stored documents.
func (r *DocumentsRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("documents count: %w", ragerrors.NewServiceError(ragerrors.ServiceStore, err))
	}

	return n, nil
}

// Ping checks connectivity to the backing database.
func (r *DocumentsRepository) Ping(ctx context.Context) error {
	if err := r.db.Ping(ctx); err != nil {
		return ragerrors.NewServiceError(ragerrors.ServiceStore, err)
	}

	return nil
}
