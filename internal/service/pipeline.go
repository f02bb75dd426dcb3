package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/oddsdesk/roirag/internal/analysis"
	"github.com/oddsdesk/roirag/internal/models"
	"github.com/oddsdesk/roirag/internal/observability"
	"github.com/oddsdesk/roirag/internal/ragerrors"
	"github.com/oddsdesk/roirag/pkg/cache"
)

// Query stages, in execution order.
const (
	StageValidate        = "validate"
	StageEmbedQuestion   = "embed_question"
	StageSearch          = "search"
	StageAssembleContext = "assemble_context"
	StageBuildPrompt     = "build_prompt"
	StageCallAnalysis    = "call_analysis"

	// Ingestion stages.
	StageEmbedDocuments = "embed_documents"
	StageStore          = "store"

	queryEmbeddingCacheName = "query_embedding"

	tracerName = "github.com/oddsdesk/roirag/internal/service"
)

// ErrEmptyQuestion is returned when a query has no question text.
var ErrEmptyQuestion = ragerrors.NewValidationError("question", "question is required and must be non-empty")

// EmbeddingClient generates embedding vectors for text.
type EmbeddingClient interface {
	CreateEmbedding(ctx context.Context, input string) ([]float32, error)
}

// DocumentStore persists documents and answers nearest-neighbor queries.
type DocumentStore interface {
	BulkInsert(ctx context.Context, candidates []models.DocumentCandidate) (models.InsertResult, error)
	Search(ctx context.Context, query []float32, k int) ([]models.QueryResult, error)
	Count(ctx context.Context) (int64, error)
}

// Analyzer sends a prepared prompt to a generative model and parses the completion.
type Analyzer interface {
	Run(ctx context.Context, prompt string) (models.AnalysisOutcome, error)
}

// PipelineConfig holds the orchestrator's policy values. Zero values take defaults.
type PipelineConfig struct {
	// RetrievalSize is k for the similarity search (default 50).
	RetrievalSize int
	Context       ContextPolicy

	EmbedTimeout    time.Duration
	StoreTimeout    time.Duration
	AnalysisTimeout time.Duration
	Retry           RetryPolicy

	// IngestRateLimit caps embedding calls per second during ingestion (0 = unlimited).
	IngestRateLimit float64
	// IngestConcurrency bounds in-flight embedding calls during ingestion (default 4).
	IngestConcurrency int
}

// PipelineParams configures Pipeline. QueryCache, Metrics, CacheMetrics, TracerProvider and
// Logger may be nil; a nil TracerProvider uses the global one.
type PipelineParams struct {
	Store          DocumentStore
	Embedder       EmbeddingClient
	Analyzer       Analyzer
	Config         PipelineConfig
	QueryCache     *cache.LoaderCache[[]float32]
	Metrics        observability.PipelineMetrics
	CacheMetrics   observability.CacheMetrics
	TracerProvider trace.TracerProvider
	Logger         *slog.Logger
}

// Pipeline sequences embedding, storage, context assembly and analysis for the ingestion
// and query paths. Both paths always return a result value; failures are reported inside it.
type Pipeline struct {
	store        DocumentStore
	embedder     EmbeddingClient
	analyzer     Analyzer
	cfg          PipelineConfig
	queryCache   *cache.LoaderCache[[]float32]
	ingestLimit  *rate.Limiter
	metrics      observability.PipelineMetrics
	cacheMetrics observability.CacheMetrics
	tracer       trace.Tracer
	logger       *slog.Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(p PipelineParams) *Pipeline {
	cfg := p.Config
	if cfg.RetrievalSize <= 0 {
		cfg.RetrievalSize = 50
	}

	if cfg.IngestConcurrency <= 0 {
		cfg.IngestConcurrency = 4
	}

	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy
	}

	cfg.Context = cfg.Context.withDefaults()

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.IngestRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.IngestRateLimit), max(1, int(cfg.IngestRateLimit)))
	}

	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tp := p.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	return &Pipeline{
		store:        p.Store,
		embedder:     p.Embedder,
		analyzer:     p.Analyzer,
		cfg:          cfg,
		queryCache:   p.QueryCache,
		ingestLimit:  limiter,
		metrics:      p.Metrics,
		cacheMetrics: p.CacheMetrics,
		tracer:       tp.Tracer(tracerName),
		logger:       logger,
	}
}

// Query answers question: embed it, retrieve the nearest documents, assemble context and
// run the analysis. Stage failures end the run with Status "error" and the failing Stage.
// An unparsable completion is still a success; its Analysis carries the failure.
func (p *Pipeline) Query(ctx context.Context, question string) models.QueryResponse {
	ctx, span := p.tracer.Start(ctx, "pipeline.query")
	defer span.End()

	question = strings.TrimSpace(question)
	resp := models.QueryResponse{Question: question}

	fail := func(stage string, err error) models.QueryResponse {
		p.logger.ErrorContext(ctx, "query: stage failed", "stage", stage, "error", err)
		p.recordQuery(ctx, models.StatusError)

		resp.Status = models.StatusError
		resp.Stage = stage
		resp.Error = err.Error()

		span.SetStatus(codes.Error, stage)

		return resp
	}

	if question == "" {
		return fail(StageValidate, ErrEmptyQuestion)
	}

	var vector []float32

	err := p.stage(ctx, StageEmbedQuestion, func(ctx context.Context) error {
		var embedErr error
		vector, embedErr = p.questionEmbedding(ctx, question)

		return embedErr
	})
	if err != nil {
		return fail(StageEmbedQuestion, asServiceError(ctx, ragerrors.ServiceEmbedding, err))
	}

	var matches []models.QueryResult

	err = p.stage(ctx, StageSearch, func(ctx context.Context) error {
		var searchErr error
		matches, searchErr = callWithRetry(ctx, p.cfg.Retry, p.cfg.StoreTimeout, p.onRetry(ctx, ragerrors.ServiceStore),
			func(callCtx context.Context) ([]models.QueryResult, error) {
				return p.store.Search(callCtx, vector, p.cfg.RetrievalSize)
			})

		return searchErr
	})
	if err != nil {
		return fail(StageSearch, asServiceError(ctx, ragerrors.ServiceStore, err))
	}

	var assembled AssembledContext

	_ = p.stage(ctx, StageAssembleContext, func(_ context.Context) error {
		assembled = AssembleContext(matches, p.cfg.Context)

		return nil
	})

	var prompt string

	_ = p.stage(ctx, StageBuildPrompt, func(_ context.Context) error {
		prompt = analysis.BuildPrompt(analysis.PromptInput{
			Question:         question,
			PrimaryContext:   assembled.Primary,
			SecondaryContext: assembled.Secondary,
		})

		return nil
	})

	var outcome models.AnalysisOutcome

	err = p.stage(ctx, StageCallAnalysis, func(ctx context.Context) error {
		var runErr error
		outcome, runErr = callWithRetry(ctx, p.cfg.Retry, p.cfg.AnalysisTimeout, p.onRetry(ctx, ragerrors.ServiceAnalysis),
			func(callCtx context.Context) (models.AnalysisOutcome, error) {
				return p.analyzer.Run(callCtx, prompt)
			})

		return runErr
	})
	if err != nil {
		return fail(StageCallAnalysis, asServiceError(ctx, ragerrors.ServiceAnalysis, err))
	}

	if !outcome.Parsed() && p.metrics != nil {
		p.metrics.RecordAnalysisParseFailure(ctx)
	}

	p.logger.InfoContext(ctx, "query: done",
		"matches", len(matches),
		"primary", assembled.PrimaryMatches,
		"secondary", assembled.SecondaryMatches,
		"parsed", outcome.Parsed(),
	)
	p.recordQuery(ctx, models.StatusSuccess)

	resp.Status = models.StatusSuccess
	resp.Analysis = &outcome
	resp.DataBreakdown = &models.DataBreakdown{
		PrimaryRecords:   assembled.PrimaryMatches,
		SecondaryRecords: assembled.SecondaryMatches,
		TotalMatches:     len(matches),
	}

	return resp
}

// stage runs fn inside a child span, failing fast when ctx is already done, and records its duration.
func (p *Pipeline) stage(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ctx, span := p.tracer.Start(ctx, "pipeline."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)

	if p.metrics != nil {
		p.metrics.RecordStageDuration(ctx, name, time.Since(start))
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, name+" failed")
	}

	return err
}

func (p *Pipeline) questionEmbedding(ctx context.Context, question string) ([]float32, error) {
	load := func(ctx context.Context, text string) ([]float32, error) {
		return p.embed(ctx, text)
	}

	if p.queryCache == nil {
		return load(ctx, question)
	}

	vector, hit, err := p.queryCache.Get(ctx, question, load)
	if err != nil {
		return nil, err
	}

	if p.cacheMetrics != nil {
		if hit {
			p.cacheMetrics.RecordHit(ctx, queryEmbeddingCacheName)
		} else {
			p.cacheMetrics.RecordMiss(ctx, queryEmbeddingCacheName)
		}
	}

	return vector, nil
}

func (p *Pipeline) embed(ctx context.Context, text string) ([]float32, error) {
	return callWithRetry(ctx, p.cfg.Retry, p.cfg.EmbedTimeout, p.onRetry(ctx, ragerrors.ServiceEmbedding),
		func(callCtx context.Context) ([]float32, error) {
			return p.embedder.CreateEmbedding(callCtx, text)
		})
}

func (p *Pipeline) onRetry(ctx context.Context, service string) func(error, time.Duration) {
	return func(err error, wait time.Duration) {
		p.logger.WarnContext(ctx, "retrying service call", "service", service, "error", err, "wait", wait)

		if p.metrics != nil {
			p.metrics.RecordRetry(ctx, service)
		}
	}
}

func (p *Pipeline) recordQuery(ctx context.Context, status string) {
	if p.metrics != nil {
		p.metrics.RecordQuery(ctx, status)
	}
}

// Ingest validates a batch, embeds records that carry text but no embedding, and stores the rest.
// Nil entries count as received and are skipped as null records. Per-record problems never fail
// the batch; only a store failure or cancellation yields Status "error".
func (p *Pipeline) Ingest(ctx context.Context, batch []*models.DocumentCandidate) models.IngestResult {
	ctx, span := p.tracer.Start(ctx, "pipeline.ingest", trace.WithAttributes(attribute.Int("batch.size", len(batch))))
	defer span.End()

	result := models.IngestResult{Received: len(batch)}

	var skipped []models.SkippedRecord

	pending := make([]int, 0, len(batch))

	for i, c := range batch {
		if c == nil {
			skipped = append(skipped, models.SkippedRecord{Index: i, Reason: models.SkipReasonNullRecord})

			continue
		}

		pending = append(pending, i)
	}

	failures, err := p.fillEmbeddings(ctx, batch, pending)
	if err != nil {
		return p.ingestFailed(ctx, result, StageEmbedDocuments, err)
	}

	candidates := make([]models.DocumentCandidate, 0, len(pending))
	positions := make([]int, 0, len(pending))

	for _, i := range pending {
		if ferr, ok := failures[i]; ok {
			skipped = append(skipped, models.SkippedRecord{
				Index: i, Reason: models.SkipReasonEmbeddingFailed, Detail: ferr.Error(),
			})

			continue
		}

		candidates = append(candidates, *batch[i])
		positions = append(positions, i)
	}

	if len(candidates) > 0 {
		storeCtx := ctx

		if p.cfg.StoreTimeout > 0 {
			var cancel context.CancelFunc

			storeCtx, cancel = context.WithTimeout(ctx, p.cfg.StoreTimeout)
			defer cancel()
		}

		inserted, err := p.store.BulkInsert(storeCtx, candidates)
		if err != nil {
			return p.ingestFailed(ctx, result, StageStore, err)
		}

		result.Inserted = inserted.Inserted

		for _, s := range inserted.Skipped {
			s.Index = positions[s.Index]
			skipped = append(skipped, s)
		}
	}

	slices.SortFunc(skipped, func(a, b models.SkippedRecord) int { return a.Index - b.Index })

	result.Status = models.StatusSuccess
	result.Skipped = len(skipped)
	result.SkippedList = skipped

	if len(skipped) > 0 {
		result.SkipReasons = make(map[string]int)
		for _, s := range skipped {
			result.SkipReasons[s.Reason]++
		}
	}

	if p.metrics != nil {
		p.metrics.RecordDocumentsIngested(ctx, result.Inserted)

		for reason, n := range result.SkipReasons {
			p.metrics.RecordDocumentsSkipped(ctx, reason, n)
		}
	}

	p.logger.InfoContext(ctx, "ingest: batch stored",
		"received", result.Received, "inserted", result.Inserted, "skipped", result.Skipped)

	return result
}

// fillEmbeddings embeds, in place, pending records that have text but no embedding.
// Individual failures are returned by batch index; only cancellation aborts the batch.
func (p *Pipeline) fillEmbeddings(
	ctx context.Context, batch []*models.DocumentCandidate, pending []int,
) (map[int]error, error) {
	var (
		mu       sync.Mutex
		failures = make(map[int]error)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.IngestConcurrency)

	for _, i := range pending {
		c := batch[i]
		if len(c.Embedding) > 0 || strings.TrimSpace(c.Text) == "" {
			continue
		}

		g.Go(func() error {
			if err := p.ingestLimit.Wait(gctx); err != nil {
				return err
			}

			vector, err := p.embed(gctx, c.Text)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}

				p.logger.WarnContext(ctx, "ingest: embedding failed, skipping record", "index", i, "error", err)

				mu.Lock()
				failures[i] = err
				mu.Unlock()

				return nil
			}

			c.Embedding = vector

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return failures, nil
}

func (p *Pipeline) ingestFailed(ctx context.Context, result models.IngestResult, stage string, err error) models.IngestResult {
	if stage == StageStore {
		err = asServiceError(ctx, ragerrors.ServiceStore, err)
	}

	p.logger.ErrorContext(ctx, "ingest: batch failed", "stage", stage, "error", err)
	trace.SpanFromContext(ctx).SetStatus(codes.Error, stage)

	result.Status = models.StatusError
	result.Error = err.Error()

	if !errors.Is(err, ragerrors.ErrService) {
		result.Error = fmt.Sprintf("%s: %v", stage, err)
	}

	return result
}

// asServiceError attributes err to service unless it already is a ServiceError or
// comes from the caller cancelling ctx.
func asServiceError(ctx context.Context, service string, err error) error {
	if errors.Is(err, ragerrors.ErrService) || (ctx.Err() != nil && errors.Is(err, ctx.Err())) {
		return err
	}

	return ragerrors.NewServiceError(service, err)
}

// Count returns the number of stored documents.
func (p *Pipeline) Count(ctx context.Context) (int64, error) {
	return p.store.Count(ctx)
}
