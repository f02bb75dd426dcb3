package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/oddsdesk/roirag/internal/analysis"
	"github.com/oddsdesk/roirag/internal/models"
	"github.com/oddsdesk/roirag/internal/ragerrors"
	"github.com/oddsdesk/roirag/internal/repository"
	"github.com/oddsdesk/roirag/pkg/cache"
)

const analysisJSON = "```json\n" + `{"best_opportunity":"A","current_odds":40,"implied_probability":0.4,
"true_probability_estimate":0.5,"expected_roi_percentage":25,"sentiment_momentum":"bullish",
"market_assessment":"undervalued","confidence":"high","key_insights":["i"],"reasoning":"r"}` + "\n```"

type mockEmbeddingClient struct {
	calls      atomic.Int32
	createFunc func(ctx context.Context, input string) ([]float32, error)
}

func (m *mockEmbeddingClient) CreateEmbedding(ctx context.Context, input string) ([]float32, error) {
	m.calls.Add(1)

	if m.createFunc != nil {
		return m.createFunc(ctx, input)
	}

	return []float32{1, 0}, nil
}

type mockAnalyzer struct {
	mu      sync.Mutex
	prompts []string
	runFunc func(ctx context.Context, prompt string) (models.AnalysisOutcome, error)
}

func (m *mockAnalyzer) Run(ctx context.Context, prompt string) (models.AnalysisOutcome, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.mu.Unlock()

	if m.runFunc != nil {
		return m.runFunc(ctx, prompt)
	}

	return analysis.ParseCompletion(analysisJSON), nil
}

type mockStore struct {
	bulkInsertFunc func(ctx context.Context, candidates []models.DocumentCandidate) (models.InsertResult, error)
	searchFunc     func(ctx context.Context, query []float32, k int) ([]models.QueryResult, error)
}

func (m *mockStore) BulkInsert(ctx context.Context, candidates []models.DocumentCandidate) (models.InsertResult, error) {
	return m.bulkInsertFunc(ctx, candidates)
}

func (m *mockStore) Search(ctx context.Context, query []float32, k int) ([]models.QueryResult, error) {
	return m.searchFunc(ctx, query, k)
}

func (m *mockStore) Count(context.Context) (int64, error) {
	return 0, nil
}

func newMemoryStore(t *testing.T, dimension int) *repository.MemoryDocumentsRepository {
	t.Helper()

	store, err := repository.NewMemoryDocumentsRepository(dimension, nil)
	require.NoError(t, err)

	return store
}

func newTestPipeline(store DocumentStore, embedder EmbeddingClient, analyzer Analyzer, cfg PipelineConfig) *Pipeline {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = fastRetry
	}

	return NewPipeline(PipelineParams{Store: store, Embedder: embedder, Analyzer: analyzer, Config: cfg})
}

func TestPipeline_EndToEnd(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t, 2)
	analyzer := &mockAnalyzer{}
	embedder := &mockEmbeddingClient{}

	p := newTestPipeline(store, embedder, analyzer, PipelineConfig{RetrievalSize: 1})

	ingested := p.Ingest(ctx, []*models.DocumentCandidate{
		{Text: "A", Embedding: []float32{1, 0}, Topic: "t"},
		{Text: "B", Embedding: []float32{0, 1}, Topic: "t"},
	})
	require.Equal(t, models.StatusSuccess, ingested.Status)
	assert.Equal(t, 2, ingested.Inserted)
	assert.Zero(t, embedder.calls.Load(), "records with embeddings are not re-embedded")

	results, err := store.Search(ctx, []float32{1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "A", results[0].Text)
	assert.InDelta(t, 0, results[0].Distance, 1e-9)

	resp := p.Query(ctx, "  which is closest?  ")

	require.Equal(t, models.StatusSuccess, resp.Status, resp.Error)
	assert.Equal(t, "which is closest?", resp.Question)
	require.NotNil(t, resp.Analysis)
	require.True(t, resp.Analysis.Parsed())
	assert.Equal(t, "A", resp.Analysis.Result.BestOpportunity)
	assert.Equal(t, &models.DataBreakdown{PrimaryRecords: 1, SecondaryRecords: 0, TotalMatches: 1}, resp.DataBreakdown)

	require.Len(t, analyzer.prompts, 1)
	assert.Contains(t, analyzer.prompts[0], "\nA\n")
	assert.NotContains(t, analyzer.prompts[0], "\nB\n")
	assert.Contains(t, analyzer.prompts[0], "Question: which is closest?")
}

func TestPipeline_QuerySpans(t *testing.T) {
	ctx := context.Background()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	t.Cleanup(func() { _ = tp.Shutdown(ctx) })

	store := &mockStore{
		searchFunc: func(context.Context, []float32, int) ([]models.QueryResult, error) {
			return nil, ragerrors.NewValidationError("query", "dimension mismatch")
		},
	}

	p := NewPipeline(PipelineParams{
		Store:          store,
		Embedder:       &mockEmbeddingClient{},
		Analyzer:       &mockAnalyzer{},
		Config:         PipelineConfig{Retry: fastRetry},
		TracerProvider: tp,
	})

	resp := p.Query(ctx, "q")
	require.Equal(t, models.StatusError, resp.Status)

	byName := map[string]sdktrace.ReadOnlySpan{}
	for _, span := range recorder.Ended() {
		byName[span.Name()] = span
	}

	require.Contains(t, byName, "pipeline.query")
	require.Contains(t, byName, "pipeline.embed_question")
	require.Contains(t, byName, "pipeline.search")
	assert.NotContains(t, byName, "pipeline.call_analysis")

	root := byName["pipeline.query"]
	assert.Equal(t, codes.Error, root.Status().Code)
	assert.Equal(t, StageSearch, root.Status().Description)
	assert.Equal(t, root.SpanContext().SpanID(), byName["pipeline.search"].Parent().SpanID())
	assert.Equal(t, codes.Error, byName["pipeline.search"].Status().Code)
	assert.Equal(t, codes.Unset, byName["pipeline.embed_question"].Status().Code)
}

func TestPipeline_Query(t *testing.T) {
	ctx := context.Background()

	seeded := func(t *testing.T) *repository.MemoryDocumentsRepository {
		store := newMemoryStore(t, 2)
		_, err := store.BulkInsert(ctx, []models.DocumentCandidate{
			{Text: "market line", Embedding: []float32{1, 0}, Topic: "kalshi"},
			{Text: "post", Embedding: []float32{1, 0.1}, Topic: "kalshi social sentiment"},
		})
		require.NoError(t, err)

		return store
	}

	t.Run("empty question fails validation without calling services", func(t *testing.T) {
		embedder := &mockEmbeddingClient{}
		p := newTestPipeline(seeded(t), embedder, &mockAnalyzer{}, PipelineConfig{})

		resp := p.Query(ctx, "   ")

		assert.Equal(t, models.StatusError, resp.Status)
		assert.Equal(t, StageValidate, resp.Stage)
		assert.NotEmpty(t, resp.Error)
		assert.Zero(t, embedder.calls.Load())
	})

	t.Run("embedding failure is retried then reported", func(t *testing.T) {
		embedder := &mockEmbeddingClient{createFunc: func(context.Context, string) ([]float32, error) {
			return nil, errors.New("embedding service down")
		}}
		analyzer := &mockAnalyzer{}
		p := newTestPipeline(seeded(t), embedder, analyzer, PipelineConfig{})

		resp := p.Query(ctx, "q")

		assert.Equal(t, models.StatusError, resp.Status)
		assert.Equal(t, StageEmbedQuestion, resp.Stage)
		assert.Equal(t, "embedding: embedding service down", resp.Error)
		assert.Equal(t, int32(3), embedder.calls.Load())
		assert.Empty(t, analyzer.prompts)
		assert.Nil(t, resp.Analysis)
		assert.Nil(t, resp.DataBreakdown)
	})

	t.Run("rejected input is not retried", func(t *testing.T) {
		embedder := &mockEmbeddingClient{createFunc: func(context.Context, string) ([]float32, error) {
			return nil, ragerrors.NewValidationError("text", "too long")
		}}
		p := newTestPipeline(seeded(t), embedder, &mockAnalyzer{}, PipelineConfig{})

		resp := p.Query(ctx, "q")

		assert.Equal(t, StageEmbedQuestion, resp.Stage)
		assert.Equal(t, int32(1), embedder.calls.Load())
	})

	t.Run("query vector of wrong dimension fails at search", func(t *testing.T) {
		embedder := &mockEmbeddingClient{createFunc: func(context.Context, string) ([]float32, error) {
			return []float32{1, 0, 0}, nil
		}}
		p := newTestPipeline(seeded(t), embedder, &mockAnalyzer{}, PipelineConfig{})

		resp := p.Query(ctx, "q")

		assert.Equal(t, models.StatusError, resp.Status)
		assert.Equal(t, StageSearch, resp.Stage)
		assert.True(t, strings.HasPrefix(resp.Error, "documents search: store:"), resp.Error)
	})

	t.Run("zero query vector fails at search", func(t *testing.T) {
		embedder := &mockEmbeddingClient{createFunc: func(context.Context, string) ([]float32, error) {
			return []float32{0, 0}, nil
		}}
		analyzer := &mockAnalyzer{}
		p := newTestPipeline(seeded(t), embedder, analyzer, PipelineConfig{})

		resp := p.Query(ctx, "q")

		assert.Equal(t, models.StatusError, resp.Status)
		assert.Equal(t, StageSearch, resp.Stage)
		assert.Contains(t, resp.Error, "zero magnitude")
		assert.Nil(t, resp.DataBreakdown)
		assert.Empty(t, analyzer.prompts)
	})

	t.Run("store connectivity loss is surfaced", func(t *testing.T) {
		store := &mockStore{searchFunc: func(context.Context, []float32, int) ([]models.QueryResult, error) {
			return nil, errors.New("connection refused")
		}}
		p := newTestPipeline(store, &mockEmbeddingClient{}, &mockAnalyzer{}, PipelineConfig{})

		resp := p.Query(ctx, "q")

		assert.Equal(t, StageSearch, resp.Stage)
		assert.Equal(t, "store: connection refused", resp.Error)
	})

	t.Run("analysis transport failure", func(t *testing.T) {
		var calls atomic.Int32

		analyzer := &mockAnalyzer{runFunc: func(context.Context, string) (models.AnalysisOutcome, error) {
			calls.Add(1)

			return models.AnalysisOutcome{}, errors.New("503 from model")
		}}
		p := newTestPipeline(seeded(t), &mockEmbeddingClient{}, analyzer, PipelineConfig{})

		resp := p.Query(ctx, "q")

		assert.Equal(t, models.StatusError, resp.Status)
		assert.Equal(t, StageCallAnalysis, resp.Stage)
		assert.Equal(t, "analysis: 503 from model", resp.Error)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("unparsable completion still succeeds with failure payload", func(t *testing.T) {
		analyzer := &mockAnalyzer{runFunc: func(context.Context, string) (models.AnalysisOutcome, error) {
			return analysis.ParseCompletion("sorry, no JSON today"), nil
		}}
		p := newTestPipeline(seeded(t), &mockEmbeddingClient{}, analyzer, PipelineConfig{})

		resp := p.Query(ctx, "q")

		require.Equal(t, models.StatusSuccess, resp.Status)
		require.NotNil(t, resp.Analysis)
		assert.False(t, resp.Analysis.Parsed())
		assert.Equal(t, "Parse failed", resp.Analysis.Failure.Error)
		assert.Equal(t, "sorry, no JSON today", resp.Analysis.Failure.Raw)
	})

	t.Run("breakdown counts both categories", func(t *testing.T) {
		analyzer := &mockAnalyzer{}
		p := newTestPipeline(seeded(t), &mockEmbeddingClient{}, analyzer, PipelineConfig{})

		resp := p.Query(ctx, "q")

		require.Equal(t, models.StatusSuccess, resp.Status)
		assert.Equal(t, &models.DataBreakdown{PrimaryRecords: 1, SecondaryRecords: 1, TotalMatches: 2}, resp.DataBreakdown)
		assert.Contains(t, analyzer.prompts[0], "[undated] post")
	})

	t.Run("retrieval size is passed to search", func(t *testing.T) {
		var gotK int

		store := &mockStore{searchFunc: func(_ context.Context, _ []float32, k int) ([]models.QueryResult, error) {
			gotK = k

			return nil, nil
		}}
		p := newTestPipeline(store, &mockEmbeddingClient{}, &mockAnalyzer{}, PipelineConfig{})

		resp := p.Query(ctx, "q")

		require.Equal(t, models.StatusSuccess, resp.Status)
		assert.Equal(t, 50, gotK)
		assert.Equal(t, 0, resp.DataBreakdown.TotalMatches)
	})

	t.Run("embedding timeout", func(t *testing.T) {
		embedder := &mockEmbeddingClient{createFunc: func(callCtx context.Context, _ string) ([]float32, error) {
			<-callCtx.Done()

			return nil, callCtx.Err()
		}}
		p := newTestPipeline(seeded(t), embedder, &mockAnalyzer{}, PipelineConfig{
			EmbedTimeout: 5 * time.Millisecond,
			Retry:        RetryPolicy{MaxAttempts: 1},
		})

		resp := p.Query(ctx, "q")

		assert.Equal(t, StageEmbedQuestion, resp.Stage)
		assert.Contains(t, resp.Error, context.DeadlineExceeded.Error())
	})

	t.Run("cancelled caller stops the pipeline", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		analyzer := &mockAnalyzer{}

		embedder := &mockEmbeddingClient{createFunc: func(context.Context, string) ([]float32, error) {
			cancel()

			return []float32{1, 0}, nil
		}}
		p := newTestPipeline(seeded(t), embedder, analyzer, PipelineConfig{})

		resp := p.Query(cancelled, "q")

		assert.Equal(t, models.StatusError, resp.Status)
		assert.Equal(t, StageSearch, resp.Stage)
		assert.Equal(t, context.Canceled.Error(), resp.Error)
		assert.Empty(t, analyzer.prompts)
	})

	t.Run("query embeddings are cached by normalized question", func(t *testing.T) {
		queryCache, err := cache.NewLoaderCache[[]float32](10)
		require.NoError(t, err)

		embedder := &mockEmbeddingClient{}
		p := NewPipeline(PipelineParams{
			Store:      seeded(t),
			Embedder:   embedder,
			Analyzer:   &mockAnalyzer{},
			QueryCache: queryCache,
		})

		first := p.Query(ctx, "Who wins NJ?")
		second := p.Query(ctx, "Who  wins   NJ?")

		assert.Equal(t, models.StatusSuccess, first.Status)
		assert.Equal(t, models.StatusSuccess, second.Status)
		assert.Equal(t, int32(1), embedder.calls.Load())

		third := p.Query(ctx, "who wins nj?")
		assert.Equal(t, models.StatusSuccess, third.Status)
		assert.Equal(t, int32(2), embedder.calls.Load(), "case differences are embedded separately")
	})
}

func TestPipeline_Ingest(t *testing.T) {
	ctx := context.Background()

	t.Run("skips null, invalid and mismatched records with original indexes", func(t *testing.T) {
		store := newMemoryStore(t, 2)
		p := newTestPipeline(store, &mockEmbeddingClient{}, &mockAnalyzer{}, PipelineConfig{})

		result := p.Ingest(ctx, []*models.DocumentCandidate{
			{Text: "ok", Embedding: []float32{1, 0}},
			nil,
			{Text: "wrong dim", Embedding: []float32{1, 0, 0}},
			{Text: "", Embedding: []float32{0, 1}},
			{Text: "also ok", Embedding: []float32{0, 1}},
		})

		assert.Equal(t, models.StatusSuccess, result.Status)
		assert.Equal(t, 5, result.Received)
		assert.Equal(t, 2, result.Inserted)
		assert.Equal(t, 3, result.Skipped)
		assert.Equal(t, map[string]int{
			models.SkipReasonNullRecord:        1,
			models.SkipReasonDimensionMismatch: 1,
			models.SkipReasonMissingText:       1,
		}, result.SkipReasons)

		require.Len(t, result.SkippedList, 3)
		assert.Equal(t, []int{1, 2, 3}, []int{
			result.SkippedList[0].Index, result.SkippedList[1].Index, result.SkippedList[2].Index,
		})

		count, err := store.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)
	})

	t.Run("embeds records without embeddings", func(t *testing.T) {
		store := newMemoryStore(t, 2)
		embedder := &mockEmbeddingClient{createFunc: func(_ context.Context, text string) ([]float32, error) {
			if text == "north" {
				return []float32{0, 1}, nil
			}

			return []float32{1, 0}, nil
		}}
		p := newTestPipeline(store, embedder, &mockAnalyzer{}, PipelineConfig{IngestConcurrency: 2, IngestRateLimit: 1000})

		result := p.Ingest(ctx, []*models.DocumentCandidate{
			{Text: "north", Topic: "x social sentiment"},
			{Text: "east"},
			{Text: "given", Embedding: []float32{1, 1}},
		})

		assert.Equal(t, models.StatusSuccess, result.Status)
		assert.Equal(t, 3, result.Inserted)
		assert.Equal(t, int32(2), embedder.calls.Load())

		results, err := store.Search(ctx, []float32{0, 1}, 1)
		require.NoError(t, err)
		assert.Equal(t, "north", results[0].Text)
	})

	t.Run("embedding failure skips only that record", func(t *testing.T) {
		store := newMemoryStore(t, 2)
		embedder := &mockEmbeddingClient{createFunc: func(_ context.Context, text string) ([]float32, error) {
			if text == "bad" {
				return nil, ragerrors.NewValidationError("text", "rejected")
			}

			return []float32{1, 0}, nil
		}}
		p := newTestPipeline(store, embedder, &mockAnalyzer{}, PipelineConfig{})

		result := p.Ingest(ctx, []*models.DocumentCandidate{{Text: "good"}, {Text: "bad"}})

		assert.Equal(t, models.StatusSuccess, result.Status)
		assert.Equal(t, 1, result.Inserted)
		require.Len(t, result.SkippedList, 1)
		assert.Equal(t, 1, result.SkippedList[0].Index)
		assert.Equal(t, models.SkipReasonEmbeddingFailed, result.SkippedList[0].Reason)
		assert.Contains(t, result.SkippedList[0].Detail, "rejected")
	})

	t.Run("store failure reports error status", func(t *testing.T) {
		store := &mockStore{bulkInsertFunc: func(context.Context, []models.DocumentCandidate) (models.InsertResult, error) {
			return models.InsertResult{}, errors.New("connection reset")
		}}
		p := newTestPipeline(store, &mockEmbeddingClient{}, &mockAnalyzer{}, PipelineConfig{})

		result := p.Ingest(ctx, []*models.DocumentCandidate{{Text: "a", Embedding: []float32{1, 0}}})

		assert.Equal(t, models.StatusError, result.Status)
		assert.Equal(t, "store: connection reset", result.Error)
		assert.Zero(t, result.Inserted)
	})

	t.Run("all-null batch never touches the store", func(t *testing.T) {
		store := &mockStore{bulkInsertFunc: func(context.Context, []models.DocumentCandidate) (models.InsertResult, error) {
			t.Fatal("store must not be called")

			return models.InsertResult{}, nil
		}}
		p := newTestPipeline(store, &mockEmbeddingClient{}, &mockAnalyzer{}, PipelineConfig{})

		result := p.Ingest(ctx, []*models.DocumentCandidate{nil, nil})

		assert.Equal(t, models.StatusSuccess, result.Status)
		assert.Equal(t, 2, result.Skipped)
	})

	t.Run("cancellation during embedding fails the batch", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		embedder := &mockEmbeddingClient{createFunc: func(context.Context, string) ([]float32, error) {
			cancel()

			return nil, context.Canceled
		}}
		p := newTestPipeline(newMemoryStore(t, 2), embedder, &mockAnalyzer{}, PipelineConfig{IngestConcurrency: 1})

		result := p.Ingest(cancelled, []*models.DocumentCandidate{{Text: "a"}, {Text: "b"}})

		assert.Equal(t, models.StatusError, result.Status)
		assert.Contains(t, result.Error, StageEmbedDocuments)
	})

	t.Run("empty batch", func(t *testing.T) {
		p := newTestPipeline(newMemoryStore(t, 2), &mockEmbeddingClient{}, &mockAnalyzer{}, PipelineConfig{})

		result := p.Ingest(ctx, nil)

		assert.Equal(t, models.StatusSuccess, result.Status)
		assert.Zero(t, result.Received)
		assert.Nil(t, result.SkipReasons)
	})
}
