// Package bootstrap builds the document store, provider clients and pipeline settings from
// configuration. Both binaries share it.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oddsdesk/roirag/internal/analysis"
	"github.com/oddsdesk/roirag/internal/bedrock"
	"github.com/oddsdesk/roirag/internal/config"
	"github.com/oddsdesk/roirag/internal/embeddings"
	"github.com/oddsdesk/roirag/internal/googleai"
	"github.com/oddsdesk/roirag/internal/openai"
	"github.com/oddsdesk/roirag/internal/repository"
	"github.com/oddsdesk/roirag/internal/service"
	"github.com/oddsdesk/roirag/pkg/database"
)

// ErrUnsupportedProvider is returned for a provider name no client exists for.
var ErrUnsupportedProvider = errors.New("unsupported provider")

// Store is the pipeline's store contract plus a health probe.
type Store interface {
	service.DocumentStore
	Ping(ctx context.Context) error
}

// OpenStore opens the configured document store and prepares its schema. The returned pool is
// nil for the memory driver; otherwise the caller closes it.
func OpenStore(ctx context.Context, cfg *config.Config) (Store, *pgxpool.Pool, error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		slog.Warn("using in-memory document store; contents are lost on exit")

		store, err := repository.NewMemoryDocumentsRepository(cfg.Embedding.Dimension, slog.Default())
		if err != nil {
			return nil, nil, err
		}

		return store, nil, nil
	}

	// The vector type must exist before pooled connections register its codec.
	if err := database.EnsureVectorExtension(ctx, cfg.DatabaseURL); err != nil {
		return nil, nil, err
	}

	db, err := database.NewPostgresPool(ctx, cfg.DatabaseURL, database.WithVectorTypes())
	if err != nil {
		return nil, nil, err
	}

	repo, err := repository.NewDocumentsRepository(repository.DocumentsRepositoryParams{
		DB:        db,
		Dimension: cfg.Embedding.Dimension,
		Index: repository.IndexOptions{
			Type:     cfg.Index.Type,
			Lists:    cfg.Index.Lists,
			Probes:   cfg.Index.Probes,
			EFSearch: cfg.Index.EFSearch,
		},
		Logger: slog.Default(),
	})
	if err != nil {
		db.Close()

		return nil, nil, err
	}

	if err := repo.Initialize(ctx); err != nil {
		db.Close()

		return nil, nil, fmt.Errorf("initialize documents table: %w", err)
	}

	return repo, db, nil
}

// NewEmbeddingClient creates the configured embedding client. Every client is bound to the
// configured dimension and rejects vectors of any other length.
func NewEmbeddingClient(ctx context.Context, cfg *config.Config) (service.EmbeddingClient, error) {
	ec := cfg.Embedding

	switch ec.Provider {
	case config.ProviderBedrock:
		client, err := bedrock.NewClientFromEnvironment(ctx, cfg.AWSRegion,
			bedrock.WithEmbeddingModel(ec.Model),
			bedrock.WithDimensions(ec.Dimension),
		)
		if err != nil {
			return nil, err
		}

		return client, nil
	case config.ProviderOpenAI:
		return openai.NewClient(ec.APIKey,
			openai.WithEmbeddingModel(ec.Model),
			openai.WithDimensions(ec.Dimension),
			openai.WithBaseURL(ec.BaseURL),
		), nil
	case config.ProviderGoogle:
		client, err := googleai.NewClient(ctx, ec.APIKey,
			googleai.WithModel(ec.Model),
			googleai.WithDimensions(ec.Dimension),
			googleai.WithBaseURL(ec.BaseURL),
		)
		if err != nil {
			return nil, fmt.Errorf("create google embedding client: %w", err)
		}

		return client, nil
	case config.ProviderHTTP:
		client, err := embeddings.NewHTTPClient(embeddings.HTTPClientOptions{
			URL:       ec.ServiceURL,
			APIKey:    ec.APIKey,
			Dimension: ec.Dimension,
			RetryMax:  ec.HTTPRetryMax,
			Timeout:   cfg.Resilience.EmbedTimeout,
			Logger:    slog.Default(),
		})
		if err != nil {
			return nil, err
		}

		return client, nil
	case config.ProviderMock:
		return embeddings.NewMockClient(ec.Dimension), nil
	default:
		return nil, fmt.Errorf("%w: embedding %s", ErrUnsupportedProvider, ec.Provider)
	}
}

// NewGenerator creates the configured completion backend for the analysis client.
func NewGenerator(ctx context.Context, cfg *config.Config) (analysis.Generator, error) {
	ac := cfg.Analysis

	switch ac.Provider {
	case config.ProviderBedrock:
		client, err := bedrock.NewClientFromEnvironment(ctx, cfg.AWSRegion, bedrock.WithCompletionModel(ac.Model))
		if err != nil {
			return nil, err
		}

		return client, nil
	case config.ProviderOpenAI:
		return openai.NewClient(ac.APIKey,
			openai.WithCompletionModel(ac.Model),
			openai.WithBaseURL(ac.BaseURL),
		), nil
	case config.ProviderGoogle:
		client, err := googleai.NewClient(ctx, ac.APIKey,
			googleai.WithCompletionModel(ac.Model),
			googleai.WithBaseURL(ac.BaseURL),
		)
		if err != nil {
			return nil, fmt.Errorf("create google analysis client: %w", err)
		}

		return client, nil
	case config.ProviderMock:
		return analysis.MockGenerator{}, nil
	default:
		return nil, fmt.Errorf("%w: analysis %s", ErrUnsupportedProvider, ac.Provider)
	}
}

// PipelineConfig maps configuration onto the orchestrator's policy values.
func PipelineConfig(cfg *config.Config) service.PipelineConfig {
	return service.PipelineConfig{
		RetrievalSize: cfg.Retrieval.Size,
		Context: service.ContextPolicy{
			InspectCount:    cfg.Retrieval.InspectSize,
			PrimaryCap:      cfg.Retrieval.PrimaryCap,
			SecondaryCap:    cfg.Retrieval.SecondaryCap,
			SecondaryMarker: cfg.Retrieval.SecondaryMarker,
		},
		EmbedTimeout:    cfg.Resilience.EmbedTimeout,
		StoreTimeout:    cfg.Resilience.StoreTimeout,
		AnalysisTimeout: cfg.Resilience.AnalysisTimeout,
		Retry: service.RetryPolicy{
			MaxAttempts:     cfg.Resilience.RetryMaxAttempts,
			InitialInterval: cfg.Resilience.RetryInitialInterval,
			MaxInterval:     service.DefaultRetryPolicy.MaxInterval,
		},
		IngestRateLimit:   cfg.Ingest.EmbedRateLimit,
		IngestConcurrency: cfg.Ingest.EmbedConcurrency,
	}
}
