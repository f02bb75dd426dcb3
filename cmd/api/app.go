package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/oddsdesk/roirag/internal/analysis"
	"github.com/oddsdesk/roirag/internal/api/handlers"
	"github.com/oddsdesk/roirag/internal/api/middleware"
	"github.com/oddsdesk/roirag/internal/bootstrap"
	"github.com/oddsdesk/roirag/internal/config"
	"github.com/oddsdesk/roirag/internal/observability"
	"github.com/oddsdesk/roirag/internal/service"
	"github.com/oddsdesk/roirag/pkg/cache"
)

const (
	routeHealth         = "/health"
	routeMetrics        = "/metrics"
	routeQuery          = "/v1/query"
	routeDocuments      = "/v1/documents"
	routeDocumentsCount = "/v1/documents/count"

	serviceName = "roirag-api"
)

// App holds all server dependencies and coordinates startup and shutdown.
type App struct {
	cfg            *config.Config
	db             *pgxpool.Pool
	server         *http.Server
	meterProvider  observability.MeterProviderShutdown
	tracerProvider *sdktrace.TracerProvider
}

// NewApp builds and wires all components. It does not start the HTTP server;
// call Run to start and block until shutdown or failure.
func NewApp(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	app := &App{cfg: cfg}

	// Release whatever was acquired if a later step fails.
	defer func() {
		if err != nil {
			_ = app.release(context.Background())
		}
	}()

	var (
		metrics        *observability.Metrics
		metricsHandler http.Handler
	)

	if cfg.MetricsExporter == "" {
		slog.Warn("metrics not enabled (OTEL_METRICS_EXPORTER empty or unset)")
	} else {
		app.meterProvider, metricsHandler, metrics, err = observability.NewMeterProvider(ctx,
			observability.MeterProviderConfig{Exporter: cfg.MetricsExporter, ServiceName: serviceName})
		if err != nil {
			return nil, fmt.Errorf("create meter provider: %w", err)
		}
	}

	if cfg.Tracing.Exporter == "" {
		slog.Warn("tracing not enabled (OTEL_TRACES_EXPORTER empty or unset)")
	} else {
		app.tracerProvider, err = observability.NewTracerProvider(ctx, observability.TracerProviderConfig{
			Exporter:    cfg.Tracing.Exporter,
			Sampler:     cfg.Tracing.Sampler,
			SamplerArg:  cfg.Tracing.SamplerArg,
			ServiceName: serviceName,
		})
		if err != nil {
			return nil, fmt.Errorf("create tracer provider: %w", err)
		}

		otel.SetTracerProvider(app.tracerProvider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{}, propagation.Baggage{},
		))
	}

	store, db, err := bootstrap.OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	app.db = db

	embedder, err := bootstrap.NewEmbeddingClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	generator, err := bootstrap.NewGenerator(ctx, cfg)
	if err != nil {
		return nil, err
	}

	params := service.PipelineParams{
		Store:    store,
		Embedder: embedder,
		Analyzer: analysis.NewClient(analysis.ClientParams{
			Generator:       generator,
			MaxOutputTokens: cfg.Analysis.MaxOutputTokens,
			Logger:          slog.Default(),
		}),
		Config: bootstrap.PipelineConfig(cfg),
		Logger: slog.Default(),
	}

	if app.tracerProvider != nil {
		params.TracerProvider = app.tracerProvider
	}

	if cfg.Embedding.QueryCacheSize > 0 {
		params.QueryCache, err = cache.NewLoaderCache[[]float32](cfg.Embedding.QueryCacheSize)
		if err != nil {
			return nil, fmt.Errorf("create query embedding cache: %w", err)
		}
	}

	var apiMetrics observability.APIMetrics

	if metrics != nil {
		params.Metrics = metrics.Pipeline
		params.CacheMetrics = metrics.Cache
		apiMetrics = metrics.API
	}

	pipeline := service.NewPipeline(params)

	slog.Info("pipeline ready",
		"store", cfg.StoreDriver,
		"embedding_provider", cfg.Embedding.Provider,
		"analysis_provider", cfg.Analysis.Provider,
		"dimension", cfg.Embedding.Dimension,
	)

	app.server = newHTTPServer(cfg, routes{
		health:    handlers.NewHealthHandler(store),
		query:     handlers.NewQueryHandler(pipeline),
		documents: handlers.NewDocumentsHandler(pipeline),
		metrics:   metricsHandler,
	}, apiMetrics, app.tracerProvider)

	return app, nil
}

type routes struct {
	health    *handlers.HealthHandler
	query     *handlers.QueryHandler
	documents *handlers.DocumentsHandler
	// metrics is nil when metrics are disabled.
	metrics http.Handler
}

// newHTTPServer builds the server. Handler chain: RequestID -> otelhttp -> Metrics -> MaxBody -> mux,
// so handler logs carry both request_id and the server span's trace_id.
func newHTTPServer(
	cfg *config.Config, r routes, apiMetrics observability.APIMetrics, tracerProvider *sdktrace.TracerProvider,
) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+routeHealth, r.health.Check)
	mux.HandleFunc("POST "+routeQuery, r.query.Query)
	mux.HandleFunc("POST "+routeDocuments, r.documents.Ingest)
	mux.HandleFunc("GET "+routeDocumentsCount, r.documents.Count)

	if r.metrics != nil {
		mux.Handle("GET "+routeMetrics, r.metrics)
	}

	var recorder middleware.RequestBodyTooLargeRecorder
	if apiMetrics != nil {
		recorder = apiMetrics
	}

	var handler http.Handler = mux
	handler = middleware.MaxBody(cfg.MaxRequestBodyBytes, recorder)(handler)
	handler = middleware.Metrics(apiMetrics, routeHealth, routeQuery, routeDocuments, routeDocumentsCount)(handler)

	otelOpts := []otelhttp.Option{
		// Probes and scrapes are not traced.
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != routeHealth && r.URL.Path != routeMetrics
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	}
	if tracerProvider != nil {
		otelOpts = append(otelOpts, otelhttp.WithTracerProvider(tracerProvider))
	}

	handler = otelhttp.NewHandler(handler, serviceName, otelOpts...)
	handler = middleware.RequestID(handler)

	const (
		readTimeout = 15 * time.Second
		idleTimeout = 60 * time.Second
	)

	return &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout(cfg),
		IdleTimeout:  idleTimeout,
	}
}

// writeTimeout leaves room for every retried stage of a query, so the server never cuts off a
// response the pipeline is still allowed to produce.
func writeTimeout(cfg *config.Config) time.Duration {
	r := cfg.Resilience
	perAttempt := r.EmbedTimeout + r.StoreTimeout + r.AnalysisTimeout
	backoff := time.Duration(r.RetryMaxAttempts) * service.DefaultRetryPolicy.MaxInterval * 3

	return max(15*time.Second, perAttempt*time.Duration(r.RetryMaxAttempts)+backoff+10*time.Second)
}

// Run starts the HTTP server, then blocks until ctx is cancelled (e.g. signal) or the server fails.
// Caller should then call Shutdown.
func (a *App) Run(ctx context.Context) error {
	runErr := make(chan error, 1)

	go func() {
		slog.Info("Starting server", "port", a.cfg.Port)

		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr <- fmt.Errorf("server: %w", err)
		}
	}()

	select {
	case err := <-runErr:
		return err
	case <-ctx.Done():
		return nil
	}
}

// Shutdown stops the server, then releases the pool and the telemetry providers.
func (a *App) Shutdown(ctx context.Context) error {
	var err error

	if shutdownErr := a.server.Shutdown(ctx); shutdownErr != nil && !errors.Is(shutdownErr, http.ErrServerClosed) {
		err = fmt.Errorf("server shutdown: %w", shutdownErr)
	}

	if releaseErr := a.release(ctx); releaseErr != nil {
		if err == nil {
			err = releaseErr
		} else {
			slog.Error("release resources", "error", releaseErr)
		}
	}

	return err
}

func (a *App) release(ctx context.Context) error {
	if a.db != nil {
		a.db.Close()
	}

	var errs []error

	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}

	if a.meterProvider != nil {
		if err := a.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
		}
	}

	return errors.Join(errs...)
}
