package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PipelineMetrics records ingestion and query outcomes.
type PipelineMetrics interface {
	RecordDocumentsIngested(ctx context.Context, count int)
	RecordDocumentsSkipped(ctx context.Context, reason string, count int)
	RecordQuery(ctx context.Context, status string)
	RecordStageDuration(ctx context.Context, stage string, duration time.Duration)
	RecordAnalysisParseFailure(ctx context.Context)
	RecordRetry(ctx context.Context, service string)
}

type pipelineMetrics struct {
	ingested      metric.Int64Counter
	skipped       metric.Int64Counter
	queries       metric.Int64Counter
	stageDuration metric.Float64Histogram
	parseFailures metric.Int64Counter
	retries       metric.Int64Counter
}

// NewPipelineMetrics creates PipelineMetrics. Returns (nil, nil) when meter is nil (metrics disabled).
func NewPipelineMetrics(meter metric.Meter) (PipelineMetrics, error) {
	if meter == nil {
		//nolint:nilnil // intentional: callers use "if metrics != nil" when metrics disabled
		return nil, nil
	}

	ingested, err := meter.Int64Counter(
		MetricNameDocumentsIngested,
		metric.WithDescription("Documents written to the store"),
	)
	if err != nil {
		return nil, fmt.Errorf("create documents ingested counter: %w", err)
	}

	skipped, err := meter.Int64Counter(
		MetricNameDocumentsSkipped,
		metric.WithDescription("Ingestion records skipped, by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("create documents skipped counter: %w", err)
	}

	queries, err := meter.Int64Counter(
		MetricNameQueries,
		metric.WithDescription("Query pipeline runs by final status"),
	)
	if err != nil {
		return nil, fmt.Errorf("create query counter: %w", err)
	}

	stageDuration, err := meter.Float64Histogram(
		MetricNameQueryStageDuration,
		metric.WithDescription("Duration of each query pipeline stage in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create stage duration histogram: %w", err)
	}

	parseFailures, err := meter.Int64Counter(
		MetricNameAnalysisParseFailures,
		metric.WithDescription("Model completions that could not be parsed into an analysis"),
	)
	if err != nil {
		return nil, fmt.Errorf("create parse failures counter: %w", err)
	}

	retries, err := meter.Int64Counter(
		MetricNameServiceRetries,
		metric.WithDescription("Retried calls to external services, by service"),
	)
	if err != nil {
		return nil, fmt.Errorf("create retries counter: %w", err)
	}

	return &pipelineMetrics{
		ingested:      ingested,
		skipped:       skipped,
		queries:       queries,
		stageDuration: stageDuration,
		parseFailures: parseFailures,
		retries:       retries,
	}, nil
}

func (m *pipelineMetrics) RecordDocumentsIngested(ctx context.Context, count int) {
	m.ingested.Add(ctx, int64(count))
}

func (m *pipelineMetrics) RecordDocumentsSkipped(ctx context.Context, reason string, count int) {
	m.skipped.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String(AttrReason, NormalizeReason(reason, AllowedSkipReasons)),
	))
}

func (m *pipelineMetrics) RecordQuery(ctx context.Context, status string) {
	m.queries.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrStatus, NormalizeReason(status, AllowedStatuses)),
	))
}

func (m *pipelineMetrics) RecordStageDuration(ctx context.Context, stage string, duration time.Duration) {
	m.stageDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String(AttrStage, NormalizeReason(stage, AllowedStages)),
	))
}

func (m *pipelineMetrics) RecordAnalysisParseFailure(ctx context.Context) {
	m.parseFailures.Add(ctx, 1)
}

func (m *pipelineMetrics) RecordRetry(ctx context.Context, service string) {
	m.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrService, NormalizeReason(service, AllowedServices)),
	))
}
