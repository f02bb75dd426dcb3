package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	prometheusexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const (
	meterScope         = "github.com/oddsdesk/roirag/internal/observability"
	defaultServiceName = "roirag"
	cardinalityLimit   = 2000

	// Metric exporters.
	ExporterPrometheus = "prometheus"
	ExporterOTLP       = "otlp"

	otlpExportInterval = 30 * time.Second
)

// latencyHistogramBoundaries are Prometheus-style buckets (seconds). Model calls dominate the upper range.
var latencyHistogramBoundaries = []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 10, 30}

// MeterProviderShutdown is the subset of the SDK MeterProvider needed for shutdown.
type MeterProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// MeterProviderConfig holds configuration for creating the MeterProvider.
type MeterProviderConfig struct {
	// Exporter is ExporterPrometheus (pull via the returned handler) or ExporterOTLP (push;
	// endpoint from OTEL_EXPORTER_OTLP_*). Empty means prometheus.
	Exporter string
	// ServiceName is used in the resource (default: roirag).
	ServiceName string
}

// newResource describes this process to metric and trace backends.
func newResource(serviceName string) *resource.Resource {
	if serviceName == "" {
		serviceName = defaultServiceName
	}

	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	)
}

// NewMeterProvider creates a MeterProvider for the configured exporter and returns the provider,
// an HTTP handler for /metrics (nil for OTLP push), and all collectors created from its meter.
// Caller must call provider.Shutdown on exit.
func NewMeterProvider(
	ctx context.Context, cfg MeterProviderConfig,
) (provider MeterProviderShutdown, metricsHandler http.Handler, metrics *Metrics, err error) {
	var reader sdkmetric.Reader

	switch cfg.Exporter {
	case "", ExporterPrometheus:
		reg := prometheus.NewRegistry()

		exporter, err := prometheusexporter.New(
			prometheusexporter.WithRegisterer(reg),
		)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
		}

		reader = exporter
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	case ExporterOTLP:
		exporter, err := otlpmetrichttp.New(ctx)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create OTLP metric exporter: %w", err)
		}

		reader = sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(otlpExportInterval))
	default:
		return nil, nil, nil, fmt.Errorf("unsupported metrics exporter %q", cfg.Exporter)
	}

	histogramStream := sdkmetric.Stream{
		Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: latencyHistogramBoundaries},
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(newResource(cfg.ServiceName)),
		sdkmetric.WithReader(reader),
		sdkmetric.WithCardinalityLimit(cardinalityLimit),
		sdkmetric.WithView(
			sdkmetric.NewView(sdkmetric.Instrument{Name: MetricNameHTTPRequestDuration}, histogramStream),
			sdkmetric.NewView(sdkmetric.Instrument{Name: MetricNameQueryStageDuration}, histogramStream),
		),
	)

	metrics, err = NewMetrics(mp.Meter(meterScope))
	if err != nil {
		_ = mp.Shutdown(ctx)

		return nil, nil, nil, fmt.Errorf("create metrics instruments: %w", err)
	}

	return mp, metricsHandler, metrics, nil
}
