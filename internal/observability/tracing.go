package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Span exporters.
const (
	TraceExporterOTLP   = "otlp"
	TraceExporterStdout = "stdout"
)

// TracerProviderConfig holds configuration for creating the TracerProvider.
type TracerProviderConfig struct {
	// Exporter is TraceExporterOTLP or TraceExporterStdout; empty disables tracing.
	Exporter string
	// Sampler is an OTEL_TRACES_SAMPLER value; SamplerArg is its ratio where one applies.
	Sampler     string
	SamplerArg  float64
	ServiceName string
}

// NewTracerProvider creates a TracerProvider with a batching span processor.
// Returns (nil, nil) when cfg.Exporter is empty.
func NewTracerProvider(ctx context.Context, cfg TracerProviderConfig) (*sdktrace.TracerProvider, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)

	switch cfg.Exporter {
	case "":
		//nolint:nilnil // tracing disabled, caller checks for nil
		return nil, nil
	case TraceExporterOTLP:
		// The exporter reads OTEL_EXPORTER_OTLP_ENDPOINT (and scheme/insecure) from the environment.
		exporter, err = otlptracehttp.New(ctx)
	case TraceExporterStdout:
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unsupported traces exporter %q", cfg.Exporter)
	}

	if err != nil {
		return nil, fmt.Errorf("create %s trace exporter: %w", cfg.Exporter, err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(newResource(cfg.ServiceName)),
		sdktrace.WithSampler(newSampler(cfg.Sampler, cfg.SamplerArg)),
		sdktrace.WithBatcher(exporter),
	), nil
}

// newSampler maps an OTEL_TRACES_SAMPLER name to a Sampler. Unknown names get the SDK default,
// parentbased_always_on. Ratios outside [0,1] sample everything.
func newSampler(name string, ratio float64) sdktrace.Sampler {
	if ratio < 0 || ratio > 1 {
		ratio = 1
	}

	switch name {
	case "always_on":
		return sdktrace.AlwaysSample()
	case "always_off":
		return sdktrace.NeverSample()
	case "traceidratio":
		return sdktrace.TraceIDRatioBased(ratio)
	case "parentbased_traceidratio":
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	case "parentbased_always_off":
		return sdktrace.ParentBased(sdktrace.NeverSample())
	default:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
}
