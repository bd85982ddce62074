package observe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// Trace exporter names accepted by [ProviderConfig.Traces].
const (
	TracesNone   = "none"
	TracesStdout = "stdout"
)

// ProviderConfig configures the OpenTelemetry SDK providers. It mirrors the
// telemetry section of the voxlive config.
type ProviderConfig struct {
	// ServiceName is reported as service.name. Default: "voxlive".
	ServiceName string

	// ServiceVersion is reported as service.version.
	ServiceVersion string

	// Traces selects the span exporter: "" or [TracesNone] keeps spans
	// in-process (they still feed trace_id into logs), [TracesStdout] writes
	// them as JSON to TraceWriter.
	Traces string

	// TraceWriter receives stdout spans. Default: os.Stderr.
	TraceWriter io.Writer

	// SampleRatio is the fraction of new traces sampled. Values outside
	// (0, 1) sample everything. Sampled parents are always honoured.
	SampleRatio float64

	// TraceExporter overrides Traces with a caller-built exporter.
	TraceExporter sdktrace.SpanExporter

	// Registerer receives the Prometheus collector served on /metrics.
	// Default: [prometheus.DefaultRegisterer].
	Registerer prometheus.Registerer
}

// InitProvider installs the global meter provider (Prometheus exporter), the
// global tracer provider and the W3C trace-context propagator. The returned
// function flushes and closes both providers.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "voxlive"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}

	exp := cfg.TraceExporter
	if exp == nil {
		if exp, err = newSpanExporter(cfg.Traces, cfg.TraceWriter); err != nil {
			return nil, err
		}
	}

	// --- Metrics: Prometheus exporter bridge ---
	var promOpts []promexporter.Option
	if cfg.Registerer != nil {
		promOpts = append(promOpts, promexporter.WithRegisterer(cfg.Registerer))
	}
	promExp, err := promexporter.New(promOpts...)
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)

	// --- Traces ---
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	}
	if exp != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exp))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	shutdown = func(ctx context.Context) error {
		// Spans first so the last session spans are flushed.
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}
	return shutdown, nil
}

func newSpanExporter(name string, w io.Writer) (sdktrace.SpanExporter, error) {
	switch name {
	case "", TracesNone:
		return nil, nil
	case TracesStdout:
		if w == nil {
			w = os.Stderr
		}
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("observe: stdout exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("observe: unknown trace exporter %q", name)
	}
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
