package observe

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// restoreGlobals puts back the global providers InitProvider replaces.
func restoreGlobals(t *testing.T) {
	t.Helper()
	origTP := otel.GetTracerProvider()
	origMP := otel.GetMeterProvider()
	origProp := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(origTP)
		otel.SetMeterProvider(origMP)
		otel.SetTextMapPropagator(origProp)
	})
}

func TestInitProvider_StdoutTraces(t *testing.T) {
	restoreGlobals(t)

	var buf bytes.Buffer
	shutdown, err := InitProvider(context.Background(), ProviderConfig{
		ServiceVersion: "test",
		Traces:         TracesStdout,
		TraceWriter:    &buf,
		Registerer:     prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}

	_, span := StartConnectSpan(context.Background(), "Puck", 1)
	EndSpan(span, nil)

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	out := buf.String()
	for _, want := range []string{SpanSessionConnect, string(AttrVoice), "voxlive"} {
		if !strings.Contains(out, want) {
			t.Errorf("stdout traces missing %q:\n%s", want, out)
		}
	}
}

func TestInitProvider_NoTracesStillCorrelates(t *testing.T) {
	restoreGlobals(t)

	shutdown, err := InitProvider(context.Background(), ProviderConfig{
		Traces:     TracesNone,
		Registerer: prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	ctx, span := StartConnectSpan(context.Background(), "Puck", 1)
	defer span.End()
	if CorrelationID(ctx) == "" {
		t.Error("no trace ID without an exporter")
	}
}

func TestInitProvider_UnknownExporter(t *testing.T) {
	restoreGlobals(t)

	_, err := InitProvider(context.Background(), ProviderConfig{
		Traces:     "jaeger",
		Registerer: prometheus.NewRegistry(),
	})
	if err == nil || !strings.Contains(err.Error(), `"jaeger"`) {
		t.Fatalf("err = %v, want unknown exporter", err)
	}
}

func TestSampler(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ratio float64
		want  string
	}{
		{0, sdktrace.AlwaysSample().Description()},
		{1, sdktrace.AlwaysSample().Description()},
		{-2, sdktrace.AlwaysSample().Description()},
		{0.25, sdktrace.ParentBased(sdktrace.TraceIDRatioBased(0.25)).Description()},
	}
	for _, tt := range tests {
		if got := sampler(tt.ratio).Description(); got != tt.want {
			t.Errorf("sampler(%v) = %q, want %q", tt.ratio, got, tt.want)
		}
	}
}
