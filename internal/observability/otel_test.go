package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/image-orchestrator/internal/config"
)

func preserveGlobals(t *testing.T) {
	t.Helper()
	prevTP := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
}

func TestSetup_Disabled_NoOp(t *testing.T) {
	preserveGlobals(t)

	shutdown, err := Setup(context.Background(), config.OTELConfig{
		Enabled:     false,
		Endpoint:    "ignored:4317",
		ServiceName: "svc",
		SampleRatio: 1.0,
	}, "v0.0.0")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if shutdown == nil {
		t.Fatalf("expected non-nil shutdown func")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("no-op shutdown returned error: %v", err)
	}
}

func TestSetup_Insecure_InstallsProviderAndPropagator(t *testing.T) {
	preserveGlobals(t)

	shutdown, err := Setup(context.Background(), config.OTELConfig{
		Enabled:     true,
		Insecure:    true,
		Endpoint:    "localhost:4317",
		ServiceName: "svc-insecure",
		SampleRatio: 1.0,
	}, "v1.2.3")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("expected *sdktrace.TracerProvider")
	}

	// Propagator round-trip stays functional.
	prop := otel.GetTextMapPropagator()
	carrier := propagation.MapCarrier{}
	ctx, span := otel.Tracer("test").Start(context.Background(), "span")
	span.End()
	prop.Inject(ctx, carrier)
	_ = prop.Extract(context.Background(), carrier)
}

func TestSetup_TLSBranch(t *testing.T) {
	preserveGlobals(t)

	shutdown, err := Setup(context.Background(), config.OTELConfig{
		Enabled:     true,
		Insecure:    false,
		Endpoint:    "localhost:4317",
		ServiceName: "svc-tls",
		SampleRatio: 0.5,
	}, "v2.0.0")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("expected *sdktrace.TracerProvider")
	}
}

func TestSetup_ExporterError_LeavesGlobalsIntact(t *testing.T) {
	preserveGlobals(t)

	orig := newExporter
	defer func() { newExporter = orig }()
	newExporter = func(context.Context, otlptrace.Client) (*otlptrace.Exporter, error) {
		return nil, errors.New("exporter down")
	}

	prevTP := otel.GetTracerProvider()
	_, err := Setup(context.Background(), config.OTELConfig{
		Enabled: true, Insecure: true, Endpoint: "localhost:4317",
		ServiceName: "svc", SampleRatio: 1.0,
	}, "v0")
	if err == nil {
		t.Fatalf("expected exporter error")
	}
	if otel.GetTracerProvider() != prevTP {
		t.Fatalf("tracer provider changed on failure")
	}
}

func TestSetup_ResourceError_LeavesGlobalsIntact(t *testing.T) {
	preserveGlobals(t)

	orig := newResource
	defer func() { newResource = orig }()
	newResource = func(context.Context, string, string) (*resource.Resource, error) {
		return nil, errors.New("resource boom")
	}

	prevTP := otel.GetTracerProvider()
	_, err := Setup(context.Background(), config.OTELConfig{
		Enabled: true, Insecure: true, Endpoint: "localhost:4317",
		ServiceName: "svc", SampleRatio: 1.0,
	}, "v0")
	if err == nil {
		t.Fatalf("expected resource error")
	}
	if otel.GetTracerProvider() != prevTP {
		t.Fatalf("tracer provider changed on failure")
	}
}
