package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"

	"ingestq/internal/config"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), config.TelemetryConfig{})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSampleRatio(t *testing.T) {
	cases := map[float64]float64{0: 1, -1: 1, 0.25: 0.25, 1: 1, 3: 1}
	for in, want := range cases {
		if got := SampleRatio(in); got != want {
			t.Fatalf("SampleRatio(%v)=%v want %v", in, got, want)
		}
	}
}

func TestInitInstallsTraceContextPropagator(t *testing.T) {
	if _, err := Init(context.Background(), config.TelemetryConfig{}); err != nil {
		t.Fatalf("init: %v", err)
	}
	fields := otel.GetTextMapPropagator().Fields()
	found := false
	for _, f := range fields {
		if f == "traceparent" {
			found = true
		}
	}
	if !found {
		t.Fatalf("traceparent not propagated, fields %v", fields)
	}
}

func TestExporterOptions(t *testing.T) {
	c := config.OTLPConfig{Insecure: true, Timeout: time.Second, Compression: "GZIP", Headers: map[string]string{"k": "v"}}
	if n := len(exporterOptions("collector:4317", c)); n != 5 {
		t.Fatalf("got %d options want 5", n)
	}
	if n := len(exporterOptions("collector:4317", config.OTLPConfig{})); n != 1 {
		t.Fatalf("got %d options want 1", n)
	}
}
