package telemetry

import (
	"context"
	"testing"
)

func TestSamplerRatio(t *testing.T) {
	tests := map[string]float64{"": 1, "0.25": 0.25, "0": 0, "2": 1, "-1": 1, "abc": 1}
	for in, want := range tests {
		if got := samplerRatio(in); got != want {
			t.Errorf("samplerRatio(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestInitTracingDisabledWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	shutdown, err := InitTracing("chatrelay", "test")
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	shutdown()
	if IsTracingEnabled() {
		t.Fatal("tracing enabled without endpoint")
	}
	// Spans still work against the global no-op provider.
	_, span := StartSpan(WithCorrelation(context.Background(), "abc"), "test", "noop", EventKindAttr("twitch-follow"))
	SetSpanSuccess(span)
	span.End()
}
