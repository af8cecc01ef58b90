package runtime

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"

	"github.com/loqalabs/loqa-speech/internal/config"
)

func TestSetupTelemetryServesMetrics(t *testing.T) {
	cfg := config.Default()
	shutdown, handler, err := setupTelemetry(cfg, newLogger())
	if err != nil {
		t.Fatalf("setup telemetry: %v", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			t.Fatalf("shutdown telemetry: %v", err)
		}
	}()
	if handler == nil {
		t.Fatal("expected a metrics handler")
	}

	counter, err := otel.Meter("github.com/loqalabs/loqa-speech/runtime").Int64Counter("loqa.test.requests")
	if err != nil {
		t.Fatalf("create counter: %v", err)
	}
	counter.Add(context.Background(), 3)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics returned %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "loqa_test_requests") {
		t.Fatalf("expected exported counter in metrics output:\n%s", body)
	}
}

func TestSpanExporterSelection(t *testing.T) {
	cases := []struct {
		cfg  config.TelemetryConfig
		want string
	}{
		{config.TelemetryConfig{LogLevel: "info"}, "none"},
		{config.TelemetryConfig{LogLevel: "DEBUG"}, "stdout"},
		{config.TelemetryConfig{LogLevel: "info", OTLPEndpoint: "localhost:4317", OTLPInsecure: true}, "otlp"},
	}
	for _, tc := range cases {
		exp, kind, err := newSpanExporter(context.Background(), tc.cfg)
		if err != nil {
			t.Fatalf("%+v: %v", tc.cfg, err)
		}
		if kind != tc.want {
			t.Fatalf("%+v: expected %s exporter, got %s", tc.cfg, tc.want, kind)
		}
		if exp != nil {
			_ = exp.Shutdown(context.Background())
		}
	}
}
