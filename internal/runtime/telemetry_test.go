package runtime

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-voice/internal/config"
	"go.opentelemetry.io/otel/metric"
)

func TestTelemetryExportsFirstAudioBuckets(t *testing.T) {
	tel, err := setupTelemetry(config.Default(), "1.2.3", newLogger())
	if err != nil {
		t.Fatalf("setup telemetry: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(t.Context()) })

	hist, err := tel.meter.Meter("test").Float64Histogram("loqa.turn.first_audio", metric.WithUnit("s"))
	if err != nil {
		t.Fatalf("histogram: %v", err)
	}
	hist.Record(t.Context(), 0.3)

	srv := httptest.NewServer(tel.handler)
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read scrape: %v", err)
	}
	body := string(raw)

	for _, want := range []string{`loqa_turn_first_audio`, `le="0.25"`, `service_version="1.2.3"`, `go_goroutines`} {
		if !strings.Contains(body, want) {
			t.Fatalf("scrape missing %s:\n%s", want, body)
		}
	}
	if strings.Contains(body, `le="7500"`) {
		t.Fatal("first audio histogram still uses default buckets")
	}
}
