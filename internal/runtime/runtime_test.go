package runtime

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestDeviceFactory(t *testing.T) {
	factory, err := deviceFactory(config.AudioConfig{Device: "null", Realtime: true}, nil, newLogger())
	if err != nil {
		t.Fatalf("null device: %v", err)
	}
	device, err := factory("s1")
	if err != nil {
		t.Fatalf("open device: %v", err)
	}
	if nd, ok := device.(audio.NullDevice); !ok || !nd.Realtime {
		t.Fatalf("expected realtime null device, got %#v", device)
	}

	factory, err = deviceFactory(config.AudioConfig{Device: "exec", Command: "aplay -r {sample_rate} -c {channels}"}, nil, newLogger())
	if err != nil {
		t.Fatalf("exec device: %v", err)
	}
	if device, err = factory("s1"); err != nil {
		t.Fatalf("open exec device: %v", err)
	}
	if _, ok := device.(*audio.ExecDevice); !ok {
		t.Fatalf("expected exec device, got %T", device)
	}

	if _, err := deviceFactory(config.AudioConfig{Device: "exec"}, nil, newLogger()); err == nil {
		t.Fatal("expected error for exec device without command")
	}
	if _, err := deviceFactory(config.AudioConfig{Device: "speaker"}, nil, newLogger()); err == nil {
		t.Fatal("expected error for unknown device")
	}
}

func TestReadyHandler(t *testing.T) {
	rt := New(config.Default(), "test", newLogger())

	rec := httptest.NewRecorder()
	rt.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before start, got %d", rec.Code)
	}

	rt.ready.Store(true)
	rec = httptest.NewRecorder()
	rt.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 once ready, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	rt.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected unhealthy without a bus, got %d", rec.Code)
	}
}
