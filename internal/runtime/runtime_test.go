package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-batch/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestSchedulerConfigFromTracker(t *testing.T) {
	cfg := config.Default().Tracker
	sc := SchedulerConfig(cfg)
	if sc.Interval != 5*time.Second || sc.MaxInFlight != 4 || sc.FailureCeiling != 5 {
		t.Fatalf("unexpected scheduler config %+v", sc)
	}
	if sc.MaxBackoff != time.Minute || sc.QueryTimeout != 10*time.Second {
		t.Fatalf("unexpected durations %+v", sc)
	}
}

func TestReadyReflectsState(t *testing.T) {
	rt := New(config.Default(), newLogger())

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
}

func TestRuntimeStartAndStop(t *testing.T) {
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = freePort(t)
	cfg.Bus.Port = -1
	cfg.EventStore.RetentionMode = "session"
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "events.db")
	cfg.Tracker.PollIntervalMS = 20

	rt := New(cfg, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()

	base := fmt.Sprintf("http://127.0.0.1:%d", cfg.HTTP.Port)
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(base + "/readyz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("runtime did not become ready")
		}
		time.Sleep(20 * time.Millisecond)
	}

	for _, path := range []string{"/healthz", "/jobs", "/metrics"} {
		resp, err := http.Get(base + path)
		if err != nil {
			cancel()
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			cancel()
			t.Fatalf("GET %s: expected 200, got %d", path, resp.StatusCode)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not stop")
	}
}
