package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Tracker.PollInterval() != 5*time.Second {
		t.Fatalf("expected 5s poll interval, got %s", cfg.Tracker.PollInterval())
	}
	if cfg.Tracker.MaxInFlight != 4 {
		t.Fatalf("expected bounded in-flight default, got %d", cfg.Tracker.MaxInFlight)
	}
	if cfg.Backend.Mode != "mock" {
		t.Fatalf("expected mock backend by default, got %s", cfg.Backend.Mode)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loqa-batch.yaml")
	data := []byte(`
backend:
  mode: http
  endpoint: http://tts.internal:8000
tracker:
  poll_interval_ms: 2000
  max_in_flight: 8
  failure_ceiling: 3
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend.Mode != "http" || cfg.Backend.Endpoint != "http://tts.internal:8000" {
		t.Fatalf("unexpected backend config: %+v", cfg.Backend)
	}
	if cfg.Tracker.PollIntervalMS != 2000 || cfg.Tracker.MaxInFlight != 8 || cfg.Tracker.FailureCeiling != 3 {
		t.Fatalf("unexpected tracker config: %+v", cfg.Tracker)
	}
	if cfg.Tracker.QueryTimeoutMS != 10000 {
		t.Fatalf("expected untouched default query timeout, got %d", cfg.Tracker.QueryTimeoutMS)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_MAX_JOBS", "123")
	t.Setenv("LOQA_BACKEND_MODE", "exec")
	t.Setenv("LOQA_BACKEND_COMMAND", "tts-backend --json")
	t.Setenv("LOQA_TRACKER_POLL_INTERVAL_MS", "250")
	t.Setenv("LOQA_TRACKER_MAX_IN_FLIGHT", "2")
	t.Setenv("LOQA_TRACKER_FAILURE_CEILING", "3")
	t.Setenv("LOQA_GATEWAY_ENABLED", "false")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" || cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.MaxJobs != 123 {
		t.Fatalf("expected event store overrides, got %+v", cfg.EventStore)
	}
	if cfg.Backend.Mode != "exec" || cfg.Backend.Command != "tts-backend --json" {
		t.Fatalf("expected backend overrides, got %+v", cfg.Backend)
	}
	if cfg.Tracker.PollInterval() != 250*time.Millisecond {
		t.Fatalf("expected poll interval override, got %s", cfg.Tracker.PollInterval())
	}
	if cfg.Tracker.MaxInFlight != 2 || cfg.Tracker.FailureCeiling != 3 {
		t.Fatalf("expected tracker overrides, got %+v", cfg.Tracker)
	}
	if cfg.Gateway.Enabled {
		t.Fatal("expected gateway disabled")
	}
}

func TestValidateRejectsUnboundedInFlight(t *testing.T) {
	t.Setenv("LOQA_TRACKER_MAX_IN_FLIGHT", "0")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for max_in_flight=0")
	}
}

func TestValidateBackendMode(t *testing.T) {
	t.Setenv("LOQA_BACKEND_MODE", "exec")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for exec mode without command")
	}
	t.Setenv("LOQA_BACKEND_MODE", "grpc")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for unknown backend mode")
	}
}
