package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
	StdoutTraces   bool   `yaml:"stdout_traces"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Backend     BackendConfig    `yaml:"backend"`
	Tracker     TrackerConfig    `yaml:"tracker"`
	Gateway     GatewayConfig    `yaml:"gateway"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxJobs       int    `yaml:"max_jobs"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// BackendConfig selects how the tracker reaches the speech backend.
type BackendConfig struct {
	Mode           string `yaml:"mode"` // mock, http, exec
	Endpoint       string `yaml:"endpoint"`
	Command        string `yaml:"command"`
	RequestTimeout int    `yaml:"request_timeout_ms"`
}

type TrackerConfig struct {
	PollIntervalMS int `yaml:"poll_interval_ms"`
	MaxInFlight    int `yaml:"max_in_flight"`
	MaxBackoffMS   int `yaml:"max_backoff_ms"`
	FailureCeiling int `yaml:"failure_ceiling"`
	QueryTimeoutMS int `yaml:"query_timeout_ms"`
}

func (t TrackerConfig) PollInterval() time.Duration {
	return time.Duration(t.PollIntervalMS) * time.Millisecond
}

func (t TrackerConfig) MaxBackoff() time.Duration {
	return time.Duration(t.MaxBackoffMS) * time.Millisecond
}

func (t TrackerConfig) QueryTimeout() time.Duration {
	return time.Duration(t.QueryTimeoutMS) * time.Millisecond
}

type GatewayConfig struct {
	Enabled bool `yaml:"enabled"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-batch",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8081,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: "",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Host:           "127.0.0.1",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-batch-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 7,
			MaxJobs:       5000,
		},
		Backend: BackendConfig{
			Mode:           "mock",
			Endpoint:       "http://localhost:8000",
			RequestTimeout: 15000,
		},
		Tracker: TrackerConfig{
			PollIntervalMS: 5000,
			MaxInFlight:    4,
			MaxBackoffMS:   60000,
			FailureCeiling: 5,
			QueryTimeoutMS: 10000,
		},
		Gateway: GatewayConfig{
			Enabled: true,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Telemetry.StdoutTraces, "LOQA_TELEMETRY_STDOUT_TRACES")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.Host, "LOQA_BUS_HOST")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxJobs, "LOQA_EVENT_STORE_MAX_JOBS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Backend.Mode, "LOQA_BACKEND_MODE")
	overrideString(&cfg.Backend.Endpoint, "LOQA_BACKEND_ENDPOINT")
	overrideString(&cfg.Backend.Command, "LOQA_BACKEND_COMMAND")
	overrideInt(&cfg.Backend.RequestTimeout, "LOQA_BACKEND_REQUEST_TIMEOUT_MS")
	overrideInt(&cfg.Tracker.PollIntervalMS, "LOQA_TRACKER_POLL_INTERVAL_MS")
	overrideInt(&cfg.Tracker.MaxInFlight, "LOQA_TRACKER_MAX_IN_FLIGHT")
	overrideInt(&cfg.Tracker.MaxBackoffMS, "LOQA_TRACKER_MAX_BACKOFF_MS")
	overrideInt(&cfg.Tracker.FailureCeiling, "LOQA_TRACKER_FAILURE_CEILING")
	overrideInt(&cfg.Tracker.QueryTimeoutMS, "LOQA_TRACKER_QUERY_TIMEOUT_MS")
	overrideBool(&cfg.Gateway.Enabled, "LOQA_GATEWAY_ENABLED")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionMode != "ephemeral" && cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty unless retention_mode=ephemeral")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Backend.Mode {
	case "mock", "http", "exec":
	default:
		return errors.New("backend.mode must be one of mock|http|exec")
	}
	if cfg.Backend.Mode == "http" && cfg.Backend.Endpoint == "" {
		return errors.New("backend.endpoint must be set when mode=http")
	}
	if cfg.Backend.Mode == "exec" && cfg.Backend.Command == "" {
		return errors.New("backend.command must be set when mode=exec")
	}
	if cfg.Backend.RequestTimeout < 0 {
		return errors.New("backend.request_timeout_ms must be >= 0")
	}
	if cfg.Tracker.PollIntervalMS <= 0 {
		return errors.New("tracker.poll_interval_ms must be positive")
	}
	if cfg.Tracker.MaxInFlight <= 0 {
		return errors.New("tracker.max_in_flight must be >= 1")
	}
	if cfg.Tracker.MaxBackoffMS < cfg.Tracker.PollIntervalMS {
		return errors.New("tracker.max_backoff_ms must be >= poll interval")
	}
	if cfg.Tracker.FailureCeiling <= 0 {
		return errors.New("tracker.failure_ceiling must be >= 1")
	}
	if cfg.Tracker.QueryTimeoutMS <= 0 {
		return errors.New("tracker.query_timeout_ms must be positive")
	}
	return nil
}
