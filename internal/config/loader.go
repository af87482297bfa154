package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "agentdesk.yaml"

// Session cap bounds.
const (
	MinSessions = 2
	MaxSessions = 5
)

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "AGENTDESK_PORT")
	setString(&cfg.Server.CORSOrigin, "AGENTDESK_CORS_ORIGIN")
	setString(&cfg.Server.PublicHost, "AGENTDESK_PUBLIC_HOST")
	setString(&cfg.Server.APIKeyHash, "AGENTDESK_API_KEY_HASH")

	setInt(&cfg.Orchestrator.MaxSessions, "AGENTDESK_MAX_SESSIONS")
	setBool(&cfg.Orchestrator.TerminateOnShutdown, "AGENTDESK_TERMINATE_ON_SHUTDOWN")

	// Ports
	setInt(&cfg.Ports.Display.Start, "AGENTDESK_DISPLAY_PORT_START")
	setInt(&cfg.Ports.Display.End, "AGENTDESK_DISPLAY_PORT_END")
	setInt(&cfg.Ports.Web.Start, "AGENTDESK_WEB_PORT_START")
	setInt(&cfg.Ports.Web.End, "AGENTDESK_WEB_PORT_END")
	setString(&cfg.Ports.ProbeHost, "AGENTDESK_PORT_PROBE_HOST")

	// Container
	setString(&cfg.Container.DockerBinary, "AGENTDESK_DOCKER_BINARY")
	setString(&cfg.Container.Image, "AGENTDESK_IMAGE")
	setString(&cfg.Container.Network, "AGENTDESK_NETWORK")
	setString(&cfg.Container.AccessPassword, "AGENTDESK_ACCESS_PASSWORD")
	setString(&cfg.Container.Resolution, "AGENTDESK_RESOLUTION")
	setInt64(&cfg.Container.MaxConcurrentCalls, "AGENTDESK_RUNTIME_MAX_CONCURRENT")
	setDuration(&cfg.Container.ProvisionTimeout, "AGENTDESK_PROVISION_TIMEOUT")
	setDuration(&cfg.Container.StartTimeout, "AGENTDESK_START_TIMEOUT")
	setDuration(&cfg.Container.PauseTimeout, "AGENTDESK_PAUSE_TIMEOUT")
	setDuration(&cfg.Container.TerminateTimeout, "AGENTDESK_TERMINATE_TIMEOUT")
	setDuration(&cfg.Container.StopGrace, "AGENTDESK_STOP_GRACE")

	setDuration(&cfg.Reconcile.Interval, "AGENTDESK_RECONCILE_INTERVAL")
	setDuration(&cfg.Reconcile.Retention, "AGENTDESK_SESSION_RETENTION")

	// AI
	setString(&cfg.AI.Connector, "AGENTDESK_AI_CONNECTOR")
	setString(&cfg.AI.APIKey, "AGENTDESK_AI_API_KEY")
	setString(&cfg.AI.Model, "AGENTDESK_AI_MODEL")
	setString(&cfg.AI.BaseURL, "AGENTDESK_AI_BASE_URL")
	setInt(&cfg.AI.MaxTokens, "AGENTDESK_AI_MAX_TOKENS")
	setInt(&cfg.AI.MaxRetries, "AGENTDESK_AI_MAX_RETRIES")
	setDuration(&cfg.AI.BaseBackoff, "AGENTDESK_AI_BASE_BACKOFF")
	setDuration(&cfg.AI.MaxBackoff, "AGENTDESK_AI_MAX_BACKOFF")
	setDuration(&cfg.AI.AttemptTimeout, "AGENTDESK_AI_ATTEMPT_TIMEOUT")
	setDuration(&cfg.AI.CallTimeout, "AGENTDESK_AI_CALL_TIMEOUT")
	setDuration(&cfg.AI.TickInterval, "AGENTDESK_AI_TICK_INTERVAL")
	setDuration(&cfg.AI.ObserveTimeout, "AGENTDESK_AI_OBSERVE_TIMEOUT")
	setDuration(&cfg.AI.ApplyTimeout, "AGENTDESK_AI_APPLY_TIMEOUT")
	setString(&cfg.AI.DefaultObjective, "AGENTDESK_AI_DEFAULT_OBJECTIVE")
	setInt(&cfg.AI.Breaker.MaxFailures, "AGENTDESK_AI_BREAKER_MAX_FAILURES")
	setDuration(&cfg.AI.Breaker.Timeout, "AGENTDESK_AI_BREAKER_TIMEOUT")

	// Display
	setString(&cfg.Display.Driver, "AGENTDESK_DISPLAY_DRIVER")
	setInt(&cfg.Display.CDPPort, "AGENTDESK_CDP_PORT")
	setString(&cfg.Display.CDPHost, "AGENTDESK_CDP_HOST")

	// Store
	setString(&cfg.Store.Driver, "AGENTDESK_STORE_DRIVER")
	setString(&cfg.Store.DSN, "DATABASE_URL")
	setInt32(&cfg.Store.MaxConns, "AGENTDESK_PG_MAX_CONNS")
	setInt32(&cfg.Store.MinConns, "AGENTDESK_PG_MIN_CONNS")
	setDuration(&cfg.Store.MaxConnLifetime, "AGENTDESK_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Store.MaxConnIdleTime, "AGENTDESK_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Store.HealthCheck, "AGENTDESK_PG_HEALTH_CHECK")

	// NATS
	setBool(&cfg.NATS.Enabled, "AGENTDESK_NATS_ENABLED")
	setString(&cfg.NATS.URL, "NATS_URL")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "AGENTDESK_CACHE_L1_SIZE_MB")
	setString(&cfg.Cache.L2Bucket, "AGENTDESK_CACHE_L2_BUCKET")
	setDuration(&cfg.Cache.L2TTL, "AGENTDESK_CACHE_L2_TTL")

	setBool(&cfg.Idempotency.Enabled, "AGENTDESK_IDEMPOTENCY_ENABLED")
	setDuration(&cfg.Idempotency.TTL, "AGENTDESK_IDEMPOTENCY_TTL")

	// Logging
	setString(&cfg.Logging.Level, "AGENTDESK_LOG_LEVEL")
	setString(&cfg.Logging.Service, "AGENTDESK_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "AGENTDESK_LOG_ASYNC")

	// OTEL
	setBool(&cfg.OTEL.Enabled, "AGENTDESK_OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.OTEL.ServiceName, "OTEL_SERVICE_NAME")
	setBool(&cfg.OTEL.Insecure, "AGENTDESK_OTEL_INSECURE")
	setFloat64(&cfg.OTEL.SampleRate, "AGENTDESK_OTEL_SAMPLE_RATE")
}

// validate checks that required fields are set and ranges are consistent.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Orchestrator.MaxSessions < MinSessions || cfg.Orchestrator.MaxSessions > MaxSessions {
		return fmt.Errorf("orchestrator.max_sessions must be between %d and %d", MinSessions, MaxSessions)
	}
	if err := validateRanges(cfg.Ports); err != nil {
		return err
	}
	if min(cfg.Ports.Display.Size(), cfg.Ports.Web.Size()) < cfg.Orchestrator.MaxSessions {
		return errors.New("ports: ranges hold fewer pairs than orchestrator.max_sessions")
	}
	if cfg.Container.Image == "" {
		return errors.New("container.image is required")
	}
	if cfg.Container.MaxConcurrentCalls < 1 {
		return errors.New("container.max_concurrent_calls must be >= 1")
	}
	if cfg.Container.ProvisionTimeout <= 0 || cfg.Container.StartTimeout <= 0 ||
		cfg.Container.PauseTimeout <= 0 || cfg.Container.TerminateTimeout <= 0 {
		return errors.New("container timeouts must be positive")
	}
	if cfg.Reconcile.Interval <= 0 {
		return errors.New("reconcile.interval must be positive")
	}
	if cfg.AI.MaxRetries < 1 {
		return errors.New("ai.max_retries must be >= 1")
	}
	if cfg.AI.CallTimeout <= 0 || cfg.AI.TickInterval <= 0 ||
		cfg.AI.ObserveTimeout <= 0 || cfg.AI.ApplyTimeout <= 0 {
		return errors.New("ai.call_timeout, ai.tick_interval, ai.observe_timeout and ai.apply_timeout must be positive")
	}
	if cfg.AI.Breaker.MaxFailures < 1 {
		return errors.New("ai.breaker.max_failures must be >= 1")
	}
	switch cfg.Display.Driver {
	case "none", "playwright":
	default:
		return fmt.Errorf("display.driver %q is not supported", cfg.Display.Driver)
	}
	switch cfg.Store.Driver {
	case "memory", "sqlite": // sqlite falls back to data/agentdesk.db
	case "postgres":
		if cfg.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for driver %q", cfg.Store.Driver)
		}
	default:
		return fmt.Errorf("store.driver %q is not supported", cfg.Store.Driver)
	}
	if cfg.NATS.Enabled && cfg.NATS.URL == "" {
		return errors.New("nats.url is required when nats is enabled")
	}
	return nil
}

func validateRanges(p Ports) error {
	for name, r := range map[string]PortRange{"display": p.Display, "web": p.Web} {
		if r.Start < 1 || r.End > 65535 || r.End < r.Start {
			return fmt.Errorf("ports.%s: invalid range %d-%d", name, r.Start, r.End)
		}
	}
	if p.Display.Start <= p.Web.End && p.Web.Start <= p.Display.End {
		return errors.New("ports: display and web ranges overlap")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
