// Package config provides hierarchical configuration loading for agentdesk.
// Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the agentdesk orchestrator.
type Config struct {
	Server       Server       `yaml:"server"`
	Orchestrator Orchestrator `yaml:"orchestrator"`
	Ports        Ports        `yaml:"ports"`
	Container    Container    `yaml:"container"`
	Reconcile    Reconcile    `yaml:"reconcile"`
	AI           AI           `yaml:"ai"`
	Display      Display      `yaml:"display"`
	Store        Store        `yaml:"store"`
	NATS         NATS         `yaml:"nats"`
	Cache        Cache        `yaml:"cache"`
	Idempotency  Idempotency  `yaml:"idempotency"`
	Logging      Logging      `yaml:"logging"`
	OTEL         OTEL         `yaml:"otel"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port       string `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
	PublicHost string `yaml:"public_host"`  // host used in display URLs handed to browsers
	APIKeyHash string `yaml:"api_key_hash"` // bcrypt hash; empty disables auth
}

// Orchestrator holds session admission settings.
type Orchestrator struct {
	MaxSessions         int  `yaml:"max_sessions"`          // concurrency cap, 2-5 (default: 5)
	TerminateOnShutdown bool `yaml:"terminate_on_shutdown"` // tear down live sessions on exit (default: true)
}

// PortRange is an inclusive range of host ports.
type PortRange struct {
	Start int `yaml:"start"`
	End   int `yaml:"end"`
}

// Size returns the number of ports in the range.
func (r PortRange) Size() int { return r.End - r.Start + 1 }

// Ports holds the two correlated host port ranges.
type Ports struct {
	Display   PortRange `yaml:"display"`    // direct remote access (VNC)
	Web       PortRange `yaml:"web"`        // web-embeddable access (noVNC)
	ProbeHost string    `yaml:"probe_host"` // bind-probe host before handing out a pair; empty disables
}

// Container holds container runtime settings.
type Container struct {
	DockerBinary       string        `yaml:"docker_binary"`
	Image              string        `yaml:"image"`
	Network            string        `yaml:"network"`
	AccessPassword     string        `yaml:"access_password"`
	Resolution         string        `yaml:"resolution"`
	MaxConcurrentCalls int64         `yaml:"max_concurrent_calls"`
	ProvisionTimeout   time.Duration `yaml:"provision_timeout"`
	StartTimeout       time.Duration `yaml:"start_timeout"`
	PauseTimeout       time.Duration `yaml:"pause_timeout"`
	TerminateTimeout   time.Duration `yaml:"terminate_timeout"`
	StopGrace          time.Duration `yaml:"stop_grace"`
}

// Reconcile holds runtime reconciliation settings.
type Reconcile struct {
	Interval  time.Duration `yaml:"interval"`
	Retention time.Duration `yaml:"retention"` // how long terminal sessions stay listed; 0 keeps them
}

// AI holds AI connector and control loop settings.
type AI struct {
	Connector        string        `yaml:"connector"` // "openai" | "litellm" | "scripted"
	APIKey           string        `yaml:"api_key"`
	Model            string        `yaml:"model"`
	BaseURL          string        `yaml:"base_url"`
	MaxTokens        int           `yaml:"max_tokens"`
	MaxRetries       int           `yaml:"max_retries"`
	BaseBackoff      time.Duration `yaml:"base_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	AttemptTimeout   time.Duration `yaml:"attempt_timeout"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	TickInterval     time.Duration `yaml:"tick_interval"`
	ObserveTimeout   time.Duration `yaml:"observe_timeout"`
	ApplyTimeout     time.Duration `yaml:"apply_timeout"`
	DefaultObjective string        `yaml:"default_objective"`
	Breaker          Breaker       `yaml:"breaker"`
}

// Breaker holds circuit breaker configuration.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Display holds remote browser access settings.
type Display struct {
	Driver  string `yaml:"driver"`   // "none" | "playwright"
	CDPPort int    `yaml:"cdp_port"` // remote debugging port inside the container
	CDPHost string `yaml:"cdp_host"` // overrides the container name as CDP host
}

// Store holds session archive settings.
type Store struct {
	Driver          string        `yaml:"driver"` // "memory" | "sqlite" | "postgres"
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	HealthCheck     time.Duration `yaml:"health_check"`
}

// NATS holds NATS JetStream configuration.
type NATS struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// Cache holds the L1/L2 cache configuration backing idempotency replay.
type Cache struct {
	L1MaxSizeMB int64         `yaml:"l1_max_size_mb"`
	L2Bucket    string        `yaml:"l2_bucket"`
	L2TTL       time.Duration `yaml:"l2_ttl"`
}

// Idempotency holds Idempotency-Key middleware settings.
type Idempotency struct {
	Enabled bool          `yaml:"enabled"`
	TTL     time.Duration `yaml:"ttl"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Async   bool   `yaml:"async"`
}

// OTEL holds OpenTelemetry export configuration.
type OTEL struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	Insecure    bool    `yaml:"insecure"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:       "5000",
			CORSOrigin: "http://localhost:3000",
			PublicHost: "localhost",
		},
		Orchestrator: Orchestrator{
			MaxSessions:         5,
			TerminateOnShutdown: true,
		},
		Ports: Ports{
			Display: PortRange{Start: 5901, End: 5910},
			Web:     PortRange{Start: 6901, End: 6910},
		},
		Container: Container{
			DockerBinary:       "docker",
			Image:              "consol/rocky-xfce-vnc",
			Network:            "agent-network",
			AccessPassword:     "vncpassword",
			Resolution:         "1280x800",
			MaxConcurrentCalls: 4,
			ProvisionTimeout:   2 * time.Minute,
			StartTimeout:       30 * time.Second,
			PauseTimeout:       15 * time.Second,
			TerminateTimeout:   30 * time.Second,
			StopGrace:          5 * time.Second,
		},
		Reconcile: Reconcile{
			Interval:  10 * time.Second,
			Retention: time.Hour,
		},
		AI: AI{
			Connector:        "openai",
			Model:            "gpt-4o-mini",
			MaxTokens:        1024,
			MaxRetries:       3,
			BaseBackoff:      time.Second,
			MaxBackoff:       8 * time.Second,
			AttemptTimeout:   30 * time.Second,
			CallTimeout:      90 * time.Second,
			TickInterval:     time.Second,
			ObserveTimeout:   10 * time.Second,
			ApplyTimeout:     30 * time.Second,
			DefaultObjective: "Browse the web and summarize content",
			Breaker: Breaker{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
			},
		},
		Display: Display{
			Driver:  "none",
			CDPPort: 9222,
		},
		Store: Store{
			Driver:          "memory",
			MaxConns:        5,
			MinConns:        1,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 10 * time.Minute,
			HealthCheck:     time.Minute,
		},
		NATS: NATS{
			URL: "nats://localhost:4222",
		},
		Cache: Cache{
			L1MaxSizeMB: 16,
			L2Bucket:    "AGENTDESK_IDEMPOTENCY",
			L2TTL:       24 * time.Hour,
		},
		Idempotency: Idempotency{
			Enabled: true,
			TTL:     24 * time.Hour,
		},
		Logging: Logging{
			Level:   "info",
			Service: "agentdesk",
		},
		OTEL: OTEL{
			Endpoint:    "localhost:4317",
			ServiceName: "agentdesk",
			Insecure:    true,
			SampleRate:  1.0,
		},
	}
}
