package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Worker       WorkerConfig       `yaml:"worker"`
	Events       EventsConfig       `yaml:"events"`
	Retention    RetentionConfig    `yaml:"retention"`
	Logging      LoggingConfig      `yaml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Tracing      TracingConfig      `yaml:"tracing"`
	Security     SecurityConfig     `yaml:"security"`
	TLS          TLSConfig          `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
	PublicURL       string        `yaml:"public_url"` // Base URL the worker uses for callbacks
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver"` // "postgres" or "sqlite"
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// OrchestratorConfig bounds admission and drives the timeout sweep.
type OrchestratorConfig struct {
	MaxConcurrent   int           `yaml:"max_concurrent"`
	MaxRunDuration  time.Duration `yaml:"max_run_duration"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	SweepBatch      int           `yaml:"sweep_batch"`
}

type WorkerConfig struct {
	URL         string        `yaml:"url"`
	APIKey      string        `yaml:"api_key"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
	RetryBase   time.Duration `yaml:"retry_base"`
	QueueSize   int           `yaml:"queue_size"`
	Concurrency int           `yaml:"concurrency"`
}

type EventsConfig struct {
	Backend       string        `yaml:"backend"` // "memory" or "nats"
	NATSURL       string        `yaml:"nats_url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	BufferSize    int           `yaml:"buffer_size"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

type RetentionConfig struct {
	Enabled    bool          `yaml:"enabled"`
	DaysToKeep int           `yaml:"days_to_keep"`
	Interval   time.Duration `yaml:"interval"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // "console" or "json"
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	Sample      float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	AllowedKeys          []string `yaml:"allowed_keys"`
	AllowUnauthenticated bool     `yaml:"allow_unauthenticated"`
	RateLimitRPS         float64  `yaml:"rate_limit_rps"`
	RateLimitBurst       int      `yaml:"rate_limit_burst"`
	AllowedOrigins       []string `yaml:"allowed_origins"` // WebSocket origin patterns
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  4 << 20, // step results can carry result_data blobs
			PublicURL:       "http://localhost:8080",
		},
		Database: DatabaseConfig{
			Driver:          "sqlite",
			DSN:             "data/orchestrator.db",
			MaxConns:        25,
			MinConns:        2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrent:   3,
			MaxRunDuration:  30 * time.Minute,
			DispatchTimeout: 5 * time.Minute,
			SweepInterval:   30 * time.Second,
			SweepBatch:      100,
		},
		Worker: WorkerConfig{
			URL:         "http://localhost:3001",
			Timeout:     15 * time.Second,
			MaxRetries:  3,
			RetryBase:   200 * time.Millisecond,
			QueueSize:   1000,
			Concurrency: 4,
		},
		Events: EventsConfig{
			Backend:       "memory",
			SubjectPrefix: "orchestrator.executions",
			BufferSize:    64,
			Heartbeat:     15 * time.Second,
		},
		Retention: RetentionConfig{
			Enabled:    true,
			DaysToKeep: 90,
			Interval:   24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "browser-test-orchestrator",
			Sample:      0.1,
		},
		Security: SecurityConfig{
			AllowUnauthenticated: true,
			RateLimitRPS:         100,
			RateLimitBurst:       200,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// ApplyEnv overrides selected values from the environment.
func (c *Config) ApplyEnv() {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		} else {
			log.Warn().Str("port", port).Msg("ignoring non-numeric PORT")
		}
	}
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("WORKER_URL"); v != "" {
		c.Worker.URL = v
	}
	if v := os.Getenv("WORKER_API_KEY"); v != "" {
		c.Worker.APIKey = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.Events.NATSURL = v
		c.Events.Backend = "nats"
	}
	if v := os.Getenv("PUBLIC_URL"); v != "" {
		c.Server.PublicURL = v
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Orchestrator.MaxConcurrent < 1 {
		return fmt.Errorf("orchestrator.max_concurrent must be >= 1")
	}
	if c.Orchestrator.MaxRunDuration <= 0 || c.Orchestrator.DispatchTimeout <= 0 {
		return fmt.Errorf("orchestrator.max_run_duration and dispatch_timeout must be positive")
	}
	if c.Orchestrator.SweepInterval <= 0 {
		return fmt.Errorf("orchestrator.sweep_interval must be positive")
	}
	if c.Worker.URL == "" {
		return fmt.Errorf("worker.url is required")
	}
	if c.Worker.MaxRetries < 0 {
		return fmt.Errorf("worker.max_retries must be >= 0")
	}
	switch c.Events.Backend {
	case "memory":
	case "nats":
		if c.Events.NATSURL == "" {
			return fmt.Errorf("events.nats_url is required when events.backend is nats")
		}
	default:
		return fmt.Errorf("events.backend must be memory or nats, got %q", c.Events.Backend)
	}
	if c.Retention.DaysToKeep < 1 {
		return fmt.Errorf("retention.days_to_keep must be >= 1")
	}
	if c.Retention.Enabled && c.Retention.Interval <= 0 {
		return fmt.Errorf("retention.interval must be positive when retention is enabled")
	}
	if c.Tracing.Sample < 0 || c.Tracing.Sample > 1 {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.Driver == "postgres" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable, connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
