// Package config centralises runtime configuration helpers for escrowd services.
package config

import (
	"os"
	"strings"
	"time"
)

// Environment identifies the runtime environment where escrowd operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// ServerSettings configures the HTTP API and websocket event feed.
type ServerSettings struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// ResolveToken, when set, is the shared secret required on the transfer
	// outcome endpoints. Empty leaves them open for in-process backends.
	ResolveToken string `yaml:"resolve_token"`
}

// DatabaseSettings configures the postgres event log and snapshot store.
type DatabaseSettings struct {
	URL             string        `yaml:"url"`
	MaxConns        int32         `yaml:"max_conns"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	MigrateOnStart  bool          `yaml:"migrate_on_start"`
	SnapshotEnabled bool          `yaml:"snapshot_enabled"`
}

// SweeperSettings configures the background lost-and-found sweeper.
type SweeperSettings struct {
	Interval       time.Duration `yaml:"interval"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	// SweepsPerSecond rate-limits sweep dispatch across all instances.
	SweepsPerSecond float64 `yaml:"sweeps_per_second"`
}

// TelemetrySettings configures OTLP metric export.
type TelemetrySettings struct {
	Enabled  bool          `yaml:"enabled"`
	Endpoint string        `yaml:"endpoint"`
	Interval time.Duration `yaml:"interval"`
}

// LoggingSettings configures the structured logger.
type LoggingSettings struct {
	Level string `yaml:"level"`
}

// EscrowSettings holds protocol-level defaults applied at instance creation.
type EscrowSettings struct {
	// Salt is deployment-owned entropy folded into every terms fingerprint.
	Salt string `yaml:"salt"`
	// MaxDeadline caps how far in the future an escrow deadline may lie.
	MaxDeadline time.Duration `yaml:"max_deadline"`
}

// Settings contains the escrowd configuration tree loaded from defaults and overrides.
type Settings struct {
	Environment Environment       `yaml:"environment"`
	Server      ServerSettings    `yaml:"server"`
	Database    DatabaseSettings  `yaml:"database"`
	Sweeper     SweeperSettings   `yaml:"sweeper"`
	Telemetry   TelemetrySettings `yaml:"telemetry"`
	Logging     LoggingSettings   `yaml:"logging"`
	Escrow      EscrowSettings    `yaml:"escrow"`
}

// Default returns the default escrowd configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		Server: ServerSettings{
			ListenAddr:      ":8420",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseSettings{
			URL:             "",
			MaxConns:        8,
			ConnectTimeout:  5 * time.Second,
			MigrateOnStart:  false,
			SnapshotEnabled: true,
		},
		Sweeper: SweeperSettings{
			Interval:        30 * time.Second,
			InitialBackoff:  time.Second,
			MaxBackoff:      5 * time.Minute,
			SweepsPerSecond: 10,
		},
		Telemetry: TelemetrySettings{
			Enabled:  false,
			Endpoint: "localhost:4318",
			Interval: 15 * time.Second,
		},
		Logging: LoggingSettings{Level: "info"},
		Escrow: EscrowSettings{
			Salt:        "",
			MaxDeadline: 90 * 24 * time.Hour,
		},
	}
}

// FromEnv loads configuration values from environment variables, overriding defaults.
func FromEnv() Settings {
	return ApplyEnv(Default())
}

// ApplyEnv overlays environment variable overrides onto the base settings.
func ApplyEnv(base Settings) Settings {
	cfg := base
	if env := strings.TrimSpace(os.Getenv("ESCROWD_ENV")); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_LISTEN_ADDR")); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_RESOLVE_TOKEN")); v != "" {
		cfg.Server.ResolveToken = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_DATABASE_URL")); v != "" {
		cfg.Database.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_MIGRATE_ON_START")); v != "" {
		cfg.Database.MigrateOnStart = parseBool(v)
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_SWEEP_INTERVAL")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil && dur > 0 {
			cfg.Sweeper.Interval = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.Endpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_LOG_LEVEL")); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_SALT")); v != "" {
		cfg.Escrow.Salt = v
	}
	return cfg
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Option mutates Settings when applied via Apply.
type Option func(*Settings)

// Apply applies the provided Option set to a copy of the base Settings.
func Apply(base Settings, opts ...Option) Settings {
	cfg := base
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithEnvironment configures the top-level environment.
func WithEnvironment(env Environment) Option {
	return func(s *Settings) {
		if env != "" {
			s.Environment = env
		}
	}
}

// WithListenAddr overrides the HTTP listen address.
func WithListenAddr(addr string) Option {
	addr = strings.TrimSpace(addr)
	return func(s *Settings) {
		if addr != "" {
			s.Server.ListenAddr = addr
		}
	}
}

// WithDatabaseURL overrides the postgres connection string.
func WithDatabaseURL(url string) Option {
	url = strings.TrimSpace(url)
	return func(s *Settings) {
		if url != "" {
			s.Database.URL = url
		}
	}
}

// WithSweepInterval overrides how often the background sweeper runs.
func WithSweepInterval(interval time.Duration) Option {
	return func(s *Settings) {
		if interval > 0 {
			s.Sweeper.Interval = interval
		}
	}
}

// WithTelemetryEndpoint enables OTLP export to the given endpoint.
func WithTelemetryEndpoint(endpoint string) Option {
	endpoint = strings.TrimSpace(endpoint)
	return func(s *Settings) {
		if endpoint != "" {
			s.Telemetry.Enabled = true
			s.Telemetry.Endpoint = endpoint
		}
	}
}

// WithSalt overrides the deployment fingerprint salt.
func WithSalt(salt string) Option {
	return func(s *Settings) {
		s.Escrow.Salt = salt
	}
}
