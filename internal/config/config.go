// Package config provides configuration loading for the MCP server core.
//
// Configuration is loaded from a YAML file with environment variable
// overrides, following the same precedence and validation rules across
// every deployment of the core: environment variables win over file
// values, which win over hardcoded defaults.
package config

import (
	"fmt"
	"time"
)

// Config holds the complete configuration for an MCP server built on the core.
type Config struct {
	Production    ProductionConfig
	Server        ServerConfig
	Session       SessionConfig
	Events        EventsConfig
	Tasks         TasksConfig
	Storage       StorageConfig
	Observability ObservabilityConfig
	Lifecycle     LifecycleConfig
}

// ServerConfig holds the Streamable-HTTP transport's listen configuration.
type ServerConfig struct {
	Port            int      `koanf:"http_port"`
	BasePath        string   `koanf:"base_path"` // default "/mcp"
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// SessionConfig holds session manager defaults (spec.md §4.B, §5).
type SessionConfig struct {
	// TTL is how long a session may be idle before the sweeper expires it.
	TTL Duration `koanf:"ttl"`
	// SweepInterval is how often the background sweeper runs.
	SweepInterval Duration `koanf:"sweep_interval"`
	// AllowUnauthenticatedPing permits ping without a session (spec.md §6).
	AllowUnauthenticatedPing bool `koanf:"allow_unauthenticated_ping"`
}

// EventsConfig holds SSE event-log retention (spec.md §3, §5).
type EventsConfig struct {
	TTL             Duration `koanf:"ttl"`
	KeepAliveInterval Duration `koanf:"keep_alive_interval"`
	SubscriberBuffer  int      `koanf:"subscriber_buffer"`
}

// TasksConfig holds task-subsystem defaults (spec.md §4.H, §5).
type TasksConfig struct {
	TTL              Duration `koanf:"ttl"`
	PollInterval     Duration `koanf:"poll_interval"`
	RecoveryMaxAge   Duration `koanf:"recovery_max_age"`
	RecoveryInterval Duration `koanf:"recovery_interval"`
}

// LifecycleConfig controls protocol state machine strictness (spec.md §4.D).
type LifecycleConfig struct {
	// Strict rejects operational methods before the session is Operational.
	// When false (lenient), a warning is logged and the call proceeds.
	Strict bool `koanf:"strict"`
}

// StorageConfig selects and configures the backend for sessions/events/tasks.
type StorageConfig struct {
	// Backend is one of "memory", "postgres", "dynamokv".
	Backend  string         `koanf:"backend"`
	Postgres PostgresConfig `koanf:"postgres"`
	DynamoKV DynamoKVConfig `koanf:"dynamokv"`
}

// PostgresConfig configures the SQL storage backend.
type PostgresConfig struct {
	DSN             Secret `koanf:"dsn"`
	MigrationsPath  string `koanf:"migrations_path"`
	MaxConns        int32  `koanf:"max_conns"`
}

// DynamoKVConfig configures the wide-column cloud KV storage backend.
type DynamoKVConfig struct {
	Region           string `koanf:"region"`
	Endpoint         string `koanf:"endpoint"` // non-empty to target a local DynamoDB-compatible endpoint
	SessionsTable    string `koanf:"sessions_table"`
	EventsTable      string `koanf:"events_table"`
	TasksTable       string `koanf:"tasks_table"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	OTLPEndpoint    string `koanf:"otlp_endpoint"`
	OTLPInsecure    bool   `koanf:"otlp_insecure"`
}

// ProductionConfig mirrors the production/local-mode guard rails the teacher
// repo applies uniformly regardless of which features are enabled.
type ProductionConfig struct {
	Enabled               bool `koanf:"enabled"`
	LocalModeAcknowledged bool `koanf:"local_mode_acknowledged"`
	RequireAuthentication bool `koanf:"require_authentication"`
	RequireTLS            bool `koanf:"require_tls"`
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.http_port must be between 1 and 65535, got %d", c.Server.Port)
	}
	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if !c.Storage.Postgres.DSN.IsSet() {
			return fmt.Errorf("storage.postgres.dsn is required when storage.backend=postgres")
		}
	case "dynamokv":
		if c.Storage.DynamoKV.SessionsTable == "" || c.Storage.DynamoKV.EventsTable == "" || c.Storage.DynamoKV.TasksTable == "" {
			return fmt.Errorf("storage.dynamokv requires sessions_table, events_table, and tasks_table")
		}
	default:
		return fmt.Errorf("unsupported storage.backend %q (supported: memory, postgres, dynamokv)", c.Storage.Backend)
	}
	if c.Production.Enabled && !c.Production.LocalModeAcknowledged {
		if c.Storage.Backend == "memory" {
			return fmt.Errorf("production mode requires a durable storage backend (memory backend loses state across restarts)")
		}
	}
	return nil
}

// DefaultConfig returns sensible development defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			BasePath:        "/mcp",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Session: SessionConfig{
			TTL:                      Duration(30 * time.Minute),
			SweepInterval:            Duration(60 * time.Second),
			AllowUnauthenticatedPing: true,
		},
		Events: EventsConfig{
			TTL:               Duration(5 * time.Minute),
			KeepAliveInterval: Duration(15 * time.Second),
			SubscriberBuffer:  64,
		},
		Tasks: TasksConfig{
			TTL:              Duration(time.Hour),
			PollInterval:     Duration(2 * time.Second),
			RecoveryMaxAge:   Duration(5 * time.Minute),
			RecoveryInterval: Duration(5 * time.Minute),
		},
		Storage: StorageConfig{
			Backend: "memory",
		},
		Observability: ObservabilityConfig{
			ServiceName: "mcpcore",
		},
		Lifecycle: LifecycleConfig{
			Strict: true,
		},
	}
}
