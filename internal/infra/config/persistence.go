package config

import (
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
)

// StorageConfig selects and configures the key storage backend.
type StorageConfig struct {
	Backend        string               `mapstructure:"backend"   validate:"required,oneof=postgres sqlite memory"`
	Namespace      string               `mapstructure:"namespace" validate:"omitempty,namespace"`
	Postgres       PostgresConfig       `mapstructure:"postgres"`
	SQLite         SQLiteConfig         `mapstructure:"sqlite"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// PostgresConfig represents the database connection pool configuration.
type PostgresConfig struct {
	URL               string        `mapstructure:"url" validate:"omitempty,url"`
	MaxConns          int32         `mapstructure:"max_conns"`
	MinConns          int32         `mapstructure:"min_conns"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `mapstructure:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// CircuitBreakerConfig holds settings for the storage circuit breaker.
type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	MaxFailures  int           `mapstructure:"max_failures"  validate:"required_if=Enabled true,omitempty,gte=1"`
	ResetTimeout time.Duration `mapstructure:"reset_timeout"`
}

// validateStorage checks the settings the selected backend needs.
func validateStorage(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(StorageConfig)
	switch cfg.Backend {
	case BackendPostgres:
		if cfg.Postgres.URL == "" {
			sl.ReportError(cfg.Postgres.URL, "URL", "url", "required_with_backend", BackendPostgres)
		}
	case BackendSQLite:
		if cfg.SQLite.Path == "" {
			sl.ReportError(cfg.SQLite.Path, "Path", "path", "required_with_backend", BackendSQLite)
		}
		if cfg.Namespace != "" {
			sl.ReportError(cfg.Namespace, "Namespace", "namespace", "unsupported_with_backend", BackendSQLite)
		}
	}
}
