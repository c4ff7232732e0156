package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/spounge-ai/keypool/pkg/keypool"
	customvalidator "github.com/spounge-ai/keypool/pkg/validator"
)

const envPrefix = "KEYPOOL"

type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Pool     PoolConfig     `mapstructure:"pool"     validate:"required"`
	Domains  DomainsConfig  `mapstructure:"domains"`
	Storage  StorageConfig  `mapstructure:"storage"  validate:"required"`
	Throttle ThrottleConfig `mapstructure:"throttle"`
	Stats    StatsConfig    `mapstructure:"stats"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"  validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
}

// PoolConfig holds the executor settings shared by every pool.
type PoolConfig struct {
	Limit       int    `mapstructure:"limit"        validate:"required,gte=1"`
	Comment     string `mapstructure:"comment"`
	MaxAttempts int    `mapstructure:"max_attempts" validate:"gte=0"`
	// ErrorActions overrides the default error-code table when set. Keys are
	// upstream error codes.
	ErrorActions map[string]string `mapstructure:"error_actions" validate:"dive,keys,numeric,endkeys,erroraction"`
}

type DomainsConfig struct {
	// Fallbacks maps a domain, or "kind:*" for a whole kind, to the domain
	// tried next when no key matches.
	Fallbacks map[string]string `mapstructure:"fallbacks" validate:"dive,keys,required,endkeys,required"`
}

type ThrottleConfig struct {
	Interval    time.Duration `mapstructure:"interval"    validate:"gte=0"`
	Concurrency int           `mapstructure:"concurrency" validate:"gte=1"`
}

func Load(path string) (*Config, error) {
	vip := viper.New()
	if path != "" {
		vip.SetConfigFile(path)
	} else {
		vip.SetConfigName("keypool")
		vip.AddConfigPath("./configs")
		vip.AddConfigPath(".")
	}

	vip.SetConfigType("yaml")
	vip.SetEnvPrefix(envPrefix)
	vip.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vip.AutomaticEnv()

	setDefaults(vip)

	if err := vip.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := vip.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	validate := validator.New()
	if err := customvalidator.RegisterCustomValidators(validate); err != nil {
		return nil, fmt.Errorf("failed to register custom validators: %w", err)
	}
	validate.RegisterStructValidation(validateStorage, StorageConfig{})

	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it without a
// config file.
func setDefaults(vip *viper.Viper) {
	vip.SetDefault("log.level", "info")
	vip.SetDefault("log.format", "text")

	vip.SetDefault("pool.limit", 100)
	vip.SetDefault("pool.comment", "")
	vip.SetDefault("pool.max_attempts", 25)

	vip.SetDefault("storage.backend", BackendPostgres)
	vip.SetDefault("storage.namespace", "")
	vip.SetDefault("storage.postgres.url", "")
	vip.SetDefault("storage.postgres.max_conns", 10)
	vip.SetDefault("storage.postgres.min_conns", 1)
	vip.SetDefault("storage.postgres.max_conn_lifetime", time.Hour)
	vip.SetDefault("storage.postgres.max_conn_idle_time", 30*time.Minute)
	vip.SetDefault("storage.postgres.health_check_period", time.Minute)
	vip.SetDefault("storage.sqlite.path", "keypool.db")
	vip.SetDefault("storage.circuit_breaker.enabled", false)
	vip.SetDefault("storage.circuit_breaker.max_failures", 5)
	vip.SetDefault("storage.circuit_breaker.reset_timeout", 30*time.Second)

	vip.SetDefault("throttle.interval", 50*time.Millisecond)
	vip.SetDefault("throttle.concurrency", 8)

	vip.SetDefault("stats.enabled", false)
	vip.SetDefault("stats.redis.addr", "localhost:6379")
	vip.SetDefault("stats.redis.password", "")
	vip.SetDefault("stats.redis.db", 0)
	vip.SetDefault("stats.redis.prefix", "keypool")
	vip.SetDefault("stats.redis.ttl", 24*time.Hour)
}

// Actions returns the configured error-code table, or the default table when
// none is configured.
func (p PoolConfig) Actions() (map[int]keypool.ErrorAction, error) {
	if len(p.ErrorActions) == 0 {
		return keypool.DefaultErrorActions(), nil
	}
	actions := make(map[int]keypool.ErrorAction, len(p.ErrorActions))
	for raw, name := range p.ErrorActions {
		code, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid error code %q: %w", raw, err)
		}
		action, err := keypool.ParseErrorAction(name)
		if err != nil {
			return nil, fmt.Errorf("error code %d: %w", code, err)
		}
		actions[code] = action
	}
	return actions, nil
}

// Hierarchy builds the domain fallback forest.
func (d DomainsConfig) Hierarchy() (*keypool.Hierarchy, error) {
	rules := make(map[string]keypool.Domain, len(d.Fallbacks))
	for from, to := range d.Fallbacks {
		rules[from] = keypool.Domain(to)
	}
	return keypool.NewHierarchy(rules)
}
