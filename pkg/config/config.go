// Package config loads apigate application configuration from a YAML file
// and APIGATE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/apigate/pkg/client"
	"github.com/Sternrassler/apigate/pkg/logging"
	"github.com/Sternrassler/apigate/pkg/ratelimit"
	"github.com/Sternrassler/apigate/pkg/requestor"
	"github.com/go-viper/mapstructure/v2"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. APIGATE_RATE_LIMIT_MAX_CALLS.
const EnvPrefix = "APIGATE"

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Cache backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Config is the complete application configuration.
type Config struct {
	BaseURL         string            `mapstructure:"base_url"`
	UserAgent       string            `mapstructure:"user_agent"`
	Headers         map[string]string `mapstructure:"headers"`
	FollowRedirects bool              `mapstructure:"follow_redirects"`
	HTTP2           bool              `mapstructure:"http2"`
	Timeout         time.Duration     `mapstructure:"timeout"`

	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	ErrorBudget ErrorBudgetConfig `mapstructure:"error_budget"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Log         LogConfig         `mapstructure:"log"`
	Server      ServerConfig      `mapstructure:"server"`
	Endpoints   []EndpointConfig  `mapstructure:"endpoints"`
}

// RateLimitConfig configures the outbound gate.
type RateLimitConfig struct {
	MaxCalls       int           `mapstructure:"max_calls"`
	Period         time.Duration `mapstructure:"period"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`

	// At most one of the feedback headers may be set.
	UsedHeader      string `mapstructure:"used_header"`
	RemainingHeader string `mapstructure:"remaining_header"`
}

// ErrorBudgetConfig enables the Redis-shared error budget tracker.
type ErrorBudgetConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	RemainHeader string `mapstructure:"remain_header"`
	ResetHeader  string `mapstructure:"reset_header"`
}

// CacheConfig selects and configures the cache backend.
type CacheConfig struct {
	Backend    string        `mapstructure:"backend"`
	RedisAddr  string        `mapstructure:"redis_addr"`
	RedisDB    int           `mapstructure:"redis_db"`
	SQLitePath string        `mapstructure:"sqlite_path"`
	TTL        time.Duration `mapstructure:"ttl"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// ServerConfig configures the proxy's inbound side.
type ServerConfig struct {
	Addr         string  `mapstructure:"addr"`
	InboundRPS   float64 `mapstructure:"inbound_rps"`
	InboundBurst int     `mapstructure:"inbound_burst"`

	// MaintenanceSchedule is a cron expression for limiter cleanup and cache
	// purging, e.g. "@every 2m".
	MaintenanceSchedule string `mapstructure:"maintenance_schedule"`
}

// EndpointConfig exposes one upstream endpoint through the proxy.
type EndpointConfig struct {
	Name     string   `mapstructure:"name"`
	Path     string   `mapstructure:"path"`
	Required []string `mapstructure:"required"`
	Paged    bool     `mapstructure:"paged"`
}

// Endpoint returns the requestor endpoint.
func (e EndpointConfig) Endpoint() requestor.Endpoint {
	return requestor.Endpoint{Path: e.Path, Required: e.Required}.Normalize()
}

// SetDefaults registers the default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("base_url", "")
	v.SetDefault("user_agent", "apigate/0.1.0")
	v.SetDefault("follow_redirects", true)
	v.SetDefault("http2", true)
	v.SetDefault("timeout", 30*time.Second)

	v.SetDefault("rate_limit.max_calls", 10)
	v.SetDefault("rate_limit.period", time.Second)
	v.SetDefault("rate_limit.max_concurrency", 5)
	v.SetDefault("rate_limit.used_header", "")
	v.SetDefault("rate_limit.remaining_header", "")

	v.SetDefault("error_budget.enabled", false)
	v.SetDefault("error_budget.remain_header", ratelimit.DefaultRemainHeader)
	v.SetDefault("error_budget.reset_header", ratelimit.DefaultResetHeader)

	v.SetDefault("cache.backend", BackendMemory)
	v.SetDefault("cache.redis_addr", "localhost:6379")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.sqlite_path", "apigate-cache.db")
	v.SetDefault("cache.ttl", 5*time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.inbound_rps", 20.0)
	v.SetDefault("server.inbound_burst", 40)
	v.SetDefault("server.maintenance_schedule", "@every 2m")
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file at path (optional) plus environment overrides
// and validates the result.
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for unusable values.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.BaseURL == "" {
		add("base_url is required")
	}
	if c.Timeout < 0 {
		add("timeout must be >= 0")
	}
	if c.RateLimit.MaxCalls <= 0 {
		add("rate_limit.max_calls must be > 0")
	}
	if c.RateLimit.Period <= 0 {
		add("rate_limit.period must be > 0")
	}
	if c.RateLimit.MaxConcurrency < 0 {
		add("rate_limit.max_concurrency must be >= 0")
	}
	if c.RateLimit.UsedHeader != "" && c.RateLimit.RemainingHeader != "" {
		add("rate_limit.used_header and rate_limit.remaining_header are exclusive")
	}

	switch c.Cache.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Cache.RedisAddr == "" {
			add("cache.redis_addr is required for the redis backend")
		}
	case BackendSQLite:
		if c.Cache.SQLitePath == "" {
			add("cache.sqlite_path is required for the sqlite backend")
		}
	default:
		add("cache.backend %q is not one of memory, redis, sqlite", c.Cache.Backend)
	}
	if c.Cache.TTL < 0 {
		add("cache.ttl must be >= 0")
	}
	if c.ErrorBudget.Enabled && c.Cache.RedisAddr == "" {
		add("error_budget needs cache.redis_addr")
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %v", err)
	}

	if c.Server.InboundRPS < 0 || c.Server.InboundBurst < 0 {
		add("server.inbound_rps and server.inbound_burst must be >= 0")
	}
	if c.Server.MaintenanceSchedule != "" {
		if _, err := cron.ParseStandard(c.Server.MaintenanceSchedule); err != nil {
			add("server.maintenance_schedule: %v", err)
		}
	}

	seen := make(map[string]bool)
	for i, ep := range c.Endpoints {
		switch {
		case ep.Name == "":
			add("endpoints[%d].name is required", i)
		case seen[ep.Name]:
			add("endpoints[%d].name %q is duplicated", i, ep.Name)
		}
		seen[ep.Name] = true
		if ep.Path == "" {
			add("endpoints[%d].path is required", i)
		}
	}

	return errors.Join(errs...)
}

// ClientConfig returns the client configuration. The error budget tracker,
// which needs Redis, is attached by the caller.
func (c *Config) ClientConfig() client.Config {
	cfg := client.DefaultConfig(c.BaseURL)
	cfg.UserAgent = c.UserAgent
	for k, v := range c.Headers {
		cfg.Headers[k] = v
	}
	cfg.FollowRedirects = c.FollowRedirects
	cfg.HTTP2 = c.HTTP2
	cfg.Timeout = c.Timeout
	cfg.RateLimit = ratelimit.Config{
		MaxCalls:       c.RateLimit.MaxCalls,
		Period:         c.RateLimit.Period,
		MaxConcurrency: c.RateLimit.MaxConcurrency,
	}

	switch {
	case c.RateLimit.UsedHeader != "":
		cfg.RateLimit.Adjuster = ratelimit.UsedHeader(c.RateLimit.UsedHeader)
	case c.RateLimit.RemainingHeader != "":
		cfg.RateLimit.Adjuster = ratelimit.RemainingHeader(c.RateLimit.RemainingHeader)
	}
	return cfg
}

// LoggingConfig returns the logging configuration.
func (c *Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level, _ = logging.ParseLevel(c.Log.Level)
	cfg.Pretty = c.Log.Pretty
	return cfg
}
