// Package config provides configuration loading for the ops-core service.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. OPSCORE_REDIS_URL.
const EnvPrefix = "OPSCORE"

// Config holds all configuration for the ops-core service.
type Config struct {
	// Server configuration
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration

	// Storage configuration
	StorageBackend string // "memory" or "redis"
	RedisURL       string
	RedisPassword  string
	RedisDB        int
	RedisPrefix    string

	// Dispatch configuration
	DispatchTransport       string // "http" or "nats"
	NATSURL                 string
	NATSSubjectPrefix       string
	DispatchTimeout         time.Duration
	MaxConcurrentDispatches int
	MaxDispatchRate         float64
	SenderID                string

	// Retry configuration
	DefaultMaxRetries   int
	RetryBackoffInitial time.Duration
	RetryBackoffMax     time.Duration
	BusyRequeueDelay    time.Duration
	PollInterval        time.Duration

	// CORS configuration
	CORSOrigins []string

	// Rate limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// Tracing
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// Logging
	LogLevel  string
	LogFormat string
}

var defaults = map[string]any{
	"port":           "7070",
	"read_timeout":   30 * time.Second,
	"write_timeout":  30 * time.Second,
	"shutdown_grace": 10 * time.Second,

	"storage_backend": "memory",
	"redis_url":       "redis://localhost:6379",
	"redis_password":  "",
	"redis_db":        0,
	"redis_prefix":    "opscore",

	"dispatch_transport":        "http",
	"nats_url":                  "nats://localhost:4222",
	"nats_subject_prefix":       "task.assigned",
	"dispatch_timeout":          30 * time.Second,
	"max_concurrent_dispatches": 16,
	"max_dispatch_rate":         50.0,
	"sender_id":                 "ops-core",

	"default_max_retries":   3,
	"retry_backoff_initial": time.Second,
	"retry_backoff_max":     time.Minute,
	"busy_requeue_delay":    2 * time.Second,
	"poll_interval":         500 * time.Millisecond,

	"cors_origins": "http://localhost:5173,http://localhost:3000",

	"rate_limit_rps":   100.0,
	"rate_limit_burst": 200,

	"tracing_enabled":     false,
	"otlp_endpoint":       "localhost:4317",
	"tracing_sample_rate": 1.0,

	"log_level":  "info",
	"log_format": "json",
}

// Load reads configuration from OPSCORE_* environment variables, an optional
// config file named by OPSCORE_CONFIG, and built-in defaults, in that order of
// precedence.
func Load() (*Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	for key, val := range defaults {
		v.SetDefault(key, val)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		Port:          v.GetString("port"),
		ReadTimeout:   v.GetDuration("read_timeout"),
		WriteTimeout:  v.GetDuration("write_timeout"),
		ShutdownGrace: v.GetDuration("shutdown_grace"),

		StorageBackend: strings.ToLower(v.GetString("storage_backend")),
		RedisURL:       v.GetString("redis_url"),
		RedisPassword:  v.GetString("redis_password"),
		RedisDB:        v.GetInt("redis_db"),
		RedisPrefix:    v.GetString("redis_prefix"),

		DispatchTransport:       strings.ToLower(v.GetString("dispatch_transport")),
		NATSURL:                 v.GetString("nats_url"),
		NATSSubjectPrefix:       v.GetString("nats_subject_prefix"),
		DispatchTimeout:         v.GetDuration("dispatch_timeout"),
		MaxConcurrentDispatches: v.GetInt("max_concurrent_dispatches"),
		MaxDispatchRate:         v.GetFloat64("max_dispatch_rate"),
		SenderID:                v.GetString("sender_id"),

		DefaultMaxRetries:   v.GetInt("default_max_retries"),
		RetryBackoffInitial: v.GetDuration("retry_backoff_initial"),
		RetryBackoffMax:     v.GetDuration("retry_backoff_max"),
		BusyRequeueDelay:    v.GetDuration("busy_requeue_delay"),
		PollInterval:        v.GetDuration("poll_interval"),

		CORSOrigins: splitList(v.Get("cors_origins")),

		RateLimitRPS:   v.GetFloat64("rate_limit_rps"),
		RateLimitBurst: v.GetInt("rate_limit_burst"),

		TracingEnabled:    v.GetBool("tracing_enabled"),
		OTLPEndpoint:      v.GetString("otlp_endpoint"),
		TracingSampleRate: v.GetFloat64("tracing_sample_rate"),

		LogLevel:  strings.ToLower(v.GetString("log_level")),
		LogFormat: strings.ToLower(v.GetString("log_format")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid storage_backend %q: want memory or redis", c.StorageBackend)
	}
	switch c.DispatchTransport {
	case "http", "nats":
	default:
		return fmt.Errorf("invalid dispatch_transport %q: want http or nats", c.DispatchTransport)
	}
	if c.DefaultMaxRetries < 0 {
		return fmt.Errorf("default_max_retries must be >= 0, got %d", c.DefaultMaxRetries)
	}
	if c.MaxConcurrentDispatches < 0 {
		return fmt.Errorf("max_concurrent_dispatches must be >= 0, got %d", c.MaxConcurrentDispatches)
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		return fmt.Errorf("tracing_sample_rate must be within [0, 1], got %v", c.TracingSampleRate)
	}
	return nil
}

// splitList accepts a comma separated string (env) or a list (config file).
func splitList(raw any) []string {
	var items []string
	switch val := raw.(type) {
	case string:
		items = strings.Split(val, ",")
	case []string:
		items = val
	case []any:
		for _, item := range val {
			items = append(items, fmt.Sprint(item))
		}
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
