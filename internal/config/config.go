package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the orchestrator configuration, loaded from YAML with
// environment overrides.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Session   SessionConfig   `mapstructure:"session"`
	Workflow  WorkflowConfig  `mapstructure:"workflow"`
	Invoker   InvokerConfig   `mapstructure:"invoker"`
	Breaker   BreakerConfig   `mapstructure:"circuit_breaker"`
	Streaming StreamingConfig `mapstructure:"streaming"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// ServiceConfig contains HTTP server settings.
type ServiceConfig struct {
	Port            int           `mapstructure:"port"`
	MetricsPort     int           `mapstructure:"metrics_port"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
}

// LoggingConfig contains zap settings.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	Encoding    string `mapstructure:"encoding"` // "json" or "console"
}

// RedisConfig contains session store settings.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// DatabaseConfig contains audit archive settings.
type DatabaseConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	DSN       string `mapstructure:"dsn"`
	QueueSize int    `mapstructure:"queue_size"`
	Workers   int    `mapstructure:"workers"`
}

// SessionConfig contains session lifecycle settings.
type SessionConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// WorkflowConfig contains compliance run behavior.
type WorkflowConfig struct {
	MaxHITLRounds         int           `mapstructure:"max_hitl_rounds"`
	HumanResponseDeadline time.Duration `mapstructure:"human_response_deadline"`
}

// InvokerConfig contains per-attempt supervision settings.
type InvokerConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffCap     time.Duration `mapstructure:"backoff_cap"`
}

// BreakerConfig contains circuit breaker defaults shared by all capabilities.
type BreakerConfig struct {
	MaxRequests      uint32        `mapstructure:"max_requests"`
	Interval         time.Duration `mapstructure:"interval"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	SuccessThreshold uint32        `mapstructure:"success_threshold"`
}

// StreamingConfig contains event fanout settings.
type StreamingConfig struct {
	RingCapacity     int `mapstructure:"ring_capacity"`
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
}

// RateLimitConfig contains intake throttling settings.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// Load reads configuration from path, or from CONFIG_PATH when path is
// empty. A missing file is not an error; defaults and env overrides apply.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "config/orchestrator.yaml"
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("COMPLIANCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values that would break the run loop.
func (c *Config) Validate() error {
	if c.Workflow.MaxHITLRounds < 1 {
		return fmt.Errorf("workflow.max_hitl_rounds must be >= 1, got %d", c.Workflow.MaxHITLRounds)
	}
	if c.Workflow.HumanResponseDeadline <= 0 {
		return fmt.Errorf("workflow.human_response_deadline must be positive")
	}
	if c.Invoker.MaxRetries < 0 {
		return fmt.Errorf("invoker.max_retries must be >= 0, got %d", c.Invoker.MaxRetries)
	}
	if c.Invoker.DefaultTimeout <= 0 {
		return fmt.Errorf("invoker.default_timeout must be positive")
	}
	if c.Breaker.FailureThreshold == 0 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be >= 1")
	}
	if c.Service.Port <= 0 || c.Service.Port > 65535 {
		return fmt.Errorf("service.port out of range: %d", c.Service.Port)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.port", 8081)
	v.SetDefault("service.metrics_port", 2112)
	v.SetDefault("service.graceful_timeout", 15*time.Second)
	v.SetDefault("service.read_timeout", 30*time.Second)
	v.SetDefault("service.write_timeout", 30*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.encoding", "json")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 24*time.Hour)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.queue_size", 1000)
	v.SetDefault("database.workers", 2)

	v.SetDefault("session.ttl", 24*time.Hour)
	v.SetDefault("session.cleanup_interval", 5*time.Minute)

	v.SetDefault("workflow.max_hitl_rounds", 3)
	v.SetDefault("workflow.human_response_deadline", 30*time.Minute)

	v.SetDefault("invoker.default_timeout", 30*time.Second)
	v.SetDefault("invoker.max_retries", 2)
	v.SetDefault("invoker.backoff_base", 100*time.Millisecond)
	v.SetDefault("invoker.backoff_cap", 5*time.Second)

	v.SetDefault("circuit_breaker.max_requests", 1)
	v.SetDefault("circuit_breaker.interval", 60*time.Second)
	v.SetDefault("circuit_breaker.cooldown", 30*time.Second)
	v.SetDefault("circuit_breaker.failure_threshold", 5)
	v.SetDefault("circuit_breaker.success_threshold", 1)

	v.SetDefault("streaming.ring_capacity", 256)
	v.SetDefault("streaming.subscriber_buffer", 64)

	v.SetDefault("rate_limit.rps", 10.0)
	v.SetDefault("rate_limit.burst", 20)
}
