// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	PoolSize int    `yaml:"pool_size"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"` // shared cache tier TTL
}

// ProviderConfig describes one upstream model provider candidate.
type ProviderConfig struct {
	Name            string `yaml:"name"` // openai | gemini | noop
	APIKey          string `yaml:"api_key"`
	BaseURL         string `yaml:"base_url"`
	Model           string `yaml:"model"`
	CostPer1KMicros int64  `yaml:"cost_per_1k_micros"`
}

type GatewayConfig struct {
	Providers        []ProviderConfig `yaml:"providers"` // fallback order unless the policy reorders
	BreakerThreshold int              `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration    `yaml:"breaker_cooldown"`
	CallTimeout      time.Duration    `yaml:"call_timeout"`
	MaxOutputTokens  int              `yaml:"max_output_tokens"`
	MaxConcurrent    int              `yaml:"max_concurrent"` // in-flight calls per provider
}

type CacheConfig struct {
	MemoryCapacity int           `yaml:"memory_capacity"`
	MemoryTTL      time.Duration `yaml:"memory_ttl"`
	RedisTTL       time.Duration `yaml:"redis_ttl"`
	SQLitePath     string        `yaml:"sqlite_path"`
	SQLiteTTL      time.Duration `yaml:"sqlite_ttl"`
}

type SchedulerConfig struct {
	Workers           int           `yaml:"workers"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	ClaimLimit        int           `yaml:"claim_limit"`
	Lease             time.Duration `yaml:"lease"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MaxAttempts       int           `yaml:"max_attempts"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffCap        time.Duration `yaml:"backoff_cap"`
	JobBudget         time.Duration `yaml:"job_budget"` // wall-clock across all attempts
	ReclaimInterval   time.Duration `yaml:"reclaim_interval"`
}

type FanoutConfig struct {
	SubscriberBuffer  int           `yaml:"subscriber_buffer"`
	WebhookSecret     string        `yaml:"webhook_secret"`
	WebhookMaxRetries int           `yaml:"webhook_max_retries"`
	WebhookBackoff    time.Duration `yaml:"webhook_backoff"`
	WebhookTimeout    time.Duration `yaml:"webhook_timeout"`
	RetainEvents      int           `yaml:"retain_events"` // per-session replay window
	RetentionInterval time.Duration `yaml:"retention_interval"`
}

type IntentConfig struct {
	ParserURL string        `yaml:"parser_url"`
	Timeout   time.Duration `yaml:"timeout"`
}

type APIConfig struct {
	Port       int           `yaml:"port"`
	JWTSecret  string        `yaml:"jwt_secret"`
	TokenTTL   time.Duration `yaml:"token_ttl"`
	RateLimit  int           `yaml:"rate_limit"` // requests per window per caller
	RateWindow time.Duration `yaml:"rate_window"`
}

type Config struct {
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Cache     CacheConfig     `yaml:"cache"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Fanout    FanoutConfig    `yaml:"fanout"`
	Intent    IntentConfig    `yaml:"intent"`
	API       APIConfig       `yaml:"api"`

	Runtime RuntimeConfig `yaml:"-"`
}

func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// defaults
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Database.PoolSize <= 0 {
		cfg.Database.PoolSize = 10
	}
	cfg.Redis.TTL = normalizeTTL(cfg.Redis.TTL, time.Hour)

	if cfg.Gateway.BreakerThreshold <= 0 {
		cfg.Gateway.BreakerThreshold = 5
	}
	cfg.Gateway.BreakerCooldown = normalizeTTL(cfg.Gateway.BreakerCooldown, 30*time.Second)
	cfg.Gateway.CallTimeout = normalizeTTL(cfg.Gateway.CallTimeout, 60*time.Second)
	if cfg.Gateway.MaxOutputTokens <= 0 {
		cfg.Gateway.MaxOutputTokens = 4096
	}
	if cfg.Gateway.MaxConcurrent <= 0 {
		cfg.Gateway.MaxConcurrent = 8
	}

	if cfg.Cache.MemoryCapacity <= 0 {
		cfg.Cache.MemoryCapacity = 512
	}
	cfg.Cache.MemoryTTL = normalizeTTL(cfg.Cache.MemoryTTL, 5*time.Minute)
	cfg.Cache.RedisTTL = normalizeTTL(cfg.Cache.RedisTTL, time.Hour)
	cfg.Cache.SQLiteTTL = normalizeTTL(cfg.Cache.SQLiteTTL, 7*24*time.Hour)
	if cfg.Cache.SQLitePath == "" {
		cfg.Cache.SQLitePath = "data/result_cache.db"
	}

	if cfg.Scheduler.Workers <= 0 {
		cfg.Scheduler.Workers = 8
	}
	cfg.Scheduler.PollInterval = normalizeTTL(cfg.Scheduler.PollInterval, 500*time.Millisecond)
	if cfg.Scheduler.ClaimLimit <= 0 {
		cfg.Scheduler.ClaimLimit = 4
	}
	cfg.Scheduler.Lease = normalizeTTL(cfg.Scheduler.Lease, 2*time.Minute)
	cfg.Scheduler.HeartbeatInterval = normalizeTTL(cfg.Scheduler.HeartbeatInterval, 30*time.Second)
	if cfg.Scheduler.MaxAttempts <= 0 {
		cfg.Scheduler.MaxAttempts = 3
	}
	cfg.Scheduler.BackoffBase = normalizeTTL(cfg.Scheduler.BackoffBase, 2*time.Second)
	cfg.Scheduler.BackoffCap = normalizeTTL(cfg.Scheduler.BackoffCap, time.Minute)
	cfg.Scheduler.JobBudget = normalizeTTL(cfg.Scheduler.JobBudget, 15*time.Minute)
	cfg.Scheduler.ReclaimInterval = normalizeTTL(cfg.Scheduler.ReclaimInterval, time.Minute)

	if cfg.Fanout.SubscriberBuffer <= 0 {
		cfg.Fanout.SubscriberBuffer = 64
	}
	if cfg.Fanout.WebhookMaxRetries <= 0 {
		cfg.Fanout.WebhookMaxRetries = 5
	}
	cfg.Fanout.WebhookBackoff = normalizeTTL(cfg.Fanout.WebhookBackoff, 2*time.Second)
	cfg.Fanout.WebhookTimeout = normalizeTTL(cfg.Fanout.WebhookTimeout, 10*time.Second)
	if cfg.Fanout.RetainEvents <= 0 {
		cfg.Fanout.RetainEvents = 1000
	}
	cfg.Fanout.RetentionInterval = normalizeTTL(cfg.Fanout.RetentionInterval, 10*time.Minute)

	cfg.Intent.Timeout = normalizeTTL(cfg.Intent.Timeout, 30*time.Second)

	if cfg.API.Port == 0 {
		cfg.API.Port = 8080
	}
	cfg.API.TokenTTL = normalizeTTL(cfg.API.TokenTTL, 30*time.Minute)
	if cfg.API.RateLimit <= 0 {
		cfg.API.RateLimit = 60
	}
	cfg.API.RateWindow = normalizeTTL(cfg.API.RateWindow, time.Minute)

	// Minimal validation
	if cfg.Database.URL == "" {
		return nil, errors.New("database.url is required")
	}
	if cfg.Redis.URL == "" {
		return nil, errors.New("redis.url is required")
	}
	if len(cfg.Gateway.Providers) == 0 {
		return nil, errors.New("gateway.providers must list at least one provider")
	}
	for i, p := range cfg.Gateway.Providers {
		if p.Name == "" {
			return nil, fmt.Errorf("gateway.providers[%d].name is required", i)
		}
	}

	cfg.Runtime.Dev = dev
	return &cfg, nil
}

func normalizeTTL(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
