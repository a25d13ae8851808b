package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the enrichd server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Jobs      JobsConfig
	Transform TransformConfig
	Embed     EmbedConfig
	Breaker   BreakerConfig
	Retry     RetryConfig
	Enrich    EnrichConfig
}

type ServerConfig struct {
	Port            int
	Env             string
	RateLimitPerMin int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// JobsConfig controls job retention and the worker pool.
type JobsConfig struct {
	TTL             time.Duration
	DedupeTTL       time.Duration
	Concurrency     int
	QueuePopTimeout time.Duration
}

// TransformConfig describes the external transformer subprocess.
type TransformConfig struct {
	Bin        string
	Script     string
	Timeout    time.Duration
	RetryLimit int
	Testing    bool
}

// EmbedConfig describes the external embedding service.
type EmbedConfig struct {
	Enabled      bool
	BaseURL      string
	APIToken     string
	TenantHeader string
	Timeout      time.Duration
	RetryLimit   int
}

// BreakerConfig is shared by the transformer and embedding breakers.
type BreakerConfig struct {
	Threshold int
	Cooldown  time.Duration
}

// RetryConfig is the shared exponential backoff policy.
type RetryConfig struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// EnrichConfig controls the facade's synchronous-wait and submit behavior.
type EnrichConfig struct {
	SyncTimeout   time.Duration
	PollInterval  time.Duration
	SubmitRetries int
}

// Load reads configuration from environment variables and returns a validated
// Config. Returns an error with a descriptive message if any required value
// is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            envInt("ENRICH_PORT", 8080),
			Env:             envString("ENRICH_ENV", "development"),
			RateLimitPerMin: envInt("RATE_LIMIT_PER_MIN", 60),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Jobs: JobsConfig{
			TTL:             envDuration("JOB_TTL", 24*time.Hour),
			DedupeTTL:       envDuration("DEDUPE_TTL", 10*time.Minute),
			Concurrency:     envInt("WORKER_CONCURRENCY", 4),
			QueuePopTimeout: envDuration("QUEUE_POP_TIMEOUT", 2*time.Second),
		},
		Transform: TransformConfig{
			Bin:        envString("TRANSFORM_BIN", "python3"),
			Script:     os.Getenv("TRANSFORM_SCRIPT"),
			Timeout:    envDuration("TRANSFORM_TIMEOUT", 120*time.Second),
			RetryLimit: envInt("TRANSFORM_RETRY_LIMIT", 2),
			Testing:    envBool("TRANSFORM_TESTING", false),
		},
		Embed: EmbedConfig{
			Enabled:      envBool("EMBED_ENABLED", true),
			BaseURL:      os.Getenv("EMBED_BASE_URL"),
			APIToken:     os.Getenv("EMBED_API_TOKEN"),
			TenantHeader: envString("EMBED_TENANT_HEADER", "X-Tenant-ID"),
			Timeout:      envDuration("EMBED_TIMEOUT", 10*time.Second),
			RetryLimit:   envInt("EMBED_RETRY_LIMIT", 2),
		},
		Breaker: BreakerConfig{
			Threshold: envInt("BREAKER_THRESHOLD", 3),
			Cooldown:  envDuration("BREAKER_COOLDOWN", 30*time.Second),
		},
		Retry: RetryConfig{
			BaseDelay: envDuration("RETRY_BASE_DELAY", 500*time.Millisecond),
			MaxDelay:  envDuration("RETRY_MAX_DELAY", 8*time.Second),
		},
		Enrich: EnrichConfig{
			SyncTimeout:   envDuration("ENRICH_SYNC_TIMEOUT", 25*time.Second),
			PollInterval:  envDuration("ENRICH_POLL_INTERVAL", 250*time.Millisecond),
			SubmitRetries: envInt("ENRICH_SUBMIT_RETRIES", 0),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Transform.Script == "" {
		return fmt.Errorf("TRANSFORM_SCRIPT is required")
	}

	if c.Jobs.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.Jobs.Concurrency)
	}

	if c.Breaker.Threshold < 1 {
		return fmt.Errorf("BREAKER_THRESHOLD must be at least 1, got %d", c.Breaker.Threshold)
	}

	if c.Embed.Enabled {
		if c.Embed.BaseURL == "" {
			return fmt.Errorf("EMBED_BASE_URL is required when EMBED_ENABLED is true")
		}
		if !strings.HasPrefix(c.Embed.BaseURL, "http://") && !strings.HasPrefix(c.Embed.BaseURL, "https://") {
			return fmt.Errorf("EMBED_BASE_URL must start with http:// or https://, got %q", c.Embed.BaseURL)
		}
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
