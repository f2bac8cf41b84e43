// Package config loads and validates process configuration.
//
// Configuration comes from environment variables (optionally seeded from a
// .env file by main). Load constructs a single Config value that is passed
// explicitly into every component constructor; there are no module-level
// configuration singletons.
package config

import (
	"encoding/hex"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment names.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config is the umbrella configuration object constructed once at startup.
type Config struct {
	Environment string
	HTTPPort    string

	// Storage
	DatabaseURL string
	KVURL       string

	// Platform webhook contract
	MetaAppSecret string
	IGVerifyToken string

	// ManyChat bridge channel
	ManyChat ManyChatConfig

	// AI provider (OpenAI-compatible)
	LLM LLMConfig

	// Credential encryption key (32 bytes, decoded from ENCRYPTION_KEY_HEX)
	EncryptionKey []byte

	// CORS allowlist; empty means refuse to start
	CORSOrigins []string

	Queue   QueueConfig
	Window  WindowConfig
	Circuit CircuitConfig
}

// ManyChatConfig holds the ManyChat delivery-channel configuration.
// Empty APIKey disables the ManyChat path entirely.
type ManyChatConfig struct {
	APIKey        string
	WebhookSecret string
	BaseURL       string // override for tests; default https://api.manychat.com
	DefaultFlowID string
}

// LLMConfig holds the AI provider configuration.
type LLMConfig struct {
	APIKey      string
	Model       string
	BaseURL     string // optional override for OpenAI-compatible providers
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
}

// QueueConfig contains queue and worker pool configuration.
type QueueConfig struct {
	// WorkerConcurrency is the number of worker goroutines per replica.
	WorkerConcurrency int

	// PerTenantConcurrency caps in-flight jobs per tenant so a single
	// tenant cannot monopolize the pool.
	PerTenantConcurrency int

	// PollInterval is the base interval for checking pending jobs.
	PollInterval time.Duration

	// PollIntervalJitter is the random jitter added to PollInterval.
	PollIntervalJitter time.Duration

	// VisibilityTimeout is how long a claimed job stays invisible to other
	// workers before becoming claimable again (at-least-once delivery).
	VisibilityTimeout time.Duration

	// ShutdownGrace is the max time to wait for in-flight jobs on shutdown.
	ShutdownGrace time.Duration

	// OrphanScanInterval is how often stale in-flight jobs are re-pended.
	OrphanScanInterval time.Duration

	// RetryBase and RetryMax bound the exponential backoff schedule.
	RetryBase time.Duration
	RetryMax  time.Duration
}

// WindowConfig controls the platform reply-window arithmetic.
type WindowConfig struct {
	Hours int
	Grace time.Duration
}

// Duration returns the platform window length. Grace extends it by a small
// clock-skew allowance: free-form sends stay allowed until Duration()+Grace
// has fully elapsed since the last inbound message.
func (w WindowConfig) Duration() time.Duration {
	return time.Duration(w.Hours) * time.Hour
}

// CircuitConfig holds circuit-breaker defaults applied to every upstream.
type CircuitConfig struct {
	FailThreshold int
	Cooldown      time.Duration
}

// Load reads configuration from the environment and validates it strictly.
// On validation failure it returns an error carrying a human-readable
// multi-line report; callers must abort the process.
func Load() (*Config, error) {
	cfg := &Config{
		Environment:   getEnv("ENVIRONMENT", EnvDevelopment),
		HTTPPort:      getEnv("HTTP_PORT", "8080"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		KVURL:         os.Getenv("KV_URL"),
		MetaAppSecret: os.Getenv("META_APP_SECRET"),
		IGVerifyToken: os.Getenv("IG_VERIFY_TOKEN"),
		ManyChat: ManyChatConfig{
			APIKey:        os.Getenv("MANYCHAT_API_KEY"),
			WebhookSecret: os.Getenv("MANYCHAT_WEBHOOK_SECRET"),
			BaseURL:       getEnv("MANYCHAT_BASE_URL", "https://api.manychat.com"),
			DefaultFlowID: os.Getenv("MANYCHAT_DEFAULT_FLOW_ID"),
		},
		LLM: LLMConfig{
			APIKey:      os.Getenv("LLM_API_KEY"),
			Model:       getEnv("LLM_MODEL", "gpt-4o-mini"),
			BaseURL:     os.Getenv("LLM_BASE_URL"),
			Temperature: 0.7,
			MaxTokens:   getEnvInt("LLM_MAX_TOKENS", 1024),
			Timeout:     15 * time.Second,
		},
		Queue: QueueConfig{
			WorkerConcurrency:    getEnvInt("WORKER_CONCURRENCY", 8),
			PerTenantConcurrency: getEnvInt("PER_TENANT_CONCURRENCY", 16),
			PollInterval:         getEnvDuration("QUEUE_POLL_INTERVAL", time.Second),
			PollIntervalJitter:   500 * time.Millisecond,
			VisibilityTimeout:    getEnvDuration("QUEUE_VISIBILITY_TIMEOUT", 5*time.Minute),
			ShutdownGrace:        getEnvDuration("QUEUE_SHUTDOWN_GRACE", 30*time.Second),
			OrphanScanInterval:   getEnvDuration("QUEUE_ORPHAN_SCAN_INTERVAL", time.Minute),
			RetryBase:            time.Second,
			RetryMax:             60 * time.Second,
		},
		Window: WindowConfig{
			Hours: getEnvInt("WINDOW_HOURS", 24),
			Grace: time.Duration(getEnvInt("WINDOW_GRACE_MINUTES", 5)) * time.Minute,
		},
		Circuit: CircuitConfig{
			FailThreshold: getEnvInt("CIRCUIT_FAIL_THRESHOLD", 5),
			Cooldown:      time.Duration(getEnvInt("CIRCUIT_COOLDOWN_SECONDS", 30)) * time.Second,
		},
	}

	if raw := os.Getenv("CORS_ORIGINS"); raw != "" {
		for _, origin := range strings.Split(raw, ",") {
			if o := strings.TrimSpace(origin); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}

	if keyHex := os.Getenv("ENCRYPTION_KEY_HEX"); keyHex != "" {
		key, err := hex.DecodeString(keyHex)
		if err == nil {
			cfg.EncryptionKey = key
		}
		// Length and decode errors are reported by the validator.
	}

	if err := NewValidator(cfg).ValidateAll(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsProduction reports whether the process runs in production mode.
// HSTS headers are only emitted in production.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
