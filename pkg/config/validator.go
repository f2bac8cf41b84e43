package config

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// Validator checks a Config for presence and well-formedness of every
// required option. Unlike most validation in the codebase it collects ALL
// problems before reporting, so an operator fixes a broken deployment in
// one pass instead of one variable at a time.
type Validator struct {
	cfg      *Config
	problems []string
}

// NewValidator creates a validator for the given configuration.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll runs every check and returns a single error whose message is
// a human-readable report, or nil when the configuration is complete.
func (v *Validator) ValidateAll() error {
	v.requireURL("DATABASE_URL", v.cfg.DatabaseURL, "postgres", "postgresql")
	v.requireURL("KV_URL", v.cfg.KVURL, "redis", "rediss")
	v.require("META_APP_SECRET", v.cfg.MetaAppSecret)
	v.require("IG_VERIFY_TOKEN", v.cfg.IGVerifyToken)
	v.require("LLM_API_KEY", v.cfg.LLM.APIKey)
	v.validateEncryptionKey()
	v.validateCORS()
	v.validatePositive("WORKER_CONCURRENCY", v.cfg.Queue.WorkerConcurrency)
	v.validatePositive("PER_TENANT_CONCURRENCY", v.cfg.Queue.PerTenantConcurrency)
	v.validatePositive("WINDOW_HOURS", v.cfg.Window.Hours)
	v.validatePositive("CIRCUIT_FAIL_THRESHOLD", v.cfg.Circuit.FailThreshold)
	if v.cfg.Circuit.Cooldown <= 0 {
		v.addf("CIRCUIT_COOLDOWN_SECONDS must be a positive number of seconds")
	}
	if v.cfg.Environment != EnvDevelopment && v.cfg.Environment != EnvProduction {
		v.addf("ENVIRONMENT must be %q or %q, got %q", EnvDevelopment, EnvProduction, v.cfg.Environment)
	}
	if v.cfg.ManyChat.APIKey != "" && v.cfg.ManyChat.WebhookSecret == "" {
		v.addf("MANYCHAT_WEBHOOK_SECRET is required when MANYCHAT_API_KEY is set")
	}

	if len(v.problems) == 0 {
		return nil
	}
	return fmt.Errorf("configuration invalid:\n  - %s", strings.Join(v.problems, "\n  - "))
}

func (v *Validator) require(name, value string) {
	if value == "" {
		v.addf("%s is required", name)
	}
}

func (v *Validator) requireURL(name, value string, schemes ...string) {
	if value == "" {
		v.addf("%s is required", name)
		return
	}
	u, err := url.Parse(value)
	if err != nil {
		v.addf("%s is not a valid URL: %v", name, err)
		return
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return
		}
	}
	v.addf("%s must use scheme %s, got %q", name, strings.Join(schemes, " or "), u.Scheme)
}

func (v *Validator) validateEncryptionKey() {
	raw := os.Getenv("ENCRYPTION_KEY_HEX")
	if raw == "" {
		v.addf("ENCRYPTION_KEY_HEX is required")
		return
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		v.addf("ENCRYPTION_KEY_HEX is not valid hex")
		return
	}
	if len(key) != 32 {
		v.addf("ENCRYPTION_KEY_HEX must decode to 32 bytes (256-bit), got %d", len(key))
	}
}

func (v *Validator) validateCORS() {
	if len(v.cfg.CORSOrigins) == 0 {
		v.addf("CORS_ORIGINS must list at least one origin (empty allowlist refuses to start)")
		return
	}
	for _, origin := range v.cfg.CORSOrigins {
		if origin == "*" {
			continue
		}
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			v.addf("CORS_ORIGINS entry %q is not an origin (scheme://host)", origin)
		}
	}
}

func (v *Validator) validatePositive(name string, n int) {
	if n <= 0 {
		v.addf("%s must be positive, got %d", name, n)
	}
}

func (v *Validator) addf(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}
