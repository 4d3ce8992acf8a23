package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults applied when neither environment nor file sets a value.
const (
	DefaultBaseURL       = "https://ollama.com"
	DefaultCooldown      = 5 * time.Minute
	DefaultMaxFailures   = 2
	DefaultMaxIterations = 10
	DefaultFlushInterval = 2 * time.Second
	DefaultRetentionDays = 90
)

// Config holds application configuration loaded from environment and file.
// Priority: Env vars → config.toml → defaults
type Config struct {
	// BaseURL is the upstream backend, e.g. "https://ollama.com"
	BaseURL string

	// Credentials are the pool slots, in rotation order
	Credentials []FileCredential

	// Quota ceilings per credential; zero means unlimited
	QuotaHourly int
	QuotaWeekly int
	QuotaDaily  int

	// Failover policy
	Cooldown    time.Duration
	MaxFailures int

	// MaxIterations bounds the tool loop
	MaxIterations int

	// Usage ledger persistence
	FlushInterval time.Duration
	RetentionDays int

	// Tiers maps tier name to rate limits; empty uses built-in defaults
	Tiers map[string]Tier

	// APIKeys is the hashed caller key table
	APIKeys []FileAPIKey
}

// Load reads configuration from file and environment variables.
// Environment variables override file config values.
func Load() *Config {
	fileConfig, _ := LoadFile() // Ignore error, use defaults

	cfg := &Config{
		BaseURL:       getEnvOrFile("LLAMAGATE_BASE_URL", fileConfig.BaseURL, DefaultBaseURL),
		Credentials:   fileConfig.Credentials,
		Cooldown:      getEnvDurationOrFile("LLAMAGATE_COOLDOWN", fileConfig.Cooldown, DefaultCooldown),
		MaxFailures:   getEnvIntOrFile("LLAMAGATE_MAX_FAILURES", fileConfig.MaxFailures, DefaultMaxFailures),
		MaxIterations: getEnvIntOrFile("LLAMAGATE_MAX_ITERATIONS", fileConfig.MaxIterations, DefaultMaxIterations),
		FlushInterval: getEnvDurationOrFile("LLAMAGATE_FLUSH_INTERVAL", fileConfig.FlushInterval, DefaultFlushInterval),
		RetentionDays: getEnvIntOrFile("LLAMAGATE_RETENTION_DAYS", fileConfig.RetentionDays, DefaultRetentionDays),
		Tiers:         fileConfig.Tiers,
		APIKeys:       fileConfig.APIKeys,
	}

	if fileConfig.Quotas != nil {
		cfg.QuotaHourly = fileConfig.Quotas.Hourly
		cfg.QuotaWeekly = fileConfig.Quotas.Weekly
		cfg.QuotaDaily = fileConfig.Quotas.Daily
	}
	cfg.QuotaHourly = getEnvIntOrFile("LLAMAGATE_QUOTA_HOURLY", cfg.QuotaHourly, cfg.QuotaHourly)
	cfg.QuotaWeekly = getEnvIntOrFile("LLAMAGATE_QUOTA_WEEKLY", cfg.QuotaWeekly, cfg.QuotaWeekly)
	cfg.QuotaDaily = getEnvIntOrFile("LLAMAGATE_QUOTA_DAILY", cfg.QuotaDaily, cfg.QuotaDaily)

	// LLAMAGATE_KEYS="secret:model,secret:model" prepends slots ahead of
	// the file's, so a key can be tried first without editing the file.
	if env := parseEnvCredentials(os.Getenv("LLAMAGATE_KEYS")); len(env) > 0 {
		cfg.Credentials = append(env, cfg.Credentials...)
	}

	return cfg
}

func parseEnvCredentials(raw string) []FileCredential {
	if raw == "" {
		return nil
	}
	var creds []FileCredential
	for _, pair := range strings.Split(raw, ",") {
		secret, model, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || secret == "" || model == "" {
			continue
		}
		creds = append(creds, FileCredential{Secret: secret, Model: model})
	}
	return creds
}

// getEnvOrFile returns env value, file value, or default (in priority order)
func getEnvOrFile(key, fileValue, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	if fileValue != "" {
		return fileValue
	}
	return defaultValue
}

// getEnvIntOrFile returns env int, file int, or default (in priority order)
func getEnvIntOrFile(key string, fileValue, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	if fileValue != 0 {
		return fileValue
	}
	return defaultValue
}

// getEnvDurationOrFile returns env duration, file duration, or default (in priority order)
func getEnvDurationOrFile(key, fileValue string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	if fileValue != "" {
		if d, err := time.ParseDuration(fileValue); err == nil {
			return d
		}
	}
	return defaultValue
}
