package config

import (
	"os"
	"strconv"
)

// Config holds all configuration for the studio control plane.
type Config struct {
	Port    int
	Version string

	Database  DatabaseConfig
	Redis     RedisConfig
	Telemetry TelemetryConfig

	// RolloutPhase gates library routes:
	// phase_1_read_only | phase_2_member_writes | phase_3_admin_full.
	RolloutPhase string

	// TermsVersion is the terms-of-service version agents must have accepted.
	TermsVersion string

	// DataDir enables memory-store snapshot persistence when DATABASE_URL is
	// unset. Empty disables persistence.
	DataDir string

	// Cooldown policy for abusive delegated agents.
	AutoCooldownOnRateLimit bool
	AutoCooldownMinutes     int
}

type DatabaseConfig struct {
	// URL selects the PostgreSQL document store; empty falls back to the
	// in-memory store.
	URL            string
	MaxConnections int
}

type RedisConfig struct {
	// URL selects shared rate-limit buckets; empty uses in-process buckets.
	URL string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	cfg := &Config{
		Port:    envInt("STUDIO_PORT", 8080),
		Version: envStr("STUDIO_VERSION", "1.4.0"),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		Redis: RedisConfig{
			URL: envStr("REDIS_URL", ""),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "studio-control-plane"),
		},
		RolloutPhase:            envStr("LIBRARY_ROLLOUT_PHASE", "phase_2_member_writes"),
		TermsVersion:            envStr("AGENT_TERMS_VERSION", "2026-01"),
		DataDir:                 envStr("STUDIO_DATA_DIR", ""),
		AutoCooldownOnRateLimit: envBool("AUTO_COOLDOWN_ON_RATE_LIMIT", false),
		AutoCooldownMinutes:     envInt("AUTO_COOLDOWN_MINUTES", 5),
	}
	if cfg.AutoCooldownMinutes < 1 {
		cfg.AutoCooldownMinutes = 1
	}
	return cfg
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
