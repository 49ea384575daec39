// Package config reads the service configuration from the environment
// once at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full service configuration.
type Config struct {
	// HTTP edge.
	HTTPAddr string
	Env      string // "dev" enables console logging and debug headers

	// Store backend: "sqlite" or "postgres".
	StoreBackend string
	SQLitePath   string
	DatabaseURL  string

	// Remote base.
	AirtableAPIKey string
	AirtableBaseID string
	// Comma-separated "Table:tier" pairs; parsed by the caller.
	AirtableTables string

	// Cache. Empty RedisURL selects the in-memory cache.
	RedisURL string
	CacheTTL time.Duration

	// Scheduler.
	SyncInterval           time.Duration
	FullSyncCron           string
	MaxConsecutiveFailures int
	AutoSyncEnabled        bool

	// Rate limiting.
	RateLimitEnabled   bool
	RateLimitPerMinute int

	// Auth.
	AdminBearerToken string
	JWTHS256Secret   string
}

// Load reads the environment. Defaults favor local development; the
// postgres backend and remote sync require their keys explicitly.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:               env("HTTP_ADDR", ":8080"),
		Env:                    env("ENV", "dev"),
		StoreBackend:           env("STORE_BACKEND", "sqlite"),
		SQLitePath:             env("SQLITE_PATH", "knowledge.db"),
		DatabaseURL:            env("DATABASE_URL", ""),
		AirtableAPIKey:         env("AIRTABLE_API_KEY", ""),
		AirtableBaseID:         env("AIRTABLE_BASE_ID", ""),
		AirtableTables:         env("AIRTABLE_TABLES", "StrategicKnowledge:foundational,StrategicInitiatives:strategic"),
		RedisURL:               env("REDIS_URL", ""),
		CacheTTL:               time.Duration(envInt("CACHE_TTL_MINUTES", 60)) * time.Minute,
		SyncInterval:           time.Duration(envInt("SYNC_INTERVAL_MINUTES", 60)) * time.Minute,
		FullSyncCron:           env("FULL_SYNC_CRON", "0 2 * * *"),
		MaxConsecutiveFailures: envInt("MAX_CONSECUTIVE_FAILURES", 3),
		AutoSyncEnabled:        envBool("AUTO_SYNC_ENABLED", true),
		RateLimitEnabled:       envBool("RATE_LIMIT_ENABLED", true),
		RateLimitPerMinute:     envInt("RATE_LIMIT_PER_MINUTE", 60),
		AdminBearerToken:       env("ADMIN_BEARER_TOKEN", ""),
		JWTHS256Secret:         env("JWT_HS256_SECRET", ""),
	}

	switch cfg.StoreBackend {
	case "sqlite":
	case "postgres":
		if cfg.DatabaseURL == "" {
			return cfg, fmt.Errorf("STORE_BACKEND=postgres requires DATABASE_URL")
		}
	default:
		return cfg, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}

	if cfg.AutoSyncEnabled && (cfg.AirtableAPIKey == "" || cfg.AirtableBaseID == "") {
		return cfg, fmt.Errorf("AUTO_SYNC_ENABLED requires AIRTABLE_API_KEY and AIRTABLE_BASE_ID")
	}
	return cfg, nil
}

// Dev reports whether the service runs in development mode.
func (c Config) Dev() bool { return c.Env == "dev" }

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
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
