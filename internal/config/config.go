// Package config builds the immutable per-run configuration from the
// environment. The value is constructed once in the CLI layer and passed
// into every component constructor; no component reads the environment
// directly.
package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	HarvestLog      string
	SourcesDir      string
	DataRoot        string
	CatalogURL      string
	BatchSize       int
	FetchRetries    int
	FetchRetryDelay time.Duration
	UserAgent       string
	Environment     string
	Logging         LoggingConfig
}

type LoggingConfig struct {
	Level  string
	Format string
	File   string
}

// Load reads configuration from the environment with defaults suitable for
// an operator cron job. CatalogURL is validated by the harvest command only
// when a real catalog write is requested, so dry runs and listings work
// without a database.
func Load() Config {
	return Config{
		HarvestLog:      getEnv("HARVEST_LOG", "harvest-log.csv"),
		SourcesDir:      getEnv("HARVEST_SOURCES_DIR", "configs/sources"),
		DataRoot:        getEnv("HARVEST_DATA_ROOT", "/n"),
		CatalogURL:      getEnv("CATALOG_DATABASE_URL", ""),
		BatchSize:       getEnvInt("HARVEST_BATCH_SIZE", 8192),
		FetchRetries:    getEnvInt("FETCH_RETRIES", 3),
		FetchRetryDelay: time.Duration(getEnvInt("FETCH_RETRY_DELAY_MS", 1000)) * time.Millisecond,
		UserAgent:       getEnv("HARVEST_USER_AGENT", "CATCH-SIS Harvester (+https://catch.astro.umd.edu)"),
		Environment:     getEnv("ENVIRONMENT", "development"),
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "console"),
			File:   getEnv("LOG_FILE", ""),
		},
	}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
