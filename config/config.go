// Package config provides safekeeperd configuration from environment
// variables, with flags in cmd/safekeeperd able to override each field.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds the process-wide settings a safekeeperd instance needs.
type Config struct {
	ListenAddr     string
	DataDir        string
	PageserverAddr string
	NoSync         bool
	LogLevel       string
	MetricsAddr    string
}

// Load reads configuration from environment variables, falling back to
// defaults for anything unset.
func Load() (*Config, error) {
	noSync, err := strconv.ParseBool(getEnv("SAFEKEEPER_NO_SYNC", "false"))
	if err != nil {
		return nil, fmt.Errorf("config: invalid SAFEKEEPER_NO_SYNC: %w", err)
	}

	cfg := &Config{
		ListenAddr:     getEnv("SAFEKEEPER_LISTEN_ADDR", "0.0.0.0:5454"),
		DataDir:        getEnv("SAFEKEEPER_DATA_DIR", "./data"),
		PageserverAddr: getEnv("SAFEKEEPER_PAGESERVER_ADDR", ""),
		NoSync:         noSync,
		LogLevel:       getEnv("SAFEKEEPER_LOG_LEVEL", "info"),
		MetricsAddr:    getEnv("SAFEKEEPER_METRICS_ADDR", "0.0.0.0:9898"),
	}

	if cfg.DataDir == "" {
		return nil, fmt.Errorf("config: SAFEKEEPER_DATA_DIR must not be empty")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
