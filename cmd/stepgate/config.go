package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all stepgate server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath      string `json:"db_path"`
	LogLevel    string `json:"log_level"`
	PoolSize    int    `json:"pool_size"`    // scheduler dispatch concurrency
	TickSeconds int    `json:"tick_seconds"` // scheduler sweep interval
	RecoverJobs bool   `json:"recover_jobs"` // run missed scheduled jobs on boot
}

func defaultConfig() Config {
	return Config{
		DBPath:      filepath.Join(stepgateDir(), "stepgate.db"),
		LogLevel:    "info",
		PoolSize:    4,
		TickSeconds: 60,
		RecoverJobs: true,
	}
}

func stepgateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stepgate"
	}
	return filepath.Join(home, ".stepgate")
}

func settingsPath() string {
	return filepath.Join(stepgateDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("STEPGATE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("STEPGATE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STEPGATE_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("STEPGATE_TICK_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TickSeconds = n
		}
	}
	if v := os.Getenv("STEPGATE_RECOVER_JOBS"); v != "" {
		cfg.RecoverJobs = v == "true" || v == "1"
	}

	return cfg
}
