package main

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config holds all lineage server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath   string `json:"db_path"`
	LogLevel string `json:"log_level"`
	Tracing  bool   `json:"tracing"`
}

func defaultConfig() Config {
	return Config{
		DBPath:   filepath.Join(lineageDir(), "lineage.db"),
		LogLevel: "info",
		Tracing:  true,
	}
}

func lineageDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lineage"
	}
	return filepath.Join(home, ".lineage")
}

func settingsPath() string {
	return filepath.Join(lineageDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("LINEAGE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("LINEAGE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LINEAGE_TRACING"); v != "" {
		cfg.Tracing = v == "true" || v == "1"
	}

	return cfg
}
