package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all bidcraft server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr string `json:"listen_addr"`
	BaseURL    string `json:"base_url"`
	DBPath     string `json:"db_path"`
	LogLevel   string `json:"log_level"`
	PoolSize   int    `json:"pool_size"`

	// Strategy is "direct" (in-process step chaining) or "delegated"
	// (external planner agent).
	Strategy        string `json:"strategy"`
	PlannerEndpoint string `json:"planner_endpoint"`
	PlannerAgentID  string `json:"planner_agent_id"`

	BlobDir    string `json:"blob_dir"`
	BlobSecret string `json:"blob_secret"`

	AnthropicBaseURL string `json:"anthropic_base_url"`
	AnthropicAPIKey  string `json:"anthropic_api_key"`
	AnthropicModel   string `json:"anthropic_model"`

	WatchdogSchedule string `json:"watchdog_schedule"`
	WatchdogMaxAge   string `json:"watchdog_max_age"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:       ":4200",
		DBPath:           filepath.Join(bidcraftDir(), "bidcraft.db"),
		LogLevel:         "info",
		PoolSize:         10,
		Strategy:         "direct",
		BlobDir:          filepath.Join(bidcraftDir(), "blobs"),
		AnthropicBaseURL: "https://api.anthropic.com",
		AnthropicModel:   "claude-sonnet-4-20250514",
		WatchdogSchedule: "* * * * *",
		WatchdogMaxAge:   "30m",
	}
}

func bidcraftDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bidcraft"
	}
	return filepath.Join(home, ".bidcraft")
}

func settingsPath() string {
	return filepath.Join(bidcraftDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("BIDCRAFT_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("BIDCRAFT_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("BIDCRAFT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("BIDCRAFT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BIDCRAFT_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("BIDCRAFT_STRATEGY"); v != "" {
		cfg.Strategy = v
	}
	if v := os.Getenv("BIDCRAFT_PLANNER_ENDPOINT"); v != "" {
		cfg.PlannerEndpoint = v
	}
	if v := os.Getenv("BIDCRAFT_PLANNER_AGENT_ID"); v != "" {
		cfg.PlannerAgentID = v
	}
	if v := os.Getenv("BIDCRAFT_BLOB_DIR"); v != "" {
		cfg.BlobDir = v
	}
	if v := os.Getenv("BIDCRAFT_BLOB_SECRET"); v != "" {
		cfg.BlobSecret = v
	}
	if v := os.Getenv("ANTHROPIC_BASE_URL"); v != "" {
		cfg.AnthropicBaseURL = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.AnthropicAPIKey = v
	}
	if v := os.Getenv("ANTHROPIC_MODEL"); v != "" {
		cfg.AnthropicModel = v
	}
	if v := os.Getenv("BIDCRAFT_WATCHDOG_SCHEDULE"); v != "" {
		cfg.WatchdogSchedule = v
	}
	if v := os.Getenv("BIDCRAFT_WATCHDOG_MAX_AGE"); v != "" {
		cfg.WatchdogMaxAge = v
	}

	// Derive base_url from listen_addr if empty.
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost" + cfg.ListenAddr
	}

	return cfg
}

func (c Config) watchdogMaxAge() time.Duration {
	d, err := time.ParseDuration(c.WatchdogMaxAge)
	if err != nil || d <= 0 {
		return 30 * time.Minute
	}
	return d
}
