// Package config loads the broker's operational configuration from the
// environment, the way internal/config loads nexus's own Config, with an
// optional YAML file layered beneath the environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every operational knob named in the external interfaces,
// plus the additive ring-buffer and deadline tuning knobs.
type Config struct {
	WSPort       int    `yaml:"ws_port"`
	HTTPPort     int    `yaml:"http_port"`
	OllamaAPIURL string `yaml:"ollama_api_url"`
	OllamaModel  string `yaml:"ollama_model"`

	ActivityCap      int `yaml:"activity_cap"`
	NotifProviderCap int `yaml:"notif_provider_cap"`
	NotifGlobalCap   int `yaml:"notif_global_cap"`

	ToolCallDeadline time.Duration `yaml:"tool_call_deadline"`
	ChatDeadline     time.Duration `yaml:"chat_deadline"`
}

// Default returns the out-of-the-box configuration.
func Default() Config {
	return Config{
		WSPort:           3099,
		HTTPPort:         3098,
		OllamaAPIURL:     "http://localhost:11434",
		OllamaModel:      "qwen2.5:14b",
		ActivityCap:      200,
		NotifProviderCap: 100,
		NotifGlobalCap:   500,
		ToolCallDeadline: 300 * time.Second,
		ChatDeadline:     120 * time.Second,
	}
}

// LoadFile reads a YAML file into cfg: every field the file sets replaces
// cfg's current value, and fields the file omits keep theirs. Callers that
// want environment variables to win apply FromEnv afterwards.
func LoadFile(path string, cfg *Config) error {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// FromEnv applies the four documented environment variables, plus
// BROKER_ACTIVITY_CAP, BROKER_TOOL_CALL_DEADLINE and BROKER_CHAT_DEADLINE,
// on top of base. The notification ring caps have no environment variable
// and keep base's values. Environment variables win over
// whatever base already carries, matching nexus's env-overrides-file
// precedence.
func FromEnv(base Config) Config {
	cfg := base

	if v := os.Getenv("BROKER_WS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WSPort = n
		}
	}
	if v := os.Getenv("MCP_HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HTTPPort = n
		}
	}
	if v := os.Getenv("OLLAMA_API_URL"); v != "" {
		cfg.OllamaAPIURL = v
	}
	if v := os.Getenv("OLLAMA_MODEL"); v != "" {
		cfg.OllamaModel = v
	}
	if v := os.Getenv("BROKER_ACTIVITY_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ActivityCap = n
		}
	}
	if v := os.Getenv("BROKER_TOOL_CALL_DEADLINE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ToolCallDeadline = d
		}
	}
	if v := os.Getenv("BROKER_CHAT_DEADLINE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ChatDeadline = d
		}
	}
	return cfg
}
