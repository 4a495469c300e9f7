// Package config loads runtime configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/overseer-ai/overseer/engine"
)

// Config is the full runtime configuration. Precedence is defaults, then the
// config file, then environment variables.
type Config struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key,omitempty"`

	PermissionMode string `yaml:"permission_mode"`
	PlanFile       string `yaml:"plan_file,omitempty"`

	WorkingDir string `yaml:"working_dir,omitempty"`
	SessionDir string `yaml:"session_dir,omitempty"`

	MaxRounds     int `yaml:"max_rounds,omitempty"`
	ContextWindow int `yaml:"context_window,omitempty"`
	MaxTokens     int `yaml:"max_tokens,omitempty"`

	SystemPrompt string `yaml:"system_prompt,omitempty"`

	LogLevel string `yaml:"log_level,omitempty"`

	Hooks     []engine.HookConfig     `yaml:"hooks,omitempty"`
	Subagents []engine.SubagentConfig `yaml:"subagents,omitempty"`
}

// Default returns the built-in defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Provider:       "anthropic",
		Model:          "claude-sonnet-4-5-20250514",
		PermissionMode: string(engine.ModeDefault),
		SessionDir:     filepath.Join(home, ".overseer", "sessions"),
		MaxRounds:      40,
		ContextWindow:  200_000,
		MaxTokens:      8192,
		LogLevel:       "info",
	}
}

// Load builds the configuration: defaults, overlaid with the file at path if
// it exists, overlaid with OVERSEER_* environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = defaultConfigPath()
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfigPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "overseer", "config.yaml")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "overseer", "config.yaml")
}

func (c *Config) applyEnv() {
	setString(&c.Provider, "OVERSEER_PROVIDER")
	setString(&c.Model, "OVERSEER_MODEL")
	setString(&c.APIKey, "OVERSEER_API_KEY")
	setString(&c.PermissionMode, "OVERSEER_PERMISSION_MODE")
	setString(&c.PlanFile, "OVERSEER_PLAN_FILE")
	setString(&c.WorkingDir, "OVERSEER_WORKING_DIR")
	setString(&c.SessionDir, "OVERSEER_SESSION_DIR")
	setString(&c.LogLevel, "OVERSEER_LOG_LEVEL")
	setInt(&c.MaxRounds, "OVERSEER_MAX_ROUNDS")
	setInt(&c.ContextWindow, "OVERSEER_CONTEXT_WINDOW")
	setInt(&c.MaxTokens, "OVERSEER_MAX_TOKENS")
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func (c *Config) validate() error {
	switch engine.PermissionMode(c.PermissionMode) {
	case engine.ModeDefault, engine.ModeBypass:
	case engine.ModePlan:
		if c.PlanFile == "" {
			return fmt.Errorf("plan mode requires plan_file")
		}
	default:
		return fmt.Errorf("unknown permission_mode %q", c.PermissionMode)
	}
	if c.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	for _, h := range c.Hooks {
		if h.Event != engine.HookPreToolUse && h.Event != engine.HookPostToolUse {
			return fmt.Errorf("unknown hook event %q", h.Event)
		}
		if h.Command == "" {
			return fmt.Errorf("hook for %s has no command", h.Event)
		}
	}
	for _, s := range c.Subagents {
		if s.Name == "" {
			return fmt.Errorf("subagent with empty name")
		}
	}
	return nil
}

// Mode returns the permission mode as its engine type.
func (c *Config) Mode() engine.PermissionMode {
	return engine.PermissionMode(c.PermissionMode)
}
