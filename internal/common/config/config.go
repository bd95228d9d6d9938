// Package config provides configuration management for jarvisd.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for jarvisd.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Store   StoreConfig   `mapstructure:"store"`
	Claude  ClaudeConfig  `mapstructure:"claude"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Jarvis  JarvisConfig  `mapstructure:"jarvis"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// StoreConfig holds the SQLite store configuration.
type StoreConfig struct {
	Path string `mapstructure:"path"` // SQLite file path
}

// ClaudeConfig holds the Claude CLI integration configuration.
type ClaudeConfig struct {
	// ProjectsRoot is the directory tree where the Claude CLI writes its
	// per-project JSONL transcript logs (default: ~/.claude/projects).
	ProjectsRoot string `mapstructure:"projectsRoot"`

	// StateDir is where jarvisd keeps its own state files, including the
	// execution mapping file (default: ~/.jarvisd).
	StateDir string `mapstructure:"stateDir"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// JarvisConfig holds timing configuration for the jarvis state machine.
// Values are in milliseconds. The defaults match the delays the Claude CLI
// needs to settle a pasted prompt, clear context, and quiesce after a turn.
type JarvisConfig struct {
	PasteSettleMs   int `mapstructure:"pasteSettleMs"`   // payload -> CR gap
	ClearContextMs  int `mapstructure:"clearContextMs"`  // execute_plan -> /clear
	ExecutionSendMs int `mapstructure:"executionSendMs"` // execute_plan -> execution prompt
	PostExecutionMs int `mapstructure:"postExecutionMs"` // stop -> planning prompt
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// PasteSettle returns the paste settle delay as a time.Duration.
func (j *JarvisConfig) PasteSettle() time.Duration {
	return time.Duration(j.PasteSettleMs) * time.Millisecond
}

// ClearContext returns the clear-context delay as a time.Duration.
func (j *JarvisConfig) ClearContext() time.Duration {
	return time.Duration(j.ClearContextMs) * time.Millisecond
}

// ExecutionSend returns the execution prompt delay as a time.Duration.
func (j *JarvisConfig) ExecutionSend() time.Duration {
	return time.Duration(j.ExecutionSendMs) * time.Millisecond
}

// PostExecution returns the post-execution delay as a time.Duration.
func (j *JarvisConfig) PostExecution() time.Duration {
	return time.Duration(j.PostExecutionMs) * time.Millisecond
}

// MappingPath returns the execution mapping file path inside StateDir.
func (c *ClaudeConfig) MappingPath() string {
	return filepath.Join(c.StateDir, "execution-mapping.json")
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	if env := os.Getenv("JARVISD_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	home, _ := os.UserHomeDir()

	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 4820)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Store defaults
	v.SetDefault("store.path", filepath.Join(home, ".jarvisd", "jarvisd.db"))

	// Claude defaults
	v.SetDefault("claude.projectsRoot", filepath.Join(home, ".claude", "projects"))
	v.SetDefault("claude.stateDir", filepath.Join(home, ".jarvisd"))

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "jarvisd")
	v.SetDefault("nats.maxReconnects", 10)

	// Jarvis timing defaults
	v.SetDefault("jarvis.pasteSettleMs", 1000)
	v.SetDefault("jarvis.clearContextMs", 8000)
	v.SetDefault("jarvis.executionSendMs", 11000)
	v.SetDefault("jarvis.postExecutionMs", 2000)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix JARVISD_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or ~/.jarvisd/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("JARVISD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("claude.projectsRoot", "JARVISD_CLAUDE_PROJECTS_ROOT")
	_ = v.BindEnv("claude.stateDir", "JARVISD_CLAUDE_STATE_DIR")
	_ = v.BindEnv("server.readTimeout", "JARVISD_SERVER_READ_TIMEOUT")
	_ = v.BindEnv("server.writeTimeout", "JARVISD_SERVER_WRITE_TIMEOUT")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".jarvisd"))
	}

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Store.Path == "" {
		errs = append(errs, "store.path is required")
	}

	if cfg.Claude.ProjectsRoot == "" {
		errs = append(errs, "claude.projectsRoot is required")
	}
	if cfg.Claude.StateDir == "" {
		errs = append(errs, "claude.stateDir is required")
	}

	if cfg.Jarvis.PasteSettleMs < 0 || cfg.Jarvis.ClearContextMs < 0 ||
		cfg.Jarvis.ExecutionSendMs < 0 || cfg.Jarvis.PostExecutionMs < 0 {
		errs = append(errs, "jarvis delays must be non-negative")
	}
	if cfg.Jarvis.ExecutionSendMs <= cfg.Jarvis.ClearContextMs {
		errs = append(errs, "jarvis.executionSendMs must be greater than jarvis.clearContextMs")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
