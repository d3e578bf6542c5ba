package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig  `mapstructure:"server"`
	Sandbox  SandboxConfig `mapstructure:"sandbox"`
	Runtimes RuntimeConfig `mapstructure:"runtimes"`
	Logging  LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds MCP server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// SandboxConfig holds execution limits and the preferred execution mode
type SandboxConfig struct {
	Mode        string  `mapstructure:"mode"`
	TimeoutSec  int     `mapstructure:"timeout_sec"`
	MemoryMB    int     `mapstructure:"memory_mb"`
	CPUs        float64 `mapstructure:"cpus"`
	MaxOutputKB int     `mapstructure:"max_output_kb"`
}

// RuntimeConfig holds per-runtime settings
type RuntimeConfig struct {
	Python RuntimeSpec `mapstructure:"python"`
	NodeJS RuntimeSpec `mapstructure:"nodejs"`
}

// RuntimeSpec holds the base image and interpreter command for one runtime
type RuntimeSpec struct {
	Image   string   `mapstructure:"image"`
	Command []string `mapstructure:"command"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// New loads and validates the application configuration, searching the
// working directory and ./config for a config.yaml.
func New() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	return unmarshal(v)
}

// NewFromFile loads and validates the configuration from an explicit path.
func NewFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	return unmarshal(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)

	v.SetDefault("sandbox.mode", "isolated")
	v.SetDefault("sandbox.timeout_sec", 30)
	v.SetDefault("sandbox.memory_mb", 512)
	v.SetDefault("sandbox.cpus", 0.5)
	v.SetDefault("sandbox.max_output_kb", 1024)

	v.SetDefault("runtimes.python.image", "python:3.10-slim")
	v.SetDefault("runtimes.python.command", []string{"python", "-c"})
	v.SetDefault("runtimes.nodejs.image", "node:18-slim")
	v.SetDefault("runtimes.nodejs.command", []string{"node", "-e"})

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Sandbox.Mode != "isolated" && c.Sandbox.Mode != "fallback" {
		return fmt.Errorf("invalid sandbox.mode: %s, must be 'isolated' or 'fallback'", c.Sandbox.Mode)
	}

	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive, got: %d", c.Sandbox.TimeoutSec)
	}

	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", c.Sandbox.MemoryMB)
	}

	if c.Sandbox.CPUs <= 0 {
		return fmt.Errorf("sandbox.cpus must be positive, got: %g", c.Sandbox.CPUs)
	}

	if c.Sandbox.MaxOutputKB <= 0 {
		return fmt.Errorf("sandbox.max_output_kb must be positive, got: %d", c.Sandbox.MaxOutputKB)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
		"dpanic": true, "panic": true, "fatal": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	return nil
}

// GetTimeout returns the default execution timeout as a duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSec) * time.Second
}
