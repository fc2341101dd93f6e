// Package config holds the application configuration for the SPS tools.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel       string        `yaml:"log_level" default:"info"`
	CommandTimeout time.Duration `yaml:"command_timeout" default:"5s"`
	SendTimeout    time.Duration `yaml:"send_timeout" default:"100ms"`
	RxBufferSize   int           `yaml:"rx_buffer_size" default:"1024"`
	MaxConnections int           `yaml:"max_connections" default:"8"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML configuration file. Fields the file omits keep their
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the core would reject.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	if c.RxBufferSize <= 0 {
		return fmt.Errorf("rx_buffer_size must be > 0, got %d", c.RxBufferSize)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be > 0, got %d", c.MaxConnections)
	}
	if c.SendTimeout < 0 {
		return fmt.Errorf("send_timeout must not be negative, got %s", c.SendTimeout)
	}
	return nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
