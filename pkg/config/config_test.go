package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 5*time.Second, cfg.CommandTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.SendTimeout)
	assert.Equal(t, 1024, cfg.RxBufferSize)
	assert.Equal(t, 8, cfg.MaxConnections)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\nrx_buffer_size: 4096\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	// Overridden values
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 4096, cfg.RxBufferSize)

	// Defaults survive for omitted fields
	assert.Equal(t, 5*time.Second, cfg.CommandTimeout)
	assert.Equal(t, 8, cfg.MaxConnections)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: [unclosed"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
			valid:  true,
		},
		{
			name:   "unknown log level",
			mutate: func(c *Config) { c.LogLevel = "loud" },
			valid:  false,
		},
		{
			name:   "zero buffer size",
			mutate: func(c *Config) { c.RxBufferSize = 0 },
			valid:  false,
		},
		{
			name:   "zero max connections",
			mutate: func(c *Config) { c.MaxConnections = 0 },
			valid:  false,
		},
		{
			name:   "negative send timeout",
			mutate: func(c *Config) { c.SendTimeout = -time.Second },
			valid:  false,
		},
		{
			name:   "zero send timeout",
			mutate: func(c *Config) { c.SendTimeout = 0 },
			valid:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		want     logrus.Level
	}{
		{
			name:     "creates logger with debug level",
			logLevel: "debug",
			want:     logrus.DebugLevel,
		},
		{
			name:     "creates logger with warn level",
			logLevel: "warn",
			want:     logrus.WarnLevel,
		},
		{
			name:     "unknown level falls back to info",
			logLevel: "loud",
			want:     logrus.InfoLevel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.want, logger.GetLevel())

			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}
