package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/spslink/pkg/config"
)

// loadConfig resolves the effective configuration: the --config file if given,
// defaults otherwise, with --log-level overriding the file.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if logLevelStr, _ := cmd.Flags().GetString("log-level"); logLevelStr != "" {
		if _, err := logrus.ParseLevel(logLevelStr); err != nil {
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", logLevelStr)
		}
		cfg.LogLevel = logLevelStr
	}

	return cfg, nil
}
