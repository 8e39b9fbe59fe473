package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"

	"quantgraph/internal/config"
)

// Config is an alias for the project's main configuration struct
type Config = config.Config

// LoadConfig delegates to the project's config loader. An empty path
// yields the defaults.
func LoadConfig(path string) (*Config, error) {
	var (
		cfg *Config
		err error
	)
	if path == "" {
		cfg = config.DefaultConfig()
	} else if cfg, err = config.LoadConfig(path); err != nil {
		return nil, err
	}

	if err := checkPreFlight(cfg); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}

	return cfg, nil
}

// checkPreFlight performs environment checks beyond schema validation
func checkPreFlight(cfg *Config) error {
	if cfg.MarketData.Source == "static" {
		if _, err := os.Stat(cfg.MarketData.Path); err != nil {
			return fmt.Errorf("market data file: %w", err)
		}
	}

	if cfg.Storage.Driver == "sqlite" {
		dir := filepath.Dir(cfg.Storage.Path)
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("storage directory: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("storage directory %s is not a directory", dir)
		}
	}

	return nil
}
