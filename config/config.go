// Package config loads and validates the application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"
)

// Backend kinds.
const (
	BackendKV     = "kv"
	BackendSQLite = "sqlite"
)

// Config represents the entire application configuration.
type Config struct {
	// Backend selects the storage engine: "kv" for the key/value
	// store, "sqlite" for the file-backed relational store.
	Backend string `yaml:"backend"`

	// DataDir holds the key/value database and the settings side
	// store.
	DataDir string `yaml:"data_dir"`

	// DatabaseFile optionally pre-grants the relational backend's
	// image file, standing in for an interactive file picker.
	DatabaseFile string `yaml:"database_file"`

	// FlushDebounceMS is the write-coalescing window for the
	// relational backend's disk flushes, in milliseconds.
	FlushDebounceMS int `yaml:"flush_debounce_ms"`

	// WatchDatabaseFile reloads the relational backend when the
	// image file is modified externally, for images on shared
	// drives.
	WatchDatabaseFile bool `yaml:"watch_database_file"`
}

// Load loads and validates the configuration from the given file path.
func Load(filePath string) (*Config, error) {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", filePath)
	}

	configFile, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	err = yaml.Unmarshal(configFile, &cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to parse YAML config file: %w", err)
	}

	if err := validateAndPrepare(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validateAndPrepare checks for required fields and sets defaults.
func validateAndPrepare(c *Config) error {
	switch c.Backend {
	case BackendKV, BackendSQLite:
	case "":
		c.Backend = BackendKV
	default:
		return fmt.Errorf("backend must be %q or %q, got %q", BackendKV, BackendSQLite, c.Backend)
	}
	if c.DataDir == "" {
		return errors.New("data_dir is missing")
	}
	if c.FlushDebounceMS < 0 {
		return errors.New("flush_debounce_ms may not be negative")
	}
	if c.FlushDebounceMS == 0 {
		c.FlushDebounceMS = 1000
	}
	return nil
}

// FlushDebounce returns the flush-coalescing window as a duration.
func (c *Config) FlushDebounce() time.Duration {
	return time.Duration(c.FlushDebounceMS) * time.Millisecond
}

// KVPath is the key/value backend's database file.
func (c *Config) KVPath() string {
	return filepath.Join(c.DataDir, "budgetpro.kv.db")
}

// SettingsPath is the settings side store's database file.
func (c *Config) SettingsPath() string {
	return filepath.Join(c.DataDir, "settings.db")
}

// DefaultImagePath is where the relational backend's image file is
// created when no file has been granted.
func (c *Config) DefaultImagePath() string {
	return filepath.Join(c.DataDir, "budgetpro.db")
}
