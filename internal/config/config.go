// Package config loads the application configuration: a YAML file, WM_
// environment overrides, and defaults, merged by viper. The result is a plain
// struct passed down explicitly; nothing reads viper after Load returns.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RemoteConfig points the client at the workspace API.
type RemoteConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	Token      string `mapstructure:"token"`
	APIVersion string `mapstructure:"api_version"`

	// Collections are the remote collection ids mirrored locally.
	Collections CollectionsConfig `mapstructure:"collections"`

	// MaxRetries bounds transient-error retries per request.
	MaxRetries int `mapstructure:"max_retries"`

	// RetryBase is the unit of the linear retry delay.
	RetryBase time.Duration `mapstructure:"retry_base"`

	// RequestTimeout is the hard per-request deadline.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// CollectionsConfig names the remote collections.
type CollectionsConfig struct {
	Tasks       string `mapstructure:"tasks"`
	Projects    string `mapstructure:"projects"`
	TimeEntries string `mapstructure:"time_entries"`
}

// RelayConfig points the event poller at the push relay. An empty BaseURL
// disables relay ingestion.
type RelayConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Subject string `mapstructure:"subject"`
	Token   string `mapstructure:"token"`
}

// DaemonConfig tunes the background loops.
type DaemonConfig struct {
	DrainInterval        time.Duration `mapstructure:"drain_interval"`
	RelayPollInterval    time.Duration `mapstructure:"relay_poll_interval"`
	ActiveImportInterval time.Duration `mapstructure:"active_import_interval"`
}

// ShellConfig tunes the local IPC server.
type ShellConfig struct {
	Port int `mapstructure:"port"`
}

// LogConfig tunes logging output.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `mapstructure:"level"`

	// File enables rotated file logging when set; empty logs to stderr.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Config is the full application configuration.
type Config struct {
	DatabasePath string `mapstructure:"database_path"`

	Remote RemoteConfig `mapstructure:"remote"`
	Relay  RelayConfig  `mapstructure:"relay"`
	Daemon DaemonConfig `mapstructure:"daemon"`
	Shell  ShellConfig  `mapstructure:"shell"`
	Log    LogConfig    `mapstructure:"log"`
}

// Load reads the configuration. path names an explicit config file; when
// empty, $HOME/.workmirror/config.yaml is used if present. Environment
// variables override file values with a WM_ prefix and underscores for
// nesting (WM_REMOTE_TOKEN, WM_DATABASE_PATH).
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("database_path", defaultDatabasePath())
	v.SetDefault("remote.base_url", "https://api.workspace.example.com/v1")
	v.SetDefault("remote.api_version", "2025-09-03")
	v.SetDefault("remote.max_retries", 3)
	v.SetDefault("remote.retry_base", 500*time.Millisecond)
	v.SetDefault("remote.request_timeout", 30*time.Second)
	v.SetDefault("daemon.drain_interval", 15*time.Second)
	v.SetDefault("daemon.relay_poll_interval", 30*time.Second)
	v.SetDefault("daemon.active_import_interval", 5*time.Minute)
	v.SetDefault("shell.port", 7390)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 30)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(filepath.Join(homeDir(), ".workmirror"))
	}

	v.SetEnvPrefix("WM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

func defaultDatabasePath() string {
	return filepath.Join(homeDir(), ".workmirror", "replica.db")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
