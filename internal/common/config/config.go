// Package config provides configuration management for the coordinator.
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

// Config holds all configuration sections for the coordinator.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Store        StoreConfig        `mapstructure:"store"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Repos        ReposConfig        `mapstructure:"repos"`
	Coordination CoordinationConfig `mapstructure:"coordination"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// StoreConfig holds the settings-store (SQLite) configuration.
// The store is process-wide and keyed by the install, not by repository.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReposConfig holds the set of coordinated repositories.
type ReposConfig struct {
	// Roots are the recently-used repository paths watched for agent activity.
	Roots []string `mapstructure:"roots"`
}

// CoordinationConfig holds tunables for the coordination engine.
type CoordinationConfig struct {
	HeartbeatTTL          int `mapstructure:"heartbeatTTL"`          // seconds
	LivenessSweepInterval int `mapstructure:"livenessSweepInterval"` // seconds
	LockTTL               int `mapstructure:"lockTTL"`               // seconds
	LockSweepInterval     int `mapstructure:"lockSweepInterval"`     // seconds
	CommitInterval        int `mapstructure:"commitInterval"`        // seconds, per-instance default
	CommitIntervalMin     int `mapstructure:"commitIntervalMin"`     // seconds
	CommitIntervalMax     int `mapstructure:"commitIntervalMax"`     // seconds
	RebasePollInterval    int `mapstructure:"rebasePollInterval"`    // seconds
	GitTimeout            int `mapstructure:"gitTimeout"`            // seconds, default git timeout
	GitSlowTimeout        int `mapstructure:"gitSlowTimeout"`        // seconds, fetch/rebase/push
	QueueSize             int `mapstructure:"queueSize"`             // bounded work queue per component
	ActivityMaxSizeMB     int `mapstructure:"activityMaxSizeMB"`     // activity log rotation threshold
	ActivityMaxBackups    int `mapstructure:"activityMaxBackups"`    // rotated activity files kept
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// HeartbeatTTLDuration returns the heartbeat TTL as a time.Duration.
func (c *CoordinationConfig) HeartbeatTTLDuration() time.Duration {
	return time.Duration(c.HeartbeatTTL) * time.Second
}

// LivenessSweepDuration returns the liveness sweep interval as a time.Duration.
func (c *CoordinationConfig) LivenessSweepDuration() time.Duration {
	return time.Duration(c.LivenessSweepInterval) * time.Second
}

// LockTTLDuration returns the lock expiry TTL as a time.Duration.
func (c *CoordinationConfig) LockTTLDuration() time.Duration {
	return time.Duration(c.LockTTL) * time.Second
}

// LockSweepDuration returns the lock expiry sweep interval as a time.Duration.
func (c *CoordinationConfig) LockSweepDuration() time.Duration {
	return time.Duration(c.LockSweepInterval) * time.Second
}

// CommitIntervalDuration returns the default commit debounce as a time.Duration.
func (c *CoordinationConfig) CommitIntervalDuration() time.Duration {
	return time.Duration(c.CommitInterval) * time.Second
}

// RebasePollDuration returns the rebase poll interval as a time.Duration.
func (c *CoordinationConfig) RebasePollDuration() time.Duration {
	return time.Duration(c.RebasePollInterval) * time.Second
}

// GitTimeoutDuration returns the default git timeout as a time.Duration.
func (c *CoordinationConfig) GitTimeoutDuration() time.Duration {
	return time.Duration(c.GitTimeout) * time.Second
}

// GitSlowTimeoutDuration returns the fetch/rebase/push timeout as a time.Duration.
func (c *CoordinationConfig) GitSlowTimeoutDuration() time.Duration {
	return time.Duration(c.GitSlowTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if env := os.Getenv("S9NKIT_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// defaultStorePath returns the default location of the settings store.
func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "coordinator.db"
	}
	return filepath.Join(home, ".s9nkit", "coordinator.db")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8199)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "s9nkit-coordinator")
	v.SetDefault("nats.maxReconnects", 10)

	// Settings store defaults
	v.SetDefault("store.path", defaultStorePath())

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Repository defaults
	v.SetDefault("repos.roots", []string{})

	// Coordination defaults
	v.SetDefault("coordination.heartbeatTTL", 90)
	v.SetDefault("coordination.livenessSweepInterval", 30)
	v.SetDefault("coordination.lockTTL", 24*3600)
	v.SetDefault("coordination.lockSweepInterval", 3600)
	v.SetDefault("coordination.commitInterval", 30)
	v.SetDefault("coordination.commitIntervalMin", 10)
	v.SetDefault("coordination.commitIntervalMax", 300)
	v.SetDefault("coordination.rebasePollInterval", 60)
	v.SetDefault("coordination.gitTimeout", 30)
	v.SetDefault("coordination.gitSlowTimeout", 120)
	v.SetDefault("coordination.queueSize", 1024)
	v.SetDefault("coordination.activityMaxSizeMB", 8)
	v.SetDefault("coordination.activityMaxBackups", 3)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix S9NKIT_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/s9nkit/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("S9NKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/s9nkit/")

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

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	c := &cfg.Coordination
	if c.HeartbeatTTL <= 0 {
		errs = append(errs, "coordination.heartbeatTTL must be positive")
	}
	if c.LivenessSweepInterval <= 0 {
		errs = append(errs, "coordination.livenessSweepInterval must be positive")
	}
	if c.LockTTL <= 0 {
		errs = append(errs, "coordination.lockTTL must be positive")
	}
	if c.CommitIntervalMin <= 0 || c.CommitIntervalMax < c.CommitIntervalMin {
		errs = append(errs, "coordination.commitIntervalMin/Max must be a positive range")
	}
	if c.CommitInterval < c.CommitIntervalMin || c.CommitInterval > c.CommitIntervalMax {
		errs = append(errs, fmt.Sprintf("coordination.commitInterval must be between %d and %d seconds",
			c.CommitIntervalMin, c.CommitIntervalMax))
	}
	if c.RebasePollInterval <= 0 {
		errs = append(errs, "coordination.rebasePollInterval must be positive")
	}
	if c.QueueSize <= 0 {
		errs = append(errs, "coordination.queueSize must be positive")
	}
	if c.ActivityMaxSizeMB <= 0 {
		errs = append(errs, "coordination.activityMaxSizeMB must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
