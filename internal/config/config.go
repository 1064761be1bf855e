// Package config loads the layered application configuration: defaults, an
// optional YAML file, INTEROPS_* environment variables, then runtime
// overrides, in ascending precedence.
package config

import "time"

// Identity pins the names the process answers to: the binary, the env var
// prefix, and the config file base name.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

func defaultIdentity() Identity {
	return Identity{BinaryName: "interops", EnvPrefix: "INTEROPS", ConfigName: "interops"}
}

// Config is the full runtime configuration tree.
type Config struct {
	Queue    QueueConfig    `mapstructure:"queue"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	History  HistoryConfig  `mapstructure:"history"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Watch    WatchConfig    `mapstructure:"watch"`
	GC       GCConfig       `mapstructure:"gc"`
}

// QueueConfig locates the on-disk job store.
type QueueConfig struct {
	Dir string `mapstructure:"dir"`
}

// ServerConfig tunes the embedded status server.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RateLimitRPS    float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst  int           `mapstructure:"rate_limit_burst"`
}

// LoggingConfig selects level, output profile, and optional file rotation.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Profile    string `mapstructure:"profile"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// HistoryConfig locates the deployment audit database.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// DispatchConfig governs how claimed records are deployed.
type DispatchConfig struct {
	BranchMap         map[string]string `mapstructure:"branch_map"`
	HooksDir          string            `mapstructure:"hooks_dir"`
	WorkDir           string            `mapstructure:"work_dir"`
	DeployCommand     []string          `mapstructure:"deploy_command"`
	DeployTimeout     time.Duration     `mapstructure:"deploy_timeout"`
	HookTimeout       time.Duration     `mapstructure:"hook_timeout"`
	HeartbeatInterval time.Duration     `mapstructure:"heartbeat_interval"`
}

// WatchConfig tunes the pending-partition watcher.
type WatchConfig struct {
	RescanInterval time.Duration `mapstructure:"rescan_interval"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	IgnoreGlobs    []string      `mapstructure:"ignore_globs"`
	QueueDepth     int           `mapstructure:"queue_depth"`
}

// GCConfig schedules terminal-record and history cleanup.
type GCConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Schedule      string        `mapstructure:"schedule"`
	MaxAge        time.Duration `mapstructure:"max_age"`
	HistoryMaxAge time.Duration `mapstructure:"history_max_age"`
}
