// Package config loads ucs-apps defaults from UCS_APPS_* environment
// variables. Command line flags override them.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is the environment variable prefix.
const Prefix = "UCS_APPS"

// Config holds the process-wide settings of one ucs-apps invocation.
type Config struct {
	ToolPath      string `envconfig:"TOOL_PATH" default:"univention-app"`
	OSReleasePath string `envconfig:"OS_RELEASE" default:"/etc/os-release"`
	DataDir       string `envconfig:"DATA_DIR" default:"/var/lib/ucs-apps"`
	StagingDir    string `envconfig:"STAGING_DIR"`

	Log LogConfig

	// Journal enables the sqlite run journal in DataDir.
	Journal bool `envconfig:"JOURNAL" default:"true"`
	// JournalRetention is how long journaled runs are kept. Zero keeps them forever.
	JournalRetention time.Duration `envconfig:"JOURNAL_RETENTION" default:"2160h"`

	MetricsTextfile string        `envconfig:"METRICS_TEXTFILE"`
	Timeout         time.Duration `envconfig:"TIMEOUT" default:"0"`

	// AuthPassword is one of the password sources of apply. It is never
	// printed by Describe.
	AuthPassword string `envconfig:"AUTH_PASSWORD"`
}

// LogConfig holds logging configuration (UCS_APPS_LOG_LEVEL, UCS_APPS_LOG_FORMAT).
type LogConfig struct {
	Level  string `envconfig:"LEVEL" default:"info"`
	Format string `envconfig:"FORMAT" default:"text"`
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no environment is set.
func Default() *Config {
	return &Config{
		ToolPath:      "univention-app",
		OSReleasePath: "/etc/os-release",
		DataDir:       "/var/lib/ucs-apps",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Journal:          true,
		JournalRetention: 90 * 24 * time.Hour,
	}
}

// Validate checks values envconfig cannot check by type.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.Log.Format)
	}
	if c.JournalRetention < 0 {
		return fmt.Errorf("journal retention must not be negative")
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data dir is required")
	}
	return nil
}

// Describe returns the settings as log attributes, without secrets.
func (c *Config) Describe() []any {
	return []any{
		"tool_path", c.ToolPath,
		"os_release", c.OSReleasePath,
		"data_dir", c.DataDir,
		"journal", c.Journal,
		"metrics_textfile", c.MetricsTextfile,
		"timeout", c.Timeout.String(),
		"auth_password_set", c.AuthPassword != "",
	}
}
