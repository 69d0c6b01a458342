// Package config provides YAML-based configuration loading for pxp-agent.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root agent configuration.
type Config struct {
	// AppName is the logical agent name used in log lines.
	AppName string `mapstructure:"app_name"`

	// SpoolDir is the root directory for non-blocking job spool
	// directories. Must end with a path separator.
	SpoolDir string `mapstructure:"spool-dir"`

	// PluginsDir is scanned non-recursively at startup for external
	// module plugins.
	PluginsDir string `mapstructure:"plugins-dir"`

	// BrokerURL is the wss:// (or ws://, for local testing) endpoint of
	// the message-fabric broker.
	BrokerURL string `mapstructure:"broker-url"`

	// TLS holds the mutual-TLS material used to authenticate to the broker.
	TLS TLSConfig `mapstructure:"tls"`

	// HeartbeatPeriodSeconds is the interval between liveness pings.
	HeartbeatPeriodSeconds int `mapstructure:"heartbeat-period-seconds"`

	// ActionTimeoutSeconds bounds a single external plugin invocation.
	ActionTimeoutSeconds int `mapstructure:"action-timeout-seconds"`

	// MsgTimeoutSeconds is attached to every outbound send.
	MsgTimeoutSeconds int `mapstructure:"msg-timeout-seconds"`

	// ReconnectBackoffSeconds is the fixed delay between reconnect attempts.
	ReconnectBackoffSeconds int `mapstructure:"reconnect-backoff-seconds"`

	// MaxReconnectAttempts bounds consecutive failed (re)connect attempts
	// before the agent gives up with a fatal_error (spec.md §7).
	MaxReconnectAttempts int `mapstructure:"max-reconnect-attempts"`

	// RequireLoginAck controls whether the supervisor waits for a login
	// acknowledgment before processing inbound requests. Left
	// implementation-defined by the protocol; see DESIGN.md.
	RequireLoginAck bool `mapstructure:"require-login-ack"`

	// Log holds logging configuration.
	Log LogConfig `mapstructure:"log"`
}

// TLSConfig points at PEM files on disk. Loading/parsing them is the
// agent's job; generating or provisioning them is not (spec.md
// explicitly treats "TLS material on disk" as an external collaborator).
type TLSConfig struct {
	CACrt     string `mapstructure:"ca-crt"`
	ClientCrt string `mapstructure:"client-crt"`
	ClientKey string `mapstructure:"client-key"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files.
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly console output.
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with the values documented in spec.md §5/§6.
func Default() *Config {
	return &Config{
		AppName:                 "pxp-agent",
		SpoolDir:                "./spool/",
		PluginsDir:              "./modules",
		BrokerURL:               "wss://localhost:8142/pxp/",
		HeartbeatPeriodSeconds:  30,
		ActionTimeoutSeconds:    30,
		MsgTimeoutSeconds:       10,
		ReconnectBackoffSeconds: 2,
		MaxReconnectAttempts:    10,
		RequireLoginAck:         false,
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/pxp-agent.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations, and supports environment
// overrides. Environment variables use the prefix PXP and `.`/`-` are
// replaced with `_`. Example: PXP_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PXP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("spool-dir", cfg.SpoolDir)
	v.SetDefault("plugins-dir", cfg.PluginsDir)
	v.SetDefault("broker-url", cfg.BrokerURL)
	v.SetDefault("heartbeat-period-seconds", cfg.HeartbeatPeriodSeconds)
	v.SetDefault("action-timeout-seconds", cfg.ActionTimeoutSeconds)
	v.SetDefault("msg-timeout-seconds", cfg.MsgTimeoutSeconds)
	v.SetDefault("reconnect-backoff-seconds", cfg.ReconnectBackoffSeconds)
	v.SetDefault("max-reconnect-attempts", cfg.MaxReconnectAttempts)
	v.SetDefault("require-login-ack", cfg.RequireLoginAck)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	if path == "" {
		if envPath := os.Getenv("PXP_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pxp-agent")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".pxp-agent"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	if !strings.HasSuffix(c.SpoolDir, string(os.PathSeparator)) && !strings.HasSuffix(c.SpoolDir, "/") {
		c.SpoolDir += "/"
	}
	if strings.TrimSpace(c.BrokerURL) == "" {
		return errors.New("broker-url must not be empty")
	}
	if c.HeartbeatPeriodSeconds <= 0 {
		c.HeartbeatPeriodSeconds = 30
	}
	if c.ActionTimeoutSeconds <= 0 {
		c.ActionTimeoutSeconds = 30
	}
	if c.MsgTimeoutSeconds <= 0 {
		c.MsgTimeoutSeconds = 10
	}
	if c.ReconnectBackoffSeconds <= 0 {
		c.ReconnectBackoffSeconds = 2
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
