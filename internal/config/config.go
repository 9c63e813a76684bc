// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/nepwire/internal/core"
)

// NepwireConfig represents the top-level configuration.
// Maps to the `nepwire:` root key in YAML.
type NepwireConfig struct {
	Log     LogConfig     `mapstructure:"log"`
	Session SessionConfig `mapstructure:"session"`
	Capture CaptureConfig `mapstructure:"capture"`
	Decoder DecoderConfig `mapstructure:"decoder"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`   // trace / debug / info / warn / error
	Format  string           `mapstructure:"format"`  // pattern / json / text
	Pattern string           `mapstructure:"pattern"` // used when format=pattern
	Time    string           `mapstructure:"time"`    // Go time layout
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains log output destinations. Stdout is always on.
type LogOutputsConfig struct {
	File  FileOutputConfig `mapstructure:"file"`
	Extra []AppenderConfig `mapstructure:"extra"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// AppenderConfig is a free-form appender; Options are decoded by the
// appender type.
type AppenderConfig struct {
	Type    string                 `mapstructure:"type"` // stderr / file
	Options map[string]interface{} `mapstructure:"options"`
}

// ─── Session ───

// SessionConfig holds the shared secret and key schedule of NEP sessions.
type SessionConfig struct {
	Passphrase     string `mapstructure:"passphrase"`
	KDFIterations  int    `mapstructure:"kdf_iterations"`
	VerifySequence bool   `mapstructure:"verify_sequence"`
}

// Require reports whether the session settings are usable for keying.
func (s SessionConfig) Require() error {
	if s.Passphrase == "" {
		return fmt.Errorf("session.passphrase is required: %w", core.ErrConfigInvalid)
	}
	return nil
}

// ─── Capture ───

// CaptureConfig controls offline capture replay.
type CaptureConfig struct {
	File        string `mapstructure:"file"`
	RoutingOnly bool   `mapstructure:"routing_only"` // BPF pre-filter: IPv6 with a routing header
	NEPPort     int    `mapstructure:"nep_port"`
	Snaplen     int    `mapstructure:"snaplen"`
}

// ─── Decoder ───

// DecoderConfig bounds how often malformed frames are logged.
type DecoderConfig struct {
	MaxWarningsPerSource int           `mapstructure:"max_warnings_per_source"`
	WarningWindow        time.Duration `mapstructure:"warning_window"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `nepwire: ...`.
type configRoot struct {
	Nepwire NepwireConfig `mapstructure:"nepwire"`
}

// Load loads configuration from file. An empty path yields the defaults
// plus environment overrides. The YAML file uses `nepwire:` as root key;
// env vars use the NEPWIRE_ prefix (e.g., NEPWIRE_LOG_LEVEL).
func Load(path string) (*NepwireConfig, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// key "nepwire.log.level" maps to env "NEPWIRE_LOG_LEVEL"
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Nepwire

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *NepwireConfig {
	cfg, err := Load("")
	if err != nil {
		panic(err)
	}
	return cfg
}

// setDefaults sets default values for configuration.
// All keys use "nepwire." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("nepwire.log.level", "info")
	v.SetDefault("nepwire.log.format", "pattern")
	v.SetDefault("nepwire.log.pattern", "%time [%level] %field %msg\n")
	v.SetDefault("nepwire.log.time", "2006-01-02 15:04:05")
	v.SetDefault("nepwire.log.outputs.file.enabled", false)
	v.SetDefault("nepwire.log.outputs.file.path", "/var/log/nepwire/nepwire.log")
	v.SetDefault("nepwire.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("nepwire.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("nepwire.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("nepwire.log.outputs.file.rotation.compress", true)

	// Session defaults
	v.SetDefault("nepwire.session.passphrase", "")
	v.SetDefault("nepwire.session.kdf_iterations", 1000)
	v.SetDefault("nepwire.session.verify_sequence", true)

	// Capture defaults
	v.SetDefault("nepwire.capture.file", "")
	v.SetDefault("nepwire.capture.routing_only", false)
	v.SetDefault("nepwire.capture.nep_port", 9929)
	v.SetDefault("nepwire.capture.snaplen", 65535)

	// Decoder defaults
	v.SetDefault("nepwire.decoder.max_warnings_per_source", 10)
	v.SetDefault("nepwire.decoder.warning_window", "1m")

	// Metrics defaults
	v.SetDefault("nepwire.metrics.enabled", false)
	v.SetDefault("nepwire.metrics.listen", ":9930")
	v.SetDefault("nepwire.metrics.path", "/metrics")
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *NepwireConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be trace/debug/info/warn/error): %w", cfg.Log.Level, core.ErrConfigInvalid)
	}
	switch cfg.Log.Format {
	case "pattern", "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s (must be pattern/json/text): %w", cfg.Log.Format, core.ErrConfigInvalid)
	}
	if cfg.Log.Outputs.File.Enabled && cfg.Log.Outputs.File.Path == "" {
		return fmt.Errorf("log.outputs.file.path is required when file output is enabled: %w", core.ErrConfigInvalid)
	}

	// ── Session ──
	if cfg.Session.KDFIterations < 1 {
		return fmt.Errorf("session.kdf_iterations must be >= 1, got %d: %w", cfg.Session.KDFIterations, core.ErrConfigInvalid)
	}

	// ── Capture ──
	if cfg.Capture.NEPPort < 1 || cfg.Capture.NEPPort > 65535 {
		return fmt.Errorf("capture.nep_port out of range: %d: %w", cfg.Capture.NEPPort, core.ErrConfigInvalid)
	}
	if cfg.Capture.Snaplen <= 0 {
		cfg.Capture.Snaplen = 65535
	}

	// ── Decoder ──
	if cfg.Decoder.MaxWarningsPerSource < 0 {
		return fmt.Errorf("decoder.max_warnings_per_source must be >= 0: %w", core.ErrConfigInvalid)
	}
	if cfg.Decoder.WarningWindow <= 0 {
		cfg.Decoder.WarningWindow = time.Minute
	}

	// ── Metrics ──
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled: %w", core.ErrConfigInvalid)
	}

	return nil
}
