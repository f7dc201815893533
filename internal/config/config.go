// Package config defines the application configuration, its defaults, and
// validation. Values come from a config file, ACB_-prefixed environment
// variables, and CLI flags, merged through viper.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Remote    RemoteConfig    `mapstructure:"remote" yaml:"remote"`
	Browser   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Executor  ExecutorConfig  `mapstructure:"executor" yaml:"executor"`
	Session   SessionConfig   `mapstructure:"session" yaml:"session"`
	Identity  IdentityConfig  `mapstructure:"identity" yaml:"identity"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// RemoteConfig points at the policy service.
type RemoteConfig struct {
	BaseURL string        `mapstructure:"base_url" yaml:"base_url"`
	OrgID   string        `mapstructure:"org_id" yaml:"org_id"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// BrowserConfig holds settings for the driven browser instance.
type BrowserConfig struct {
	Headless       bool     `mapstructure:"headless" yaml:"headless"`
	DisableCache   bool     `mapstructure:"disable_cache" yaml:"disable_cache"`
	Args           []string `mapstructure:"args" yaml:"args"`
	ViewportWidth  int      `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight int      `mapstructure:"viewport_height" yaml:"viewport_height"`
}

// SchedulerConfig tunes synthetic input pacing.
type SchedulerConfig struct {
	MoveStep   time.Duration `mapstructure:"move_step" yaml:"move_step"`
	HoldMin    time.Duration `mapstructure:"hold_min" yaml:"hold_min"`
	HoldMax    time.Duration `mapstructure:"hold_max" yaml:"hold_max"`
	SettlePoll time.Duration `mapstructure:"settle_poll" yaml:"settle_poll"`
	TapGap     time.Duration `mapstructure:"tap_gap" yaml:"tap_gap"`
}

// ExecutorConfig tunes per-action delays and quiescence bounds.
type ExecutorConfig struct {
	SettleDelay  time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	PostAction   time.Duration `mapstructure:"post_action" yaml:"post_action"`
	InterChar    time.Duration `mapstructure:"inter_char" yaml:"inter_char"`
	EnterExtra   time.Duration `mapstructure:"enter_extra" yaml:"enter_extra"`
	QuietWindow  time.Duration `mapstructure:"quiet_window" yaml:"quiet_window"`
	QuietCeiling time.Duration `mapstructure:"quiet_ceiling" yaml:"quiet_ceiling"`
}

// SessionConfig tunes the orchestrator.
type SessionConfig struct {
	GuideDelay time.Duration `mapstructure:"guide_delay" yaml:"guide_delay"`
}

// IdentityConfig locates the persisted visitor id.
type IdentityConfig struct {
	VisitorIDFile string `mapstructure:"visitor_id_file" yaml:"visitor_id_file"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "acb")
	v.SetDefault("logger.log_file", "acb.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Remote --
	v.SetDefault("remote.timeout", "30s")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.disable_cache", true)
	v.SetDefault("browser.viewport_width", 1280)
	v.SetDefault("browser.viewport_height", 800)

	// -- Scheduler --
	v.SetDefault("scheduler.move_step", "20ms")
	v.SetDefault("scheduler.hold_min", "20ms")
	v.SetDefault("scheduler.hold_max", "250ms")
	v.SetDefault("scheduler.settle_poll", "50ms")
	v.SetDefault("scheduler.tap_gap", "120ms")

	// -- Executor --
	v.SetDefault("executor.settle_delay", "300ms")
	v.SetDefault("executor.post_action", "400ms")
	v.SetDefault("executor.inter_char", "45ms")
	v.SetDefault("executor.enter_extra", "500ms")
	v.SetDefault("executor.quiet_window", "500ms")
	v.SetDefault("executor.quiet_ceiling", "3s")

	// -- Session --
	v.SetDefault("session.guide_delay", "2s")
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with defaults only.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper creates and validates a configuration from a viper
// instance that has already read file, env and flag sources.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is a required configuration field")
	}
	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("remote.timeout must be a positive duration")
	}
	if c.Scheduler.HoldMin <= 0 || c.Scheduler.HoldMax < c.Scheduler.HoldMin {
		return fmt.Errorf("scheduler hold bounds must satisfy 0 < hold_min <= hold_max")
	}
	if c.Scheduler.MoveStep <= 0 || c.Scheduler.SettlePoll <= 0 {
		return fmt.Errorf("scheduler.move_step and scheduler.settle_poll must be positive")
	}
	if c.Executor.QuietWindow <= 0 || c.Executor.QuietCeiling < c.Executor.QuietWindow {
		return fmt.Errorf("executor quiescence must satisfy 0 < quiet_window <= quiet_ceiling")
	}
	if c.Browser.ViewportWidth <= 0 || c.Browser.ViewportHeight <= 0 {
		return fmt.Errorf("browser viewport dimensions must be positive")
	}
	if c.Session.GuideDelay < 0 {
		return fmt.Errorf("session.guide_delay must not be negative")
	}
	return nil
}
