package jobs

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes the environment variables read by LoadConfig,
// e.g. JOBS_LOG_LEVEL or JOBS_DEFAULTS_MAX_RETRY.
const EnvPrefix = "JOBS"

// Settings is the file form of the job options. Unset fields leave the
// option alone so a job entry only overrides what it names.
type Settings struct {
	Enable        *bool          `mapstructure:"enable"`
	MaxRetry      *int           `mapstructure:"max_retry"      validate:"omitempty,min=-1"`
	RetryInterval *time.Duration `mapstructure:"retry_interval" validate:"omitempty,gte=0"`
	Waiting       *bool          `mapstructure:"waiting"`
	Immediate     *bool          `mapstructure:"immediate"`
	StartTime     *time.Time     `mapstructure:"start_time"`
	EndTime       *time.Time     `mapstructure:"end_time"`
	LockTTL       *time.Duration `mapstructure:"lock_ttl"       validate:"omitempty,gte=0"`
}

// Options converts s into job options.
func (s Settings) Options() []Option {
	var opts []Option
	if s.Enable != nil {
		opts = append(opts, WithEnable(*s.Enable))
	}
	if s.MaxRetry != nil {
		opts = append(opts, WithMaxRetry(*s.MaxRetry))
	}
	if s.RetryInterval != nil {
		opts = append(opts, WithRetryInterval(*s.RetryInterval))
	}
	if s.Waiting != nil {
		opts = append(opts, WithWaiting(*s.Waiting))
	}
	if s.Immediate != nil {
		opts = append(opts, WithImmediate(*s.Immediate))
	}
	if s.StartTime != nil {
		opts = append(opts, WithStartTime(*s.StartTime))
	}
	if s.EndTime != nil {
		opts = append(opts, WithEndTime(*s.EndTime))
	}
	if s.LockTTL != nil {
		opts = append(opts, WithLockTTL(*s.LockTTL))
	}
	return opts
}

// FileConfig is the configuration loaded from a YAML file and the
// environment.
//
//	log_level: info
//	defaults:
//	  max_retry: 3
//	  retry_interval: 10s
//	jobs:
//	  nightly-report:
//	    waiting: true
//	    start_time: 2026-01-01T00:00:00Z
type FileConfig struct {
	LogLevel  string              `mapstructure:"log_level"  validate:"oneof=trace debug info warn error disabled"`
	LogFormat string              `mapstructure:"log_format" validate:"oneof=json console"`
	Defaults  Settings            `mapstructure:"defaults"`
	Jobs      map[string]Settings `mapstructure:"jobs"       validate:"dive"`
}

var settingKeys = []string{
	"enable", "max_retry", "retry_interval", "waiting",
	"immediate", "start_time", "end_time", "lock_ttl",
}

// LoadConfig reads path (optional, YAML) and JOBS_* environment variables.
// Environment variables override the file for log_level, log_format and
// every defaults.* setting.
func LoadConfig(path string) (*FileConfig, error) {
	v := viper.New()
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range settingKeys {
		if err := v.BindEnv("defaults." + key); err != nil {
			return nil, fmt.Errorf("%w: bind env: %v", ErrInvalidConfig, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: failed to read config file: %v", ErrInvalidConfig, err)
		}
	}

	cfg := &FileConfig{}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToTimeHookFunc(time.RFC3339),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config: %v", ErrInvalidConfig, err)
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	// Catch bad combinations, like an end before the start, at load time.
	defaults := cfg.Defaults.Options()
	if _, err := resolveConfig(defaults); err != nil {
		return nil, fmt.Errorf("defaults: %w", err)
	}
	var errs []error
	for key, s := range cfg.Jobs {
		if _, err := resolveConfig(defaults, s.Options()); err != nil {
			errs = append(errs, fmt.Errorf("job %q: %w", key, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultOptions returns the options for Config.Defaults.
func (c *FileConfig) DefaultOptions() []Option {
	return c.Defaults.Options()
}

// JobOptions returns the per-job options configured for key. Keys are
// matched case-insensitively.
func (c *FileConfig) JobOptions(key string) []Option {
	s, ok := c.Jobs[strings.ToLower(key)]
	if !ok {
		return nil
	}
	return s.Options()
}

// Logger builds a zerolog logger writing to w at the configured level.
func (c *FileConfig) Logger(w io.Writer) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		lvl = zerolog.InfoLevel
	}
	if c.LogFormat == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// SchedulerConfig returns a Config carrying the file defaults and logger.
func (c *FileConfig) SchedulerConfig(w io.Writer) Config {
	log := c.Logger(w)
	return Config{
		Defaults: c.DefaultOptions(),
		Logger:   &log,
	}
}
