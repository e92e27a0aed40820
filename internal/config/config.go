// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 FieldTrack Contributors

// Package config loads activitylog settings from defaults, an optional YAML
// file, ACTIVITYLOG_* environment variables and command-line flags, in that
// order of precedence.
package config

import (
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/fieldtrack/activitylog/internal/activity"
	"github.com/fieldtrack/activitylog/internal/detector"
	"github.com/fieldtrack/activitylog/internal/logging"
	"github.com/fieldtrack/activitylog/internal/retention"
	"github.com/fieldtrack/activitylog/internal/store"
	"github.com/fieldtrack/activitylog/internal/xdg"
)

// EnvPrefix prefixes every environment override. Sections are separated by a
// double underscore: ACTIVITYLOG_ACTIVITY__QUEUE_CAPACITY=2000.
const EnvPrefix = "ACTIVITYLOG_"

// Config is the full process configuration.
type Config struct {
	Log       LogConfig       `koanf:"log"`
	Database  DatabaseConfig  `koanf:"database"`
	Activity  ActivityConfig  `koanf:"activity"`
	Retention RetentionConfig `koanf:"retention"`
	Control   ControlConfig   `koanf:"control"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Detector  DetectorConfig  `koanf:"detector"`
}

// LogConfig selects the log output format.
type LogConfig struct {
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// DatabaseConfig locates PostgreSQL.
type DatabaseConfig struct {
	URL string `koanf:"url"`
}

// ActivityConfig tunes the logging pipeline.
type ActivityConfig struct {
	Enabled          bool          `koanf:"enabled"`
	QueueCapacity    int           `koanf:"queue_capacity"`
	BatchSize        int           `koanf:"batch_size"`
	FlushThreshold   int           `koanf:"flush_threshold"`
	BatchInterval    time.Duration `koanf:"batch_interval"`
	// WriteTimeout caps one flush including its retries. Retries only run in
	// the time a failed attempt leaves over.
	WriteTimeout     time.Duration `koanf:"write_timeout"`
	ConnectTimeout   time.Duration `koanf:"connect_timeout"`
	QueryTimeout     time.Duration `koanf:"query_timeout"`
	WriteRetries     int           `koanf:"write_retries"`
	RetryDelay       time.Duration `koanf:"retry_delay"`
	BreakerThreshold int           `koanf:"breaker_threshold"`
	BreakerCooldown  time.Duration `koanf:"breaker_cooldown"`
}

// RetentionConfig controls the cleanup service.
type RetentionConfig struct {
	Days            int           `koanf:"days"`
	Archive         bool          `koanf:"archive"`
	ArchivePath     string        `koanf:"archive_path"`
	BatchSize       int           `koanf:"batch_size"`
	Schedule        string        `koanf:"schedule"`
	SessionIdle     time.Duration `koanf:"session_idle"`
	SessionGrace    time.Duration `koanf:"session_grace"`
	PartitionsAhead int           `koanf:"partitions_ahead"`
}

// ControlConfig configures the control API.
type ControlConfig struct {
	Addr       string `koanf:"addr"`
	AdminToken string `koanf:"admin_token"`
}

// MetricsConfig configures the observability server.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// DetectorConfig configures failed-login burst detection.
type DetectorConfig struct {
	RedisAddr            string        `koanf:"redis_addr"`
	RedisPassword        string        `koanf:"redis_password"`
	RedisDB              int           `koanf:"redis_db"`
	FailedLoginThreshold int           `koanf:"failed_login_threshold"`
	Window               time.Duration `koanf:"window"`
	BatchTimeout         time.Duration `koanf:"batch_timeout"`
}

// Flag names bound to configuration keys.
var flagKeys = map[string]string{
	"log-format":   "log.format",
	"log-level":    "log.level",
	"database-url": "database.url",
	"control-addr": "control.addr",
	"metrics-addr": "metrics.addr",
}

func defaults() map[string]any {
	a := activity.DefaultConfig()
	t := store.DefaultTimeouts()
	p := retention.DefaultPolicy()
	d := detector.DefaultConfig()
	return map[string]any{
		"log.format":                      "json",
		"log.level":                       "info",
		"database.url":                    "",
		"activity.enabled":                a.Enabled,
		"activity.queue_capacity":         a.QueueCapacity,
		"activity.batch_size":             a.BatchSize,
		"activity.flush_threshold":        a.FlushThreshold,
		"activity.batch_interval":         a.BatchInterval,
		"activity.write_timeout":          a.WriteTimeout,
		"activity.connect_timeout":        t.Connect,
		"activity.query_timeout":          t.Query,
		"activity.write_retries":          2,
		"activity.retry_delay":            200 * time.Millisecond,
		"activity.breaker_threshold":      a.BreakerThreshold,
		"activity.breaker_cooldown":       a.BreakerCooldown,
		"retention.days":                  p.Days,
		"retention.archive":               p.Archive,
		"retention.archive_path":          "",
		"retention.batch_size":            p.BatchSize,
		"retention.schedule":              p.Schedule,
		"retention.session_idle":          p.SessionIdle,
		"retention.session_grace":         p.SessionGrace,
		"retention.partitions_ahead":      p.PartitionsAhead,
		"control.addr":                    "127.0.0.1:8081",
		"control.admin_token":             "",
		"metrics.addr":                    "127.0.0.1:9100",
		"detector.redis_addr":             "",
		"detector.redis_password":         "",
		"detector.redis_db":               0,
		"detector.failed_login_threshold": d.Threshold,
		"detector.window":                 d.Window,
		"detector.batch_timeout":          d.BatchTimeout,
	}
}

// Default returns the built-in configuration.
func Default() Config {
	cfg, err := Load(Options{SkipEnv: true, SkipDefaultFile: true})
	if err != nil {
		// The defaults map is static; failing to decode it is a programming error.
		panic(err)
	}
	return cfg
}

// Options controls which sources Load reads.
type Options struct {
	// File is an explicit YAML file. Missing explicit files are an error.
	File string
	// Flags are applied last; only flags set on the command line override.
	Flags *pflag.FlagSet
	// SkipEnv ignores ACTIVITYLOG_* variables.
	SkipEnv bool
	// SkipDefaultFile ignores $XDG_CONFIG_HOME/activitylog/config.yaml.
	SkipDefaultFile bool
}

// Load merges every configured source and decodes the result. It does not
// validate; call Validate before use.
func Load(opts Options) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return Config{}, oops.Code("CONFIG_LOAD_FAILED").With("source", "defaults").Wrap(err)
	}

	path := opts.File
	if path == "" && !opts.SkipDefaultFile {
		if p, ok := xdg.ConfigFile(); ok {
			path = p
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, oops.Code("CONFIG_LOAD_FAILED").With("source", "file").With("path", path).Wrap(err)
		}
	}

	if !opts.SkipEnv {
		if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
			return Config{}, oops.Code("CONFIG_LOAD_FAILED").With("source", "env").Wrap(err)
		}
	}

	if opts.Flags != nil {
		provider := posflag.ProviderWithFlag(opts.Flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(opts.Flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return Config{}, oops.Code("CONFIG_LOAD_FAILED").With("source", "flags").Wrap(err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, oops.Code("CONFIG_INVALID").Wrap(err)
	}
	return cfg, nil
}

// BindFlags registers the command-line overrides on fs.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("log-format", "json", "log format (json or text)")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("database-url", "", "PostgreSQL connection URL")
	fs.String("control-addr", "127.0.0.1:8081", "control API listen address")
	fs.String("metrics-addr", "127.0.0.1:9100", "observability server listen address")
}

// envKey maps ACTIVITYLOG_ACTIVITY__QUEUE_CAPACITY to activity.queue_capacity.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	invalid := func(field string, value any, msg string) error {
		return oops.Code("CONFIG_INVALID").With("field", field).With("value", value).Errorf("%s", msg)
	}
	switch {
	case c.Log.Format != "json" && c.Log.Format != "text":
		return invalid("log.format", c.Log.Format, "log format must be json or text")
	case c.Activity.ConnectTimeout <= 0:
		return invalid("activity.connect_timeout", c.Activity.ConnectTimeout, "connect timeout must be positive")
	case c.Activity.QueryTimeout <= 0:
		return invalid("activity.query_timeout", c.Activity.QueryTimeout, "query timeout must be positive")
	case c.Activity.WriteTimeout > 0 && c.Activity.WriteTimeout < c.Activity.ConnectTimeout+c.Activity.QueryTimeout:
		return invalid("activity.write_timeout", c.Activity.WriteTimeout,
			"write timeout must cover connect_timeout + query_timeout")
	case c.Activity.WriteRetries < 0:
		return invalid("activity.write_retries", c.Activity.WriteRetries, "write retries must not be negative")
	case c.Activity.WriteRetries > 0 && c.Activity.RetryDelay <= 0:
		return invalid("activity.retry_delay", c.Activity.RetryDelay, "retry delay must be positive")
	case c.Detector.FailedLoginThreshold < 0:
		return invalid("detector.failed_login_threshold", c.Detector.FailedLoginThreshold, "threshold must not be negative")
	case c.Detector.FailedLoginThreshold > 0 && c.Detector.Window <= 0:
		return invalid("detector.window", c.Detector.Window, "detector window must be positive")
	case c.Detector.BatchTimeout < 0:
		return invalid("detector.batch_timeout", c.Detector.BatchTimeout, "detector batch timeout must not be negative")
	case c.Retention.ArchivePath != "" && !c.Retention.Archive:
		return invalid("retention.archive_path", c.Retention.ArchivePath, "archive path requires retention.archive")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if err := c.ActivityConfig().Validate(); err != nil {
		return prefixField(err, "activity.")
	}
	return c.RetentionPolicy().Validate()
}

// RequireDatabase reports an error when no database URL is configured.
func (c Config) RequireDatabase() error {
	if c.Database.URL == "" {
		return oops.Code("CONFIG_INVALID").With("field", "database.url").
			Errorf("database URL is required (--database-url or %sDATABASE__URL)", EnvPrefix)
	}
	return nil
}

// ActivityConfig returns the pipeline settings.
func (c Config) ActivityConfig() activity.Config {
	a := c.Activity
	return activity.Config{
		Enabled:          a.Enabled,
		QueueCapacity:    a.QueueCapacity,
		BatchSize:        a.BatchSize,
		FlushThreshold:   a.FlushThreshold,
		BatchInterval:    a.BatchInterval,
		WriteTimeout:     a.WriteTimeout,
		BreakerThreshold: a.BreakerThreshold,
		BreakerCooldown:  a.BreakerCooldown,
	}
}

// StoreTimeouts returns the persistence deadlines.
func (c Config) StoreTimeouts() store.Timeouts {
	return store.Timeouts{Connect: c.Activity.ConnectTimeout, Query: c.Activity.QueryTimeout}
}

// RetentionPolicy returns the cleanup policy.
func (c Config) RetentionPolicy() retention.Policy {
	r := c.Retention
	return retention.Policy{
		Days:            r.Days,
		Archive:         r.Archive,
		BatchSize:       r.BatchSize,
		Schedule:        r.Schedule,
		SessionIdle:     r.SessionIdle,
		SessionGrace:    r.SessionGrace,
		PartitionsAhead: r.PartitionsAhead,
	}
}

// DetectorConfig returns the burst detection settings.
func (c Config) DetectorConfig() detector.Config {
	return detector.Config{
		Threshold:    c.Detector.FailedLoginThreshold,
		Window:       c.Detector.Window,
		BatchTimeout: c.Detector.BatchTimeout,
	}
}

// prefixField qualifies the field name of a pipeline validation error with its
// configuration section.
func prefixField(err error, prefix string) error {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return err
	}
	ctx := oopsErr.Context()
	field, _ := ctx["field"].(string)
	return oops.Code("CONFIG_INVALID").
		With("field", prefix+field).
		With("value", ctx["value"]).
		Errorf("%s", oopsErr.Error())
}
