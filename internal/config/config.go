// Package config loads terminal configuration from a YAML file, TILLSYNC_
// environment variables and command-line flags, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/roach88/tillsync/internal/ir"
)

// EnvPrefix is the prefix of every environment override, e.g.
// TILLSYNC_REMOTE_BASE_URL for remote.base_url.
const EnvPrefix = "TILLSYNC"

// FileName is the config file searched for when no path is given.
const FileName = "tillsync"

// Config is the validated terminal configuration.
type Config struct {
	Database   string
	TenantID   string
	StoreID    string
	TerminalID string

	Remote RemoteConfig
	Sync   SyncConfig
	Log    LogConfig
	Audit  AuditConfig
}

// RemoteConfig locates the tenant-scoped API.
type RemoteConfig struct {
	BaseURL     string
	CallTimeout time.Duration
	Notify      bool // Keep a websocket open for change notifications
}

// SyncConfig tunes the engine and the scheduler.
type SyncConfig struct {
	Interval            time.Duration
	MaxInterval         time.Duration
	BatchMaxCount       int
	BatchMaxBytes       int64
	PullLimit           int
	MaxResolutionDepth  int
	SurfacePendingAge   time.Duration
	SurfacePendingCount int
}

// LogConfig selects the log destination.
type LogConfig struct {
	File       string // Empty logs to stderr
	Level      string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// AuditConfig selects where conflict and dead-set exports go. Both may be
// empty, which disables auditing.
type AuditConfig struct {
	Dir        string
	S3Bucket   string
	S3Prefix   string
	S3Region   string
	S3Endpoint string

	FlushAt      int           // Conflicts buffered before an export; 0 uses the recorder default
	WriteTimeout time.Duration // Bound on one export write; 0 uses the recorder default
}

// Scope returns the tenant scope the terminal belongs to.
func (c Config) Scope() ir.Scope {
	return ir.Scope{TenantID: c.TenantID, StoreID: c.StoreID}
}

// Validate checks required fields and ranges.
func (c Config) Validate() error {
	var errs []error
	if c.Database == "" {
		errs = append(errs, errors.New("database is required"))
	}
	if err := c.Scope().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.TerminalID == "" {
		errs = append(errs, errors.New("terminal_id is required"))
	}
	if c.Sync.Interval <= 0 {
		errs = append(errs, errors.New("sync.interval must be positive"))
	}
	if c.Sync.MaxInterval < c.Sync.Interval {
		errs = append(errs, errors.New("sync.max_interval must not be below sync.interval"))
	}
	if c.Sync.BatchMaxCount <= 0 {
		errs = append(errs, errors.New("sync.batch_max_count must be positive"))
	}
	if c.Remote.CallTimeout <= 0 {
		errs = append(errs, errors.New("remote.call_timeout must be positive"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q must be debug, info, warn or error", c.Log.Level))
	}
	return errors.Join(errs...)
}

// FlagKeys maps command-line flag names to config keys. Flags not listed
// are ignored by Load.
var FlagKeys = map[string]string{
	"db":       "database",
	"tenant":   "tenant_id",
	"store":    "store_id",
	"terminal": "terminal_id",
	"remote":   "remote.base_url",
	"log-file": "log.file",
}

// Load reads configuration. path names a config file; when empty the
// current directory and $HOME/.config/tillsync are searched for
// tillsync.yaml and a missing file is not an error. Flags that were set
// on flags override everything else.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/tillsync")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		for name, key := range FlagKeys {
			f := flags.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database", "tillsync.db")
	v.SetDefault("remote.base_url", "http://127.0.0.1:8787")
	v.SetDefault("remote.call_timeout", 10*time.Second)
	v.SetDefault("remote.notify", true)
	v.SetDefault("sync.interval", 30*time.Second)
	v.SetDefault("sync.max_interval", 10*time.Minute)
	v.SetDefault("sync.batch_max_count", 50)
	v.SetDefault("sync.batch_max_bytes", 256<<10)
	v.SetDefault("sync.pull_limit", 500)
	v.SetDefault("sync.max_resolution_depth", 3)
	v.SetDefault("sync.surface_pending_age", 15*time.Minute)
	v.SetDefault("sync.surface_pending_count", 200)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 20)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("audit.s3_region", "us-east-1")
	v.SetDefault("audit.flush_at", 50)
	v.SetDefault("audit.write_timeout", 30*time.Second)

	// Keys without defaults still need to be known for env lookups.
	for _, key := range []string{
		"tenant_id", "store_id", "terminal_id", "log.file",
		"audit.dir", "audit.s3_bucket", "audit.s3_prefix", "audit.s3_endpoint",
	} {
		v.SetDefault(key, "")
	}
}

func fromViper(v *viper.Viper) Config {
	return Config{
		Database:   v.GetString("database"),
		TenantID:   v.GetString("tenant_id"),
		StoreID:    v.GetString("store_id"),
		TerminalID: v.GetString("terminal_id"),
		Remote: RemoteConfig{
			BaseURL:     v.GetString("remote.base_url"),
			CallTimeout: v.GetDuration("remote.call_timeout"),
			Notify:      v.GetBool("remote.notify"),
		},
		Sync: SyncConfig{
			Interval:            v.GetDuration("sync.interval"),
			MaxInterval:         v.GetDuration("sync.max_interval"),
			BatchMaxCount:       v.GetInt("sync.batch_max_count"),
			BatchMaxBytes:       v.GetInt64("sync.batch_max_bytes"),
			PullLimit:           v.GetInt("sync.pull_limit"),
			MaxResolutionDepth:  v.GetInt("sync.max_resolution_depth"),
			SurfacePendingAge:   v.GetDuration("sync.surface_pending_age"),
			SurfacePendingCount: v.GetInt("sync.surface_pending_count"),
		},
		Log: LogConfig{
			File:       v.GetString("log.file"),
			Level:      v.GetString("log.level"),
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxBackups: v.GetInt("log.max_backups"),
			MaxAgeDays: v.GetInt("log.max_age_days"),
		},
		Audit: AuditConfig{
			Dir:        v.GetString("audit.dir"),
			S3Bucket:   v.GetString("audit.s3_bucket"),
			S3Prefix:   v.GetString("audit.s3_prefix"),
			S3Region:   v.GetString("audit.s3_region"),
			S3Endpoint: v.GetString("audit.s3_endpoint"),

			FlushAt:      v.GetInt("audit.flush_at"),
			WriteTimeout: v.GetDuration("audit.write_timeout"),
		},
	}
}
