package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/config"
)

// ConfigView is the effective configuration as printed by the config
// command.
type ConfigView struct {
	Database   string `json:"database"`
	TenantID   string `json:"tenant_id"`
	StoreID    string `json:"store_id"`
	TerminalID string `json:"terminal_id"`

	Remote struct {
		BaseURL     string `json:"base_url"`
		CallTimeout string `json:"call_timeout"`
		Notify      bool   `json:"notify"`
	} `json:"remote"`

	Sync struct {
		Interval            string `json:"interval"`
		MaxInterval         string `json:"max_interval"`
		BatchMaxCount       int    `json:"batch_max_count"`
		BatchMaxBytes       int64  `json:"batch_max_bytes"`
		PullLimit           int    `json:"pull_limit"`
		MaxResolutionDepth  int    `json:"max_resolution_depth"`
		SurfacePendingAge   string `json:"surface_pending_age"`
		SurfacePendingCount int    `json:"surface_pending_count"`
	} `json:"sync"`

	Log struct {
		File  string `json:"file,omitempty"`
		Level string `json:"level"`
	} `json:"log"`

	Audit struct {
		Dir        string `json:"dir,omitempty"`
		S3Bucket   string `json:"s3_bucket,omitempty"`
		S3Prefix   string `json:"s3_prefix,omitempty"`
		S3Region   string `json:"s3_region,omitempty"`
		S3Endpoint string `json:"s3_endpoint,omitempty"`

		FlushAt      int    `json:"flush_at"`
		WriteTimeout string `json:"write_timeout"`
	} `json:"audit"`
}

func newConfigView(cfg config.Config) ConfigView {
	var v ConfigView
	v.Database = cfg.Database
	v.TenantID = cfg.TenantID
	v.StoreID = cfg.StoreID
	v.TerminalID = cfg.TerminalID
	v.Remote.BaseURL = cfg.Remote.BaseURL
	v.Remote.CallTimeout = cfg.Remote.CallTimeout.String()
	v.Remote.Notify = cfg.Remote.Notify
	v.Sync.Interval = cfg.Sync.Interval.String()
	v.Sync.MaxInterval = cfg.Sync.MaxInterval.String()
	v.Sync.BatchMaxCount = cfg.Sync.BatchMaxCount
	v.Sync.BatchMaxBytes = cfg.Sync.BatchMaxBytes
	v.Sync.PullLimit = cfg.Sync.PullLimit
	v.Sync.MaxResolutionDepth = cfg.Sync.MaxResolutionDepth
	v.Sync.SurfacePendingAge = cfg.Sync.SurfacePendingAge.String()
	v.Sync.SurfacePendingCount = cfg.Sync.SurfacePendingCount
	v.Log.File = cfg.Log.File
	v.Log.Level = cfg.Log.Level
	v.Audit.Dir = cfg.Audit.Dir
	v.Audit.S3Bucket = cfg.Audit.S3Bucket
	v.Audit.S3Prefix = cfg.Audit.S3Prefix
	v.Audit.S3Region = cfg.Audit.S3Region
	v.Audit.S3Endpoint = cfg.Audit.S3Endpoint
	v.Audit.FlushAt = cfg.Audit.FlushAt
	v.Audit.WriteTimeout = cfg.Audit.WriteTimeout.String()
	return v
}

// NewConfigCommand creates the config command.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Validate and print the effective configuration",
		Long: `Load the config file, environment and flags, validate the result and print
it. Nothing is opened or contacted.

Exit codes:
  0 - Configuration valid
  2 - Configuration invalid or unreadable`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(rootOpts, cmd)
			cfg, err := rootOpts.loadConfig(cmd)
			if err != nil {
				_ = out.Error(ErrCodeConfig, err.Error(), nil)
				return err
			}
			return out.Result(newConfigView(cfg), func(w io.Writer) {
				writeConfigText(w, cfg)
			})
		},
	}
}

func writeConfigText(w io.Writer, cfg config.Config) {
	fmt.Fprintf(w, "terminal   %s in %s\n", cfg.TerminalID, cfg.Scope())
	fmt.Fprintf(w, "database   %s\n", cfg.Database)
	fmt.Fprintf(w, "server     %s (timeout %s, notify %t)\n", cfg.Remote.BaseURL, cfg.Remote.CallTimeout, cfg.Remote.Notify)
	fmt.Fprintf(w, "interval   %s, backing off to %s\n", cfg.Sync.Interval, cfg.Sync.MaxInterval)
	fmt.Fprintf(w, "batches    %d operations / %d bytes, pull %d changes\n", cfg.Sync.BatchMaxCount, cfg.Sync.BatchMaxBytes, cfg.Sync.PullLimit)
	fmt.Fprintf(w, "surface    after %s or %d pending\n", cfg.Sync.SurfacePendingAge.Round(time.Second), cfg.Sync.SurfacePendingCount)

	logTo := "stderr"
	if cfg.Log.File != "" {
		logTo = cfg.Log.File
	}
	fmt.Fprintf(w, "log        %s at %s\n", logTo, cfg.Log.Level)

	switch {
	case cfg.Audit.S3Bucket != "":
		fmt.Fprintf(w, "audit      s3://%s/%s\n", cfg.Audit.S3Bucket, cfg.Audit.S3Prefix)
	case cfg.Audit.Dir != "":
		fmt.Fprintf(w, "audit      %s\n", cfg.Audit.Dir)
	default:
		fmt.Fprintln(w, "audit      disabled")
	}
}
