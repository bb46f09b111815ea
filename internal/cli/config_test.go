package cli

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tillsync/internal/config"
)

func TestConfigCommand_JSON(t *testing.T) {
	path := writeConfig(t, "http://till-server:8787")

	out, err := execute(t, "config", "--config", path, "--format", "json", "--terminal", "till-9")
	require.NoError(t, err)

	var view ConfigView
	decodeData(t, out, &view)
	assert.Equal(t, "acme", view.TenantID)
	assert.Equal(t, "s1", view.StoreID)
	assert.Equal(t, "till-9", view.TerminalID, "flags override the file")
	assert.Equal(t, "http://till-server:8787", view.Remote.BaseURL)
	assert.Equal(t, "5s", view.Remote.CallTimeout)
	assert.False(t, view.Remote.Notify)
	assert.Equal(t, "1h0m0s", view.Sync.Interval)
	assert.Equal(t, 50, view.Sync.BatchMaxCount)
	assert.Equal(t, "warn", view.Log.Level)
}

func TestConfigCommand_Invalid(t *testing.T) {
	path := writeConfig(t, "http://till-server:8787")

	out, err := execute(t, "config", "--config", path, "--format", "json", "--tenant", "")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, `"E002"`)
}

func TestConfigCommand_MissingFile(t *testing.T) {
	_, err := execute(t, "config", "--config", "/nonexistent/tillsync.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestWriteConfigText(t *testing.T) {
	cfg := config.Config{
		Database:   "till.db",
		TenantID:   "acme",
		StoreID:    "s1",
		TerminalID: "till-1",
		Remote:     config.RemoteConfig{BaseURL: "http://till-server", CallTimeout: 10 * time.Second, Notify: true},
		Sync: config.SyncConfig{
			Interval:            30 * time.Second,
			MaxInterval:         10 * time.Minute,
			BatchMaxCount:       50,
			BatchMaxBytes:       1024,
			PullLimit:           500,
			SurfacePendingAge:   15 * time.Minute,
			SurfacePendingCount: 200,
		},
		Log:   config.LogConfig{Level: "info"},
		Audit: config.AuditConfig{S3Bucket: "till-audit", S3Prefix: "acme/"},
	}

	buf := &bytes.Buffer{}
	writeConfigText(buf, cfg)

	out := buf.String()
	assert.Contains(t, out, "terminal   till-1 in acme/s1")
	assert.Contains(t, out, "server     http://till-server (timeout 10s, notify true)")
	assert.Contains(t, out, "log        stderr at info")
	assert.Contains(t, out, "audit      s3://till-audit/acme/")

	cfg.Audit = config.AuditConfig{}
	buf.Reset()
	writeConfigText(buf, cfg)
	assert.Contains(t, buf.String(), "audit      disabled")
}
