package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Success(map[string]int{"acknowledged": 2}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, map[string]any{"acknowledged": float64(2)}, resp.Data)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Error(ErrCodeTransport, "server unreachable", map[string]string{"remote": "http://till-server"}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E003", resp.Error.Code)
	assert.Equal(t, "server unreachable", resp.Error.Message)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Success("Local store rebuilt"))
	assert.Equal(t, "Local store rebuilt\n", buf.String())
}

func TestOutputFormatter_Result(t *testing.T) {
	render := func(w io.Writer) { fmt.Fprint(w, "2 pending") }
	data := map[string]int{"pending": 2}

	text := &bytes.Buffer{}
	require.NoError(t, (&OutputFormatter{Format: "text", Writer: text}).Result(data, render))
	assert.Equal(t, "2 pending", text.String())

	js := &bytes.Buffer{}
	require.NoError(t, (&OutputFormatter{Format: "json", Writer: js}).Result(data, render))
	assert.JSONEq(t, `{"status":"ok","data":{"pending":2}}`, js.String())
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Error(ErrCodeConfig, "tenant_id is required", map[string]string{"file": "tillsync.yaml"}))
	assert.Contains(t, buf.String(), "Error [E002]: tenant_id is required")
	assert.NotContains(t, buf.String(), "Details:")

	buf.Reset()
	formatter.Verbose = true
	require.NoError(t, formatter.Error(ErrCodeConfig, "tenant_id is required", map[string]string{"file": "tillsync.yaml"}))
	assert.Contains(t, buf.String(), "Details:")
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		wantLog bool
	}{
		{"verbose_enabled", true, true},
		{"verbose_disabled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &bytes.Buffer{}
			diag := &bytes.Buffer{}
			formatter := &OutputFormatter{
				Format:    "json",
				Writer:    out,
				ErrWriter: diag,
				Verbose:   tt.verbose,
			}

			formatter.VerboseLog("opening %s", "till.db")

			assert.Empty(t, out.String(), "diagnostics never go to the JSON stream")
			if tt.wantLog {
				assert.Equal(t, "opening till.db\n", diag.String())
			} else {
				assert.Empty(t, diag.String())
			}
		})
	}
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad config")))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))

	wrapped := fmt.Errorf("sync: %w", WrapExitError(ExitFailure, "server unreachable", errors.New("refused")))
	assert.Equal(t, ExitFailure, GetExitCode(wrapped))
	assert.Equal(t, "sync: server unreachable: refused", wrapped.Error())
}
