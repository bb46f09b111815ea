package cli

import (
	"errors"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/config"
	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/logging"
	"github.com/roach88/tillsync/internal/terminal"
)

// env is an opened terminal plus what a command needs around it.
type env struct {
	cfg    config.Config
	logger *slog.Logger
	term   *terminal.Terminal
	out    *OutputFormatter
	logs   io.Closer
}

// loadConfig reads the config file, environment and flags.
func (o *RootOptions) loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(o.ConfigPath, cmd.Flags())
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

// openTerminal loads the config, builds the logger and opens the
// terminal. The caller must Close the env.
func (o *RootOptions) openTerminal(cmd *cobra.Command, extra ...terminal.Option) (*env, error) {
	cfg, err := o.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, logs, err := logging.New(cfg.Log, cmd.ErrOrStderr(), o.Verbose)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to set up logging", err)
	}

	out := newFormatter(o, cmd)
	out.VerboseLog("opening %s for %s terminal %s", cfg.Database, cfg.Scope(), cfg.TerminalID)

	opts := append([]terminal.Option{terminal.WithLogger(logger)}, extra...)
	term, err := terminal.Open(cmd.Context(), cfg, opts...)
	if err != nil {
		logs.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open terminal", err)
	}
	return &env{cfg: cfg, logger: logger, term: term, out: out, logs: logs}, nil
}

// Close closes the terminal and the log file.
func (e *env) Close() {
	if err := e.term.Close(); err != nil {
		e.logger.Error("error closing terminal", "error", err)
	}
	e.logs.Close()
}

// actionError maps an error from an action handler or a sync to an exit
// error.
func actionError(message string, err error) error {
	switch {
	case err == nil:
		return nil
	case ir.IsTransport(err):
		return WrapExitError(ExitFailure, "server unreachable", err)
	case errors.Is(err, ir.ErrInvalidPayload),
		errors.Is(err, ir.ErrSaleImmutable),
		errors.Is(err, ir.ErrNotFound),
		errors.Is(err, ir.ErrScopeMismatch):
		return WrapExitError(ExitCommandError, message, err)
	}
	return WrapExitError(ExitFailure, message, err)
}
