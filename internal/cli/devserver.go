package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/config"
	"github.com/roach88/tillsync/internal/ir"
	"github.com/roach88/tillsync/internal/logging"
	"github.com/roach88/tillsync/internal/remote/server"
)

// DevServerOptions holds flags for the devserver command.
type DevServerOptions struct {
	*RootOptions
	Addr  string
	Data  string
	Stock map[string]int64

	// Ready, if set, receives the bound address once the server listens.
	Ready func(addr string)
}

// NewDevServerCommand creates the devserver command.
func NewDevServerCommand(rootOpts *RootOptions) *cobra.Command {
	return newDevServerCommand(&DevServerOptions{RootOptions: rootOpts})
}

func newDevServerCommand(opts *DevServerOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run the reference server for local testing",
		Long: `Run an in-process reference implementation of the tenant-scoped server API:
POST /operations/batch, GET /changes, GET /notify (websocket) and
GET /healthz.

Data is kept in memory unless --data names a SQLite file. --stock seeds
on-hand quantities for the --tenant/--store scope.

Example:
  tillsync devserver --addr 127.0.0.1:8787 --tenant acme --store s1 --stock sku-1=10,sku-2=4`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevServer(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "127.0.0.1:8787", "listen address")
	cmd.Flags().StringVar(&opts.Data, "data", ":memory:", "server database path")
	cmd.Flags().StringToInt64Var(&opts.Stock, "stock", nil, "seed stock as product=quantity")

	return cmd
}

func runDevServer(opts *DevServerOptions, cmd *cobra.Command) error {
	logFile, _ := cmd.Flags().GetString("log-file")
	logger, logs, err := logging.New(config.LogConfig{Level: "info", File: logFile}, cmd.ErrOrStderr(), opts.Verbose)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up logging", err)
	}
	defer logs.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	srv, err := server.Open(ctx, opts.Data, server.WithLogger(logger))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open server database", err)
	}
	defer srv.Close()

	if len(opts.Stock) > 0 {
		tenant, _ := cmd.Flags().GetString("tenant")
		store, _ := cmd.Flags().GetString("store")
		scope := ir.Scope{TenantID: tenant, StoreID: store}
		if err := scope.Validate(); err != nil {
			return WrapExitError(ExitCommandError, "--stock needs --tenant and --store", err)
		}
		for product, qty := range opts.Stock {
			if err := srv.SetStock(ctx, scope, product, qty); err != nil {
				return WrapExitError(ExitFailure, "failed to seed stock", err)
			}
		}
		logger.Info("seeded stock", "scope", scope.String(), "products", len(opts.Stock))
	}

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		httpServer.Shutdown(shutdownCtx)
	}()

	addr := ln.Addr().String()
	logger.Info("reference server listening", "addr", addr, "data", opts.Data)
	if opts.Format != "json" {
		fmt.Fprintf(cmd.OutOrStdout(), "Reference server listening on http://%s\n", addr)
	}
	if opts.Ready != nil {
		opts.Ready(addr)
	}

	if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return WrapExitError(ExitFailure, "server error", err)
	}
	logger.Info("reference server stopped")
	return nil
}
