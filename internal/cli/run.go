package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/tillsync/internal/events"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon",
		Long: `Open the terminal database and sync in the background until interrupted.

A cycle runs at start-up, on every sync.interval, when the server sends a
change notification and when the link comes back after an outage. Failed
cycles back off up to sync.max_interval.

Sync events (conflicts, rejections, operations needing review) are written
to stdout, one per line; with --format json each line is a JSON object.

Example:
  tillsync run --db ./till.db --tenant acme --store s1 --terminal till-1
  tillsync run --config /etc/tillsync.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(rootOpts, cmd)
		},
	}
	return cmd
}

func runDaemon(opts *RootOptions, cmd *cobra.Command) error {
	e, err := opts.openTerminal(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			e.logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	evs, unsubscribe := e.term.Events().Subscribe(64)
	defer unsubscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range evs {
			writeEvent(e.out.Writer, opts.Format, ev)
		}
	}()

	if err := e.term.Start(ctx); err != nil {
		return WrapExitError(ExitFailure, "failed to start sync", err)
	}
	e.logger.Info("terminal started", "remote", e.cfg.Remote.BaseURL, "interval", e.cfg.Sync.Interval)
	if opts.Format != "json" {
		fmt.Fprintf(e.out.Writer, "Terminal %s syncing with %s. Press Ctrl-C to stop.\n", e.cfg.TerminalID, e.cfg.Remote.BaseURL)
	}

	<-ctx.Done()
	e.term.Stop()
	unsubscribe()
	<-done

	e.logger.Info("terminal stopped")
	return nil
}

// eventLine is the JSON form of a streamed event.
type eventLine struct {
	Seq         int64  `json:"seq"`
	Kind        string `json:"kind"`
	At          string `json:"at"`
	OperationID string `json:"operation_id,omitempty"`
	OpKind      string `json:"op_kind,omitempty"`
	Resolution  string `json:"resolution,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Error       string `json:"error,omitempty"`
}

// writeEvent prints one event. Cycle start and finish are too chatty for
// text output and are only streamed as JSON.
func writeEvent(w io.Writer, format string, ev events.Event) {
	if format == "json" {
		data, _ := json.Marshal(eventLine{
			Seq:         ev.Seq,
			Kind:        string(ev.Kind),
			At:          ev.At.Format(time.RFC3339),
			OperationID: ev.OperationID,
			OpKind:      string(ev.OpKind),
			Resolution:  ev.Resolution,
			Reason:      ev.Reason,
			Error:       ev.Error,
		})
		fmt.Fprintln(w, string(data))
		return
	}

	at := ev.At.Local().Format(time.TimeOnly)
	switch ev.Kind {
	case events.KindCycleStarted, events.KindCycleFinished:
	case events.KindTransportFailure:
		fmt.Fprintf(w, "%s offline: %s\n", at, ev.Error)
	case events.KindConflictResolved:
		fmt.Fprintf(w, "%s conflict %s %s resolved by %s: %s\n", at, ev.OpKind, ev.OperationID, ev.Resolution, ev.Reason)
	case events.KindOperationRejected:
		fmt.Fprintf(w, "%s rejected %s %s: %s\n", at, ev.OpKind, ev.OperationID, ev.Reason)
	case events.KindManualReview:
		fmt.Fprintf(w, "%s REVIEW %s %s: %s\n", at, ev.OpKind, ev.OperationID, ev.Reason)
	default:
		fmt.Fprintf(w, "%s %s\n", at, ev.Kind)
	}
}
