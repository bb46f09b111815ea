package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the tillsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "tillsync",
		Short: "Offline-first sync for point-of-sale terminals",
		Long: `tillsync records sales, stock movements, cash sessions and customers on a
till while it is offline, and syncs them with the store's server once the
network is back.

Configuration is read from tillsync.yaml, then TILLSYNC_* environment
variables, then the flags below; later sources win.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	// Global flags. Those listed in config.FlagKeys override the config file.
	pf := cmd.PersistentFlags()
	pf.BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	pf.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	pf.StringVar(&opts.ConfigPath, "config", "", "config file (default ./tillsync.yaml)")
	pf.String("db", "", "terminal database path")
	pf.String("tenant", "", "tenant id")
	pf.String("store", "", "store id")
	pf.String("terminal", "", "terminal id")
	pf.String("remote", "", "server base URL")
	pf.String("log-file", "", "log file (default stderr)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewPendingCommand(opts))
	cmd.AddCommand(NewDeadCommand(opts))
	cmd.AddCommand(NewRebuildCommand(opts))
	cmd.AddCommand(NewSaleCommand(opts))
	cmd.AddCommand(NewVoidCommand(opts))
	cmd.AddCommand(NewAdjustCommand(opts))
	cmd.AddCommand(NewCustomerCommand(opts))
	cmd.AddCommand(NewSessionCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))
	cmd.AddCommand(NewDevServerCommand(opts))
	cmd.AddCommand(NewScenarioCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}
