package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Config  string
	EnvFile string
	Owner   string
	Offline bool
	Probe   bool
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the clockin CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "clockin",
		Short: "clockin - photo-evidenced attendance",
		Long: `Record photo-evidenced entries and exits at work sites, keep them
locally first and synchronize them to the remote stores when online.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				err := &codedError{code: ErrCodeUsage, err: fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)}
				return WrapExitError(ExitCommandError, "usage", err)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Config, "config", "clockin.yaml", "path to config file")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "optional env file with overrides")
	cmd.PersistentFlags().StringVar(&opts.Owner, "owner", "", "owner id (overrides config)")
	cmd.PersistentFlags().BoolVar(&opts.Offline, "offline", false, "treat the network as unavailable")
	cmd.PersistentFlags().BoolVar(&opts.Probe, "probe", false, "probe locators over HTTP when repairing")

	cmd.AddCommand(NewInitCommand(opts))
	cmd.AddCommand(NewEntryCommand(opts))
	cmd.AddCommand(NewExitCommand(opts))
	cmd.AddCommand(NewCloseDayCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewReportCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewSelectCommand(opts))
	cmd.AddCommand(NewReconcileCommand(opts))
	cmd.AddCommand(NewRepairCommand(opts))
	cmd.AddCommand(NewRemoveEntryImageCommand(opts))

	return cmd
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}
