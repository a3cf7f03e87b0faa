package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/clockin/internal/attendance"
	"github.com/roach88/clockin/internal/config"
	"github.com/roach88/clockin/internal/model"
)

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Long: `Write the default configuration to the --config path.

Example:
  clockin init --config ./clockin.yaml --owner u-42`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			if !force && fileExists(rootOpts.Config) {
				return f.Fail("init", &codedError{code: ErrCodeConfig, err: fmt.Errorf("%s already exists (use --force)", rootOpts.Config)})
			}
			cfg := config.DefaultConfig()
			cfg.Owner = rootOpts.Owner
			if err := config.Write(rootOpts.Config, cfg); err != nil {
				return f.Fail("init", &codedError{code: ErrCodeConfig, err: err})
			}
			return f.Success(map[string]string{"path": rootOpts.Config}, "Wrote "+rootOpts.Config)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

// NewEntryCommand creates the entry command.
func NewEntryCommand(rootOpts *RootOptions) *cobra.Command {
	return newRegisterCommand(rootOpts, "entry", "Register an entry at a site",
		func(ctx context.Context, m *attendance.Machine, site model.Site) (attendance.Receipt, error) {
			return m.RegisterEntry(ctx, site)
		})
}

// NewExitCommand creates the exit command.
func NewExitCommand(rootOpts *RootOptions) *cobra.Command {
	return newRegisterCommand(rootOpts, "exit", "Register an exit at a site",
		func(ctx context.Context, m *attendance.Machine, site model.Site) (attendance.Receipt, error) {
			return m.RegisterExit(ctx, site)
		})
}

type registerFunc func(ctx context.Context, m *attendance.Machine, site model.Site) (attendance.Receipt, error)

func newRegisterCommand(rootOpts *RootOptions, use, short string, register registerFunc) *cobra.Command {
	capture := &captureOptions{}
	cmd := &cobra.Command{
		Use:   use + " [site]",
		Short: short,
		Long: short + `. Without a site the selected site is used.

Example:
  clockin ` + use + ` "Planta 1" --photo ./photo.jpg --lat 4.61 --lng -74.08`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			capture.HasFix = cmd.Flags().Changed("lat") && cmd.Flags().Changed("lng")
			return withApp(cmd, rootOpts, capture, func(ctx context.Context, f *OutputFormatter, a *app) error {
				r, err := register(ctx, a.machine, a.site(args))
				if err != nil {
					return f.Fail(use, err)
				}
				return f.Success(r, receiptText(use, r))
			})
		},
	}
	capture.bind(cmd)
	return cmd
}

// NewCloseDayCommand creates the close-day command.
func NewCloseDayCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "close-day",
		Short: "Archive the day and reset the ledger",
		Long: `Synchronize, compute worked hours, store the closed day locally and
remotely and reset the ledger. Fails while any site is open.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, nil, func(ctx context.Context, f *OutputFormatter, a *app) error {
				j, err := a.machine.CloseDay(ctx)
				if err != nil {
					return f.Fail("close day", err)
				}
				return f.Success(j, jornadaText(j))
			})
		},
	}
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	var retry bool
	cmd := &cobra.Command{
		Use:           "sync",
		Short:         "Upload pending photos and push completed sessions",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, nil, func(ctx context.Context, f *OutputFormatter, a *app) error {
				run := a.orch.Synchronize
				if retry {
					run = a.orch.SynchronizeWithRetry
				}
				rep, err := run(ctx)
				if err != nil {
					return f.Fail("sync", err)
				}
				return f.Success(rep, syncText(rep))
			})
		},
	}
	cmd.Flags().BoolVar(&retry, "retry", false, "retry failed passes with backoff")
	return cmd
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Synchronize periodically until interrupted",
		Long: `Run a sync pass now, then on every poll interval (sync.poll_interval_ms)
until SIGINT or SIGTERM.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)
			return withApp(cmd, rootOpts, nil, func(ctx context.Context, f *OutputFormatter, a *app) error {
				if _, err := a.orch.SynchronizeWithRetry(ctx); err != nil {
					a.log.Warn("initial sync failed", "error", err)
				}
				a.log.Info("watching", "poll_interval", config.Millis(a.cfg.Sync.PollIntervalMS))
				if err := a.orch.Run(ctx); err != nil && ctx.Err() == nil {
					return f.Fail("watch", err)
				}
				return f.Success(map[string]string{"state": "stopped"}, "Stopped")
			})
		},
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "status",
		Short:         "Show the selected site, open sessions and worked hours",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, nil, func(ctx context.Context, f *OutputFormatter, a *app) error {
				st := a.machine.Status()
				return f.Success(st, statusText(st))
			})
		},
	}
}

// NewReportCommand creates the report command.
func NewReportCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "report",
		Short:         "Show the sessions of the open day with worked hours",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, nil, func(ctx context.Context, f *OutputFormatter, a *app) error {
				snap := a.ledger.Snapshot()
				rep := attendance.BuildReport(a.ledger.Sites(), snap)
				return f.Success(rep, reportText(rep, snap))
			})
		},
	}
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "history",
		Short:         "List the closed days stored remotely",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, nil, func(ctx context.Context, f *OutputFormatter, a *app) error {
				days, err := closedDays(ctx, a)
				if err != nil {
					return f.Fail("history", err)
				}
				return f.Success(days, historyText(days))
			})
		},
	}
}

// NewSelectCommand creates the select command.
func NewSelectCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "select <site>",
		Short:         "Select the working site",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, nil, func(ctx context.Context, f *OutputFormatter, a *app) error {
				res, err := a.machine.SelectSite(ctx, model.Site(args[0]))
				if err != nil {
					return f.Fail("select", err)
				}
				return f.Success(res, "Selected "+string(res.Site)+reconcileSuffix(res))
			})
		},
	}
}

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "reconcile [site]",
		Short:         "Recover sessions from captured photos",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, nil, func(ctx context.Context, f *OutputFormatter, a *app) error {
				res, err := a.rec.ReconcileSite(ctx, a.site(args))
				if err != nil {
					return f.Fail("reconcile", err)
				}
				return f.Success(res, "Reconciled "+string(res.Site)+reconcileSuffix(res))
			})
		},
	}
}

// NewRepairCommand creates the repair command.
func NewRepairCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Rewrite photo locators that use the misconfigured domain",
		Long: `Rewrite every asset record of the owner whose locator uses the
misconfigured storage domain. With --probe, records on the good domain
that answer 404 are switched to the alternate domain when it resolves.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, nil, func(ctx context.Context, f *OutputFormatter, a *app) error {
				n, err := a.repair.Migrate(ctx, a.owner)
				if err != nil {
					return f.Fail("repair", err)
				}
				if rootOpts.Probe {
					probed, err := probeRecords(ctx, a)
					if err != nil {
						return f.Fail("repair", err)
					}
					n += probed
				}
				return f.Success(map[string]int{"fixed": n}, fmt.Sprintf("Fixed %d locator(s)", n))
			})
		},
	}
}

// NewRemoveEntryImageCommand creates the remove-entry-image command.
func NewRemoveEntryImageCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "remove-entry-image [site]",
		Short:         "Delete the latest entry photo record of a site",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, nil, func(ctx context.Context, f *OutputFormatter, a *app) error {
				site := a.site(args)
				if err := a.machine.RemoveEntryImage(ctx, site); err != nil {
					return f.Fail("remove entry image", err)
				}
				return f.Success(map[string]string{"site": string(site)}, "Removed entry image of "+string(site))
			})
		},
	}
}

// withApp opens the app for the command, runs fn and closes it.
func withApp(cmd *cobra.Command, opts *RootOptions, capture *captureOptions, fn func(ctx context.Context, f *OutputFormatter, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	f := opts.formatter(cmd)
	a, err := openApp(ctx, opts, cmd, capture)
	if err != nil {
		return f.Fail("open", err)
	}
	defer a.Close()
	f.VerboseLog("owner %s, %d site(s)", a.owner, len(a.ledger.Sites()))
	return fn(ctx, f, a)
}
