package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/CounselPipe/internal/lockfile"
	"github.com/BTreeMap/CounselPipe/internal/scheduler"
)

func newSweepCmd(c *cli) *cobra.Command {
	var watch bool
	var schedule string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Close idle sessions and answer stranded user turns",
		Long: `Close every open session whose last activity is older than $SESSION_IDLE_TTL,
after answering user turns that a crashed process left without a reply.

With --watch the sweep repeats until interrupted, every $SWEEP_INTERVAL or on
the cron schedule given by --schedule / $SWEEP_SCHEDULE. Only one watcher may
run per state directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if cmd.Flags().Changed("schedule") {
				if err := scheduler.ValidateExpr(schedule); err != nil {
					return err
				}
				c.cfg.SweepSchedule = schedule
			}
			if watch {
				lock, err := lockfile.AcquireLock(c.cfg.StateDir, "sweep")
				if err != nil {
					return err
				}
				defer lock.Release()
			}

			a, err := openApp(ctx, c.cfg, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			answered, err := a.recoverState(ctx)
			if err != nil {
				return err
			}
			if answered > 0 {
				fmt.Fprintf(out, "answered %d stranded user turns\n", answered)
			}

			closer := a.flow.IdleSessionCloser()
			if !watch {
				n, err := closer.SweepOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "closed %d idle sessions\n", n)
				return nil
			}

			fmt.Fprintln(out, mutedStyle.Render("watching for idle sessions, Ctrl-C to stop"))
			if c.cfg.SweepSchedule == "" {
				closer.Run(ctx)
				return nil
			}
			sched := scheduler.NewScheduler()
			if err := sched.AddJob(ctx, "recover-unanswered", c.cfg.SweepSchedule, func(ctx context.Context) error {
				_, err := a.recoverState(ctx)
				return err
			}); err != nil {
				return err
			}
			if err := sched.AddJob(ctx, "close-idle", c.cfg.SweepSchedule, func(ctx context.Context) error {
				n, err := closer.SweepOnce(ctx)
				if n > 0 {
					slog.Info("sweep: closed idle sessions", "count", n)
				}
				return err
			}); err != nil {
				return err
			}
			sched.Run(ctx)
			return nil
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep sweeping until interrupted")
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron expression for --watch, e.g. \"*/10 * * * *\" (overrides $SWEEP_SCHEDULE)")
	return cmd
}
