package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/takemura/backhaul/internal/logger"
	"github.com/takemura/backhaul/internal/scheduler"
)

var (
	cronSpec string
	interval string
	paused   bool
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage recurring backup schedules",
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add [name]",
	Short: "Schedule a recurring backup for a configured target",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		l := logger.FromContext(cmd.Context())
		name := args[0]

		spec := cronSpec
		if interval != "" {
			spec = interval
		}
		if spec == "" {
			return fmt.Errorf("either --cron or --interval is required")
		}
		if err := scheduler.ValidateSpec(spec); err != nil {
			return err
		}

		a, err := newAgent(l)
		if err != nil {
			return err
		}
		defer a.Close()

		// The target must exist in configuration before it can be scheduled.
		if _, err := a.runConfig(name); err != nil {
			return err
		}

		s := scheduler.New(a.store, nil, l)
		if err := s.Add(cmd.Context(), name, spec, !paused); err != nil {
			return err
		}

		l.Info("schedule saved", "name", name, "spec", spec, "active", !paused)
		return nil
	},
}

var scheduleRemoveCmd = &cobra.Command{
	Use:   "remove [name]",
	Short: "Remove a backup schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		l := logger.FromContext(cmd.Context())

		a, err := newAgent(l)
		if err != nil {
			return err
		}
		defer a.Close()

		s := scheduler.New(a.store, nil, l)
		if err := s.Remove(args[0]); err != nil {
			return err
		}

		l.Info("schedule removed", "name", args[0])
		return nil
	},
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved backup schedules",
	RunE: func(cmd *cobra.Command, args []string) error {
		l := logger.FromContext(cmd.Context())

		a, err := newAgent(l)
		if err != nil {
			return err
		}
		defer a.Close()

		schedules, err := a.store.ListSchedules(false)
		if err != nil {
			return err
		}
		if len(schedules) == 0 {
			l.Info("no schedules saved")
			return nil
		}
		for _, sc := range schedules {
			l.Info("schedule",
				"name", sc.Name,
				"spec", sc.CronExpr,
				"active", sc.Active,
			)
		}
		return nil
	},
}

var scheduleStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the schedule daemon in the foreground",
	Long: `Load every active schedule from the state database and run backups at
their configured times until interrupted. Runs beyond the configured
concurrency bound queue rather than overlap.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		l := logger.FromContext(cmd.Context())

		a, err := newAgent(l)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		runBackup := func(ctx context.Context, name string) {
			cfg, err := a.runConfig(name)
			if err != nil {
				l.Error("scheduled backup misconfigured", "name", name, "error", err)
				return
			}
			if !cfg.Active {
				l.Debug("scheduled backup is paused in configuration", "name", name)
				return
			}
			res := a.orch.Run(ctx, cfg, nil)
			reportResult(l, res)
			a.notifyResult(ctx, name, res)
		}

		s := scheduler.New(a.store, runBackup, l)
		if err := s.Start(ctx); err != nil {
			return err
		}
		defer s.Stop()

		for _, e := range s.Entries() {
			l.Info("schedule armed", "name", e.Name, "spec", e.Spec, "next_run", e.NextRun)
		}

		<-ctx.Done()
		l.Info("shutting down schedule daemon")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
	scheduleCmd.AddCommand(scheduleAddCmd)
	scheduleCmd.AddCommand(scheduleRemoveCmd)
	scheduleCmd.AddCommand(scheduleListCmd)
	scheduleCmd.AddCommand(scheduleStartCmd)

	scheduleAddCmd.Flags().StringVar(&cronSpec, "cron", "", "cron schedule (e.g. \"0 2 * * *\")")
	scheduleAddCmd.Flags().StringVar(&interval, "interval", "", "interval schedule (e.g. \"12h\", \"30m\")")
	scheduleAddCmd.Flags().BoolVar(&paused, "paused", false, "save the schedule without arming it")
}
