package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"

	"github.com/takemura/backhaul/internal/logger"
	"github.com/takemura/backhaul/internal/orchestrator"
)

var (
	backupAll  bool
	noProgress bool
)

var backupCmd = &cobra.Command{
	Use:   "backup [name]",
	Short: "Run a backup for one or all configured targets",
	Long: `Run the full backup sequence for a named target from the configuration
file: stop MySQL, compress the data directory, optionally encrypt, transfer
the archive to the receiver, verify it, and restart MySQL.

With --all, every active target runs in turn. Interrupting a run (SIGINT or
SIGTERM) cancels it cleanly: MySQL is restarted and, when the transfer had
already started, a resume token is stored so "backhaul resume" can continue
the upload without re-sending confirmed chunks.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		l := logger.FromContext(cmd.Context())

		if !backupAll && len(args) == 0 {
			return fmt.Errorf("a backup name is required unless --all is given")
		}

		a, err := newAgent(l)
		if err != nil {
			return err
		}
		defer a.Close()

		var names []string
		switch {
		case backupAll:
			for _, b := range a.cfg.Agent.Backups {
				if b.IsActive() {
					names = append(names, b.Name)
				}
			}
			if len(names) == 0 {
				return fmt.Errorf("no active backup targets configured")
			}
		default:
			names = args
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var progress *mpb.Progress
		if !noProgress {
			progress = mpb.New(mpb.WithWidth(64))
		}

		var failed int
		for _, name := range names {
			cfg, err := a.runConfig(name)
			if err != nil {
				return err
			}

			bar := newRunBar(progress, name)
			res := a.orch.Run(ctx, cfg, bar.Update)
			bar.Done()

			reportResult(l, res)
			a.notifyResult(cmd.Context(), name, res)

			if res.Status != orchestrator.StatusCompleted {
				failed++
				if ctx.Err() != nil {
					break
				}
			}
		}
		if progress != nil {
			progress.Wait()
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d backup runs did not complete", failed, len(names))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(backupCmd)

	backupCmd.Flags().BoolVar(&backupAll, "all", false, "run every active backup target")
	backupCmd.Flags().BoolVar(&noProgress, "no-progress", false, "disable the progress bar")
}
