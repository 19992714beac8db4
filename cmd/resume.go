package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"

	"github.com/takemura/backhaul/internal/logger"
	"github.com/takemura/backhaul/internal/store"
)

var resumeCmd = &cobra.Command{
	Use:   "resume [run-id]",
	Short: "Resume the transfer of an interrupted backup run",
	Long: `Continue uploading the staged archive of a failed or cancelled run,
skipping every chunk the receiver already confirmed. Without an argument the
most recent resumable run is picked.

Resume only re-runs the transfer and verification: MySQL was already
restarted when the original run ended, and the archive is read from the
staging directory as-is.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		l := logger.FromContext(cmd.Context())

		a, err := newAgent(l)
		if err != nil {
			return err
		}
		defer a.Close()

		var rec *store.BackupLog
		if len(args) == 1 {
			rec, err = a.store.GetBackupLog(args[0])
		} else {
			rec, err = a.store.LatestResumable()
		}
		if err != nil {
			return err
		}
		if rec == nil {
			return fmt.Errorf("no resumable run found")
		}
		if rec.ResumeToken == "" {
			return fmt.Errorf("run %s has no resume token; start a fresh backup instead", rec.RunID)
		}
		if rec.ArchivePath == "" {
			return fmt.Errorf("run %s has no staged archive recorded", rec.RunID)
		}
		if _, err := os.Stat(rec.ArchivePath); err != nil {
			return fmt.Errorf("staged archive is gone: %w", err)
		}

		cfg, err := a.runConfig(rec.ConfigName)
		if err != nil {
			return err
		}

		l.Info("resuming interrupted run",
			"run_id", rec.RunID,
			"config", rec.ConfigName,
			"archive", rec.ArchivePath,
		)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var progress *mpb.Progress
		if !noProgress {
			progress = mpb.New(mpb.WithWidth(64))
		}
		bar := newRunBar(progress, rec.ConfigName)

		res := a.orch.ResumeRun(ctx, cfg, rec.ResumeToken, rec.ArchivePath, bar.Update)
		bar.Done()
		if progress != nil {
			progress.Wait()
		}

		reportResult(l, res)
		a.notifyResult(cmd.Context(), rec.ConfigName, res)
		return res.Err
	},
}

func init() {
	rootCmd.AddCommand(resumeCmd)

	resumeCmd.Flags().BoolVar(&noProgress, "no-progress", false, "disable the progress bar")
}
