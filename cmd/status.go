package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/takemura/backhaul/internal/logger"
)

var (
	statusLimit int
	pruneOlder  string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent backup runs",
	Long: `List recent backup runs from the state database, newest first,
including interrupted runs that can still be resumed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		l := logger.FromContext(cmd.Context())

		a, err := newAgent(l)
		if err != nil {
			return err
		}
		defer a.Close()

		if pruneOlder != "" {
			age, err := time.ParseDuration(pruneOlder)
			if err != nil {
				return fmt.Errorf("--prune-older %q: %w", pruneOlder, err)
			}
			n, err := a.store.PruneBackupLogs(time.Now().Add(-age))
			if err != nil {
				return err
			}
			l.Info("old runs pruned", "removed", n)
		}

		logs, err := a.store.ListBackupLogs(statusLimit)
		if err != nil {
			return err
		}
		if len(logs) == 0 {
			l.Info("no backup runs recorded")
			return nil
		}

		fmt.Printf("\n%-20s %-12s %-10s %-10s %-10s %-36s\n",
			"STARTED", "TARGET", "STATUS", "SIZE", "SENT", "RUN ID")
		fmt.Println(strings.Repeat("-", 102))
		for _, rec := range logs {
			size := "-"
			if rec.RemoteSize > 0 {
				size = humanize.IBytes(uint64(rec.RemoteSize))
			}
			sent := "-"
			if rec.BytesSent > 0 {
				sent = humanize.IBytes(uint64(rec.BytesSent))
			}
			status := rec.Status
			if rec.ResumeToken != "" {
				status += "*"
			}
			fmt.Printf("%-20s %-12s %-10s %-10s %-10s %-36s\n",
				rec.StartedAt.Format("2006-01-02 15:04:05"),
				rec.ConfigName,
				status,
				size,
				sent,
				rec.RunID,
			)
		}
		fmt.Println("\n* resumable with \"backhaul resume <run-id>\"")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "number of runs to show")
	statusCmd.Flags().StringVar(&pruneOlder, "prune-older", "", "delete runs older than this duration (e.g. \"720h\") before listing")
}
