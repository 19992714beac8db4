package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/takemura/backhaul/internal/logger"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate every configured backup target",
	Long: `Check each backup target in the configuration file without touching
MySQL or the receiver: data and work directories must exist, the endpoint
must be a valid host:port, and key files must be readable. Every problem is
reported, not just the first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		l := logger.FromContext(cmd.Context())

		a, err := newAgent(l)
		if err != nil {
			return err
		}
		defer a.Close()

		if len(a.cfg.Agent.Backups) == 0 {
			return fmt.Errorf("no backup targets configured")
		}

		bad := 0
		for _, b := range a.cfg.Agent.Backups {
			cfg, err := a.runConfig(b.Name)
			if err != nil {
				l.Error("invalid target", "name", b.Name, "error", err)
				bad++
				continue
			}
			errs := cfg.Validate()
			if len(errs) == 0 {
				l.Info("target ok", "name", b.Name, "active", cfg.Active)
				continue
			}
			bad++
			for _, e := range errs {
				l.Error("invalid target", "name", b.Name, "error", e)
			}
		}

		if bad > 0 {
			return fmt.Errorf("%d of %d targets failed validation", bad, len(a.cfg.Agent.Backups))
		}
		l.Info("configuration is valid", "targets", len(a.cfg.Agent.Backups))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
