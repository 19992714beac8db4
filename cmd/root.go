package cmd

import (
	"github.com/spf13/cobra"
	"github.com/takemura/backhaul/internal/config"
	"github.com/takemura/backhaul/internal/logger"
)

var (
	cfgFile string
	LogJSON bool
	NoColor bool
	Debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "backhaul",
	Short: "backhaul moves cold MySQL backups to a remote receiver over a resumable chunk protocol",
	Long: `backhaul is a distributed MySQL backup tool with two roles.

The agent role stops a MySQL instance, compresses its data directory,
optionally encrypts the archive, and streams it to a receiver in checksummed
chunks. Interrupted transfers resume from the last confirmed chunk instead of
starting over, and MySQL is restarted even when the run fails.

The receiver role accepts chunk uploads, reassembles and verifies the
archive, and optionally forwards it to long-term storage (local disk, S3,
SFTP).`,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Initialize(cfgFile); err != nil {
			return err
		}
		cfg := config.Get()
		l := logger.New(logger.Config{
			JSON:    LogJSON || cfg.LogJSON,
			NoColor: NoColor || cfg.NoColor,
			Debug:   Debug || cfg.Debug,
		})
		cmd.SetContext(logger.IntoContext(cmd.Context(), l))
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to configuration file (default: ./backhaul.yaml, /etc/backhaul, ~/.backhaul)")
	rootCmd.PersistentFlags().BoolVar(&LogJSON, "log-json", false, "emit logs as JSON")
	rootCmd.PersistentFlags().BoolVar(&NoColor, "no-color", false, "disable colored log output")
	rootCmd.PersistentFlags().BoolVar(&Debug, "debug", false, "enable debug logging")

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("backhaul version {{ .Version }}\n")
}

func Execute() error {
	return rootCmd.Execute()
}
