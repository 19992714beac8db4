package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/takemura/backhaul/internal/archive"
	"github.com/takemura/backhaul/internal/config"
	"github.com/takemura/backhaul/internal/logger"
	"github.com/takemura/backhaul/internal/receiver"
	"github.com/takemura/backhaul/internal/store"
	"github.com/takemura/backhaul/internal/transfer"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the receiver that accepts chunked backup uploads",
	Long: `Start the receiver daemon. It accepts chunk uploads from agents,
reassembles and verifies archives, and answers resume requests for
interrupted transfers. Resume tokens are persisted in the state database so
an agent can continue an upload even across receiver restarts.

When receiver.archive_uri is configured, every finalized archive is also
copied to that target (a local directory, s3://, or sftp:// URI).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		l := logger.FromContext(cmd.Context())
		cfg := config.Get()

		if cfg.Receiver.SpoolDir == "" || cfg.Receiver.TargetDir == "" {
			return fmt.Errorf("receiver.spool_dir and receiver.target_dir must be configured")
		}

		maxAge, err := time.ParseDuration(cfg.Receiver.TokenMaxAge)
		if err != nil {
			return fmt.Errorf("receiver.token_max_age %q: %w", cfg.Receiver.TokenMaxAge, err)
		}

		st, err := store.Open(cfg.StateDB)
		if err != nil {
			return err
		}
		defer st.Close()

		mgr, err := transfer.NewManager(transfer.ManagerOptions{
			SpoolDir:    cfg.Receiver.SpoolDir,
			TargetDir:   cfg.Receiver.TargetDir,
			Tokens:      st.TokenStore(),
			MaxTokenAge: maxAge,
			Logger:      l,
		})
		if err != nil {
			return err
		}

		var archiver archive.Archiver
		if cfg.Receiver.ArchiveURI != "" {
			archiver, err = archive.FromURI(cfg.Receiver.ArchiveURI, archive.Options{
				AllowInsecure: cfg.Receiver.AllowInsecure,
			})
			if err != nil {
				return err
			}
			l.Info("archiving finalized uploads", "target", archiver.Location())
		}

		var auth receiver.Authenticator
		if len(cfg.Receiver.AuthTokens) > 0 {
			auth = receiver.NewStaticTokenAuth(cfg.Receiver.AuthTokens)
		} else {
			l.Warn("no auth tokens configured; the receiver accepts unauthenticated uploads")
		}

		rcv, err := receiver.New(receiver.Options{
			Addr:          cfg.Receiver.Listen,
			Manager:       mgr,
			Auth:          auth,
			Archiver:      archiver,
			MaxChunkBytes: int64(cfg.Receiver.MaxChunkMB) << 20,
			Logger:        l,
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := rcv.Start(ctx); err != nil {
			return err
		}
		l.Info("receiver listening", "addr", rcv.Addr())

		// Expired resume tokens and their spool directories are swept
		// hourly; a token older than token_max_age is no longer honored.
		go func() {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n, err := mgr.SweepExpired(ctx); err != nil {
						l.Warn("token sweep failed", "error", err)
					} else if n > 0 {
						l.Info("expired resume tokens removed", "count", n)
					}
				}
			}
		}()

		<-ctx.Done()
		l.Info("shutting down receiver")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return rcv.Stop(shutdownCtx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
