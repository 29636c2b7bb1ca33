package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/workmirror/workmirror/internal/daemon"
	"github.com/workmirror/workmirror/internal/shell"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync daemon",
	Long: `Run the sync daemon in the foreground.

The daemon drains the outbound change queue, polls the push relay for
remote changes, refreshes the active subset periodically, and serves the
shell API on the configured port. Stop with SIGINT or SIGTERM; the
last-app-close anchor is recorded on shutdown so the next start's delta
import covers the downtime.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		srv := shell.NewServer(a.service, &shell.Config{
			Port:   a.cfg.Shell.Port,
			Logger: a.logger,
		})
		if err := srv.Start(); err != nil {
			return err
		}
		defer srv.Stop()

		d, err := daemon.New(a.service, a.drainer, a.poller, a.store, srv, &daemon.Config{
			DrainInterval:        a.cfg.Daemon.DrainInterval,
			RelayPollInterval:    a.cfg.Daemon.RelayPollInterval,
			ActiveImportInterval: a.cfg.Daemon.ActiveImportInterval,
			Logger:               a.logger,
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return d.Start(ctx)
	},
}
