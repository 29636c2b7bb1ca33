// Command wm is the workmirror CLI: a local-first replica of a remote
// workspace. Reads and writes hit the local database immediately; the daemon
// keeps it reconciled with the remote service in the background.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagConfig string
	flagDB     string
)

var rootCmd = &cobra.Command{
	Use:   "wm",
	Short: "Local-first mirror of your workspace tasks",
	Long: `wm keeps a local replica of tasks, projects, and time entries whose
authoritative copy lives in a remote workspace API.

All commands read and write the local database and return immediately;
the daemon pushes local changes upstream and pulls remote changes down.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "database file path (overrides config)")

	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(doneCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
