package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/workmirror/workmirror/internal/service"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show replica sync status",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		status, err := a.service.SyncStatus(cmd.Context())
		if err != nil {
			return err
		}

		if !status.SetupComplete {
			fmt.Println("Setup incomplete: run 'wm import --all' first")
		}
		fmt.Printf("Tasks:    %d%s\n", status.TotalTasks, formatCounts(status))
		fmt.Printf("Projects: %d\n", status.TotalProjects)
		fmt.Printf("Pending outbound changes: %d\n", status.PendingChanges)
		if status.LastAppClose != nil {
			fmt.Printf("Last app close: %s\n", status.LastAppClose.Local().Format(time.RFC1123))
		}
		for _, cursor := range status.SkippedCursors {
			fmt.Printf("Skipped cursor: %s\n", cursor)
		}
		return nil
	},
}

func formatCounts(status *service.Status) string {
	if len(status.TaskCounts) == 0 {
		return ""
	}
	parts := make([]string, 0, len(status.TaskCounts))
	for s, n := range status.TaskCounts {
		parts = append(parts, fmt.Sprintf("%d %s", n, s))
	}
	sort.Strings(parts)
	return " (" + strings.Join(parts, ", ") + ")"
}
