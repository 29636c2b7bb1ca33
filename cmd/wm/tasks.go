package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/workmirror/workmirror/internal/service"
	"github.com/workmirror/workmirror/internal/store"
)

var (
	flagAddDue      string
	flagAddEstimate int
	flagAddFlag     bool
	flagListStatus  string
	flagListAll     bool
)

var addCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Create a task locally and queue it for push",
	Long: `Create a task in the local replica. The task is visible immediately
and pushed to the remote service by the daemon's next drain cycle.

Due dates accept natural language:

  wm add "Review designs" --due "next friday"
  wm add "Call back" --due tomorrow`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		draft := service.TaskDraft{
			Title:           strings.Join(args, " "),
			Flagged:         flagAddFlag,
			EstimateMinutes: flagAddEstimate,
		}
		if flagAddDue != "" {
			due, err := parseNaturalDate(flagAddDue)
			if err != nil {
				return err
			}
			draft.DueDate = &due
		}

		task, err := a.service.CreateLocal(cmd.Context(), draft)
		if err != nil {
			return err
		}

		fmt.Printf("Created %s: %s\n", task.LocalID[:8], task.Title)
		if task.DueDate != nil {
			fmt.Printf("Due %s\n", task.DueDate.Local().Format("Mon Jan 2 2006"))
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks from the local replica",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		tasks, err := a.service.Tasks(cmd.Context(), store.TaskFilter{
			Status:         flagListStatus,
			IncludeTrashed: flagListAll,
		})
		if err != nil {
			return err
		}

		if len(tasks) == 0 {
			fmt.Println("No tasks.")
			return nil
		}
		for _, t := range tasks {
			due := ""
			if t.DueDate != nil {
				due = t.DueDate.Local().Format("2006-01-02")
			}
			marker := " "
			if t.SyncStatus != "synced" {
				marker = "*"
			}
			fmt.Printf("%s %-8s %-12s %-10s %s\n",
				marker, t.LocalID[:8], t.Status, due, t.Title)
		}
		return nil
	},
}

var doneCmd = &cobra.Command{
	Use:   "done <id>",
	Short: "Mark a task done",
	Long: `Mark a task done. The id is a local id or its unique prefix as
printed by 'wm list'.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		localID, err := resolveTaskID(cmd, a, args[0])
		if err != nil {
			return err
		}

		task, err := a.service.Complete(cmd.Context(), localID)
		if err != nil {
			return err
		}
		fmt.Printf("Done: %s\n", task.Title)
		return nil
	},
}

func init() {
	addCmd.Flags().StringVar(&flagAddDue, "due", "", "due date (natural language accepted)")
	addCmd.Flags().IntVar(&flagAddEstimate, "estimate", 0, "estimate in minutes")
	addCmd.Flags().BoolVar(&flagAddFlag, "flag", false, "flag the task")
	listCmd.Flags().StringVar(&flagListStatus, "status", "", "filter by status")
	listCmd.Flags().BoolVar(&flagListAll, "all", false, "include trashed tasks")
}

// parseNaturalDate parses "next friday", "tomorrow", or a plain 2006-01-02.
func parseNaturalDate(s string) (time.Time, error) {
	if t, err := time.ParseInLocation("2006-01-02", s, time.Local); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	result, err := w.Parse(s, time.Now())
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse date %q: %w", s, err)
	}
	if result == nil {
		return time.Time{}, fmt.Errorf("could not understand date %q", s)
	}
	return result.Time, nil
}

// resolveTaskID expands a local-id prefix to the full id.
func resolveTaskID(cmd *cobra.Command, a *app, prefix string) (string, error) {
	tasks, err := a.service.Tasks(cmd.Context(), store.TaskFilter{})
	if err != nil {
		return "", err
	}

	var matches []string
	for _, t := range tasks {
		if t.LocalID == prefix {
			return t.LocalID, nil
		}
		if strings.HasPrefix(t.LocalID, prefix) {
			matches = append(matches, t.LocalID)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return "", fmt.Errorf("no task matches %q", prefix)
	default:
		return "", fmt.Errorf("%q is ambiguous (%d matches)", prefix, len(matches))
	}
}
