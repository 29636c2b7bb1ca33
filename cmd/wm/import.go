package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/workmirror/workmirror/internal/engine"
)

const durationPrecision = 10 * time.Millisecond

var (
	flagImportAll    bool
	flagImportActive bool
	flagImportDelta  bool
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Pull remote records into the local replica",
	Long: `Import remote records.

  --all     full import: fetches everything, never overwrites local rows.
            Use for first-time setup; safe to rerun.
  --active  refresh the active subset, replacing local copies with the
            current remote state. This is the steady-state mode.
  --delta   fetch records edited since the app last closed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		var summary *engine.Summary
		switch {
		case flagImportAll:
			summary, err = a.service.ImportAll(cmd.Context())
		case flagImportDelta:
			summary, err = a.service.ImportDelta(cmd.Context())
		default:
			summary, err = a.service.ImportActive(cmd.Context())
		}
		if summary != nil {
			printSummary(summary)
		}
		return err
	},
}

func init() {
	importCmd.Flags().BoolVar(&flagImportAll, "all", false, "full import of every collection")
	importCmd.Flags().BoolVar(&flagImportActive, "active", false, "refresh the active subset (default)")
	importCmd.Flags().BoolVar(&flagImportDelta, "delta", false, "import changes since last app close")
	importCmd.MarkFlagsMutuallyExclusive("all", "active", "delta")
}

func printSummary(summary *engine.Summary) {
	for _, r := range summary.Reports {
		line := fmt.Sprintf("%-12s %4d records, %4d written, %d pages in %s",
			r.Collection, r.Records, r.Written, r.Pages, r.Duration.Round(durationPrecision))
		if r.Retries > 0 {
			line += fmt.Sprintf(" (%d page retries)", r.Retries)
		}
		fmt.Println(line)
		if r.SkippedCursor != "" {
			fmt.Printf("%-12s WARNING: pagination abandoned at cursor %s; run again later\n",
				"", r.SkippedCursor)
		}
	}
}
