package cmd

import (
	"fmt"

	"binvision/internal/events"

	"github.com/spf13/cobra"
)

var (
	stateEventFilter   string
	statePatternFilter string
	stateLimit         int
	stateSummary       bool
)

// stateCmd views the harvest event log.
var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "View the harvest event log",
	Long: `Queries the DuckDB event log and prints recent harvest events.
Use --summary for per-event counts instead of individual records.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		db := getDB()

		if stateSummary {
			counts, err := events.Summary(cmd.Context(), db, statePatternFilter)
			if err != nil {
				return err
			}
			fmt.Println("--- Event Summary ---")
			for _, event := range []string{
				events.EventDiscovered,
				events.EventFetchStart,
				events.EventFetchEnd,
				events.EventMergeStart,
				events.EventMergeEnd,
				events.EventSkip,
				events.EventError,
			} {
				if n, ok := counts[event]; ok {
					fmt.Printf("%-15s %d\n", event, n)
				}
			}
			return nil
		}

		return events.DisplayHistory(cmd.Context(), db, stateEventFilter, statePatternFilter, stateLimit)
	},
}

func init() {
	stateCmd.Flags().StringVar(&stateEventFilter, "event", "", "Filter by event type (e.g. fetch_end, merge_end, error)")
	stateCmd.Flags().StringVar(&statePatternFilter, "pattern-filter", "", "Filter by partition template")
	stateCmd.Flags().IntVar(&stateLimit, "limit", 50, "Maximum number of records to display")
	stateCmd.Flags().BoolVar(&stateSummary, "summary", false, "Print per-event counts instead of records")
}
