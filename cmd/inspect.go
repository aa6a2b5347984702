package cmd

import (
	"binvision/internal/inspector"

	"github.com/spf13/cobra"
)

// inspectCmd summarizes the harvested parquet datasets.
var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Summarize harvested parquet datasets",
	Long: `Walks the output directory and prints a per-pattern summary of every
dataset: symbol count, schema, total rows and open_time coverage.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return inspector.InspectDatasets(getConfig(), getLogger())
	},
}
