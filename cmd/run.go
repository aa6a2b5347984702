package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"binvision/internal/app"
	"binvision/internal/fetcher"
	"binvision/internal/listing"
	"binvision/internal/orchestrator"
	"binvision/internal/store"
	"binvision/internal/util"

	"github.com/spf13/cobra"
)

var useTUI bool

// runCmd performs the full harvest workflow.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full archive harvest workflow",
	Long: `Performs the complete harvest pipeline:
1. Discovers symbols for each configured partition template.
2. Lists each symbol's archives on the listing service.
3. Fetches archives not yet present in the ledger, extracts their CSV
   content, and merges it into the symbol's parquet dataset.
4. Records each finished archive in the ledger so later runs skip it.
Use --tui for a live progress display instead of log output.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		db := getDB()
		cfg := getConfig()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		httpClient, err := util.NewHTTPClient(cfg.ProxyURL)
		if err != nil {
			return err
		}
		lister := listing.NewClient(cfg.BaseURL, httpClient)

		f, err := fetcher.New(ctx, httpClient, fetcher.Options{
			ChunkBytes:     cfg.ChunkBytes,
			VerifyChecksum: cfg.VerifyChecksum,
			CacheBucketURL: cfg.CacheBucketURL,
		})
		if err != nil {
			return err
		}
		defer f.Close()

		st := store.New(db, cfg.OutputDir)

		logger.Info("Starting harvest workflow...")

		var stats orchestrator.Stats
		if useTUI {
			stats, err = app.Run(func(progress chan<- orchestrator.Update) (orchestrator.Stats, error) {
				h := orchestrator.New(cfg, db, lister, f, st, progress)
				return h.Run(ctx)
			})
		} else {
			h := orchestrator.New(cfg, db, lister, f, st, nil)
			stats, err = h.Run(ctx)
		}

		if err != nil {
			logger.Error("Harvest completed with errors", "error", err)
			return fmt.Errorf("harvest failed: %w", err)
		}

		logger.Info("Harvest completed successfully.",
			"symbols", stats.Symbols,
			"succeeded", stats.Succeeded,
			"failed", stats.Failed,
			"skipped", stats.Skipped,
		)
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&useTUI, "tui", false, "Show a live progress display while harvesting.")
}
