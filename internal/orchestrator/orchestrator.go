// Package orchestrator drives a harvest: discover symbols per partition
// template, list their archives, then fetch, extract and merge everything
// the ledger has not seen yet. Symbols are dispatched to a bounded worker
// pool; archives within one symbol run sequentially so no two goroutines
// ever write the same dataset.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"binvision/internal/config"
	"binvision/internal/events"
	"binvision/internal/extractor"
	"binvision/internal/fetcher"
	"binvision/internal/ledger"
	"binvision/internal/listing"
	"binvision/internal/store"
	"binvision/internal/util"
)

// Stage identifies what an Update reports.
type Stage string

const (
	StageDiscovered Stage = "discovered"
	StageFetched    Stage = "fetched"
	StageMerged     Stage = "merged"
	StageSkipped    Stage = "skipped"
	StageFailed     Stage = "failed"
)

// Update is one progress notification emitted during a harvest.
type Update struct {
	Stage   Stage
	Pattern string
	Symbol  string
	Archive string
	Total   int
	Err     error
}

// Stats summarizes a finished harvest.
type Stats struct {
	Symbols   int64
	Succeeded int64
	Failed    int64
	Skipped   int64
}

// Harvester wires the discovery, fetch, extract and merge stages together.
type Harvester struct {
	cfg     config.Config
	db      *sql.DB
	lister  *listing.Client
	fetcher *fetcher.Fetcher
	store   *store.Store

	// progress is optional. When set, updates are delivered in order per
	// symbol but interleaved across symbols.
	progress chan<- Update
}

// New builds a Harvester. progress may be nil.
func New(cfg config.Config, db *sql.DB, lister *listing.Client, f *fetcher.Fetcher, st *store.Store, progress chan<- Update) *Harvester {
	return &Harvester{
		cfg:      cfg,
		db:       db,
		lister:   lister,
		fetcher:  f,
		store:    st,
		progress: progress,
	}
}

// Run harvests every configured pattern. Discovery or ledger failures abort
// the pattern; per-archive failures are counted and logged but do not stop
// the run. The returned error joins everything that went wrong.
func (h *Harvester) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	var errs []error

	for _, pattern := range h.cfg.Patterns {
		patternStats, err := h.runPattern(ctx, pattern)
		stats.Symbols += patternStats.Symbols
		stats.Succeeded += patternStats.Succeeded
		stats.Failed += patternStats.Failed
		stats.Skipped += patternStats.Skipped
		if err != nil {
			errs = append(errs, fmt.Errorf("pattern %s: %w", pattern, err))
		}
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
	}

	slog.Info("harvest finished",
		slog.Int64("symbols", stats.Symbols),
		slog.Int64("succeeded", stats.Succeeded),
		slog.Int64("failed", stats.Failed),
		slog.Int64("skipped", stats.Skipped),
	)
	return stats, errors.Join(errs...)
}

func (h *Harvester) runPattern(ctx context.Context, pattern string) (Stats, error) {
	endpoint := strings.Split(pattern, config.PlaceholderToken)[0]
	slog.Info("discovering symbols", slog.String("pattern", pattern), slog.String("endpoint", endpoint))

	entries, err := h.lister.List(ctx, endpoint)
	if err != nil {
		return Stats{}, fmt.Errorf("list symbols: %w", err)
	}

	var symbols []string
	for _, e := range entries {
		if e.IsDir && util.WildcardMatch(e.Name, h.cfg.SymbolGlob) {
			symbols = append(symbols, e.Name)
		}
	}
	slog.Info("symbols discovered",
		slog.String("pattern", pattern),
		slog.Int("matched", len(symbols)),
		slog.Int("listed", len(entries)),
	)

	led, err := ledger.Open(filepath.Join(h.cfg.OutputDir, pattern))
	if err != nil {
		return Stats{}, fmt.Errorf("open ledger: %w", err)
	}

	var succeeded, failed, skipped atomic.Int64
	var mu sync.Mutex
	var errs []error

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.cfg.NumWorkers)
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			err := h.runSymbol(gctx, pattern, symbol, led, &succeeded, &failed, &skipped)
			if err != nil {
				failed.Add(1)
				mu.Lock()
				errs = append(errs, fmt.Errorf("symbol %s: %w", symbol, err))
				mu.Unlock()
				slog.Error("symbol harvest failed", slog.String("symbol", symbol), "error", err)
			}
			// Per-symbol failures never cancel the group.
			return nil
		})
	}
	g.Wait()

	return Stats{
		Symbols:   int64(len(symbols)),
		Succeeded: succeeded.Load(),
		Failed:    failed.Load(),
		Skipped:   skipped.Load(),
	}, errors.Join(errs...)
}

func (h *Harvester) runSymbol(ctx context.Context, pattern, symbol string, led *ledger.Ledger, succeeded, failed, skipped *atomic.Int64) error {
	prefix := strings.ReplaceAll(pattern, config.PlaceholderToken, symbol)
	entries, err := h.lister.List(ctx, prefix)
	if err != nil {
		return fmt.Errorf("list archives: %w", err)
	}

	var archives []string
	for _, e := range entries {
		if !e.IsDir {
			archives = append(archives, e.Name)
		}
	}
	h.notify(ctx, Update{Stage: StageDiscovered, Pattern: pattern, Symbol: symbol, Total: len(archives)})
	h.logEvent(ctx, prefix, pattern, symbol, events.EventDiscovered, fmt.Sprintf("%d archives", len(archives)), nil)

	for _, name := range archives {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		url := listing.ArchiveURL(h.cfg.BaseURL, prefix, name)

		if led.IsProcessed(url, name) {
			skipped.Add(1)
			h.notify(ctx, Update{Stage: StageSkipped, Pattern: pattern, Symbol: symbol, Archive: name})
			h.logEvent(ctx, url, pattern, symbol, events.EventSkip, "already in ledger", nil)
			continue
		}

		if err := h.harvestArchive(ctx, pattern, symbol, url, name, led); err != nil {
			failed.Add(1)
			h.notify(ctx, Update{Stage: StageFailed, Pattern: pattern, Symbol: symbol, Archive: name, Err: err})
			h.logEvent(ctx, url, pattern, symbol, events.EventError, err.Error(), nil)
			slog.Error("archive harvest failed",
				slog.String("symbol", symbol),
				slog.String("archive", name),
				"error", err,
			)
			continue
		}
		succeeded.Add(1)
		h.notify(ctx, Update{Stage: StageMerged, Pattern: pattern, Symbol: symbol, Archive: name})
	}
	return nil
}

func (h *Harvester) harvestArchive(ctx context.Context, pattern, symbol, url, name string, led *ledger.Ledger) error {
	start := time.Now()
	h.logEvent(ctx, url, pattern, symbol, events.EventFetchStart, "", nil)

	data, err := h.fetcher.Fetch(ctx, url)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	fetchDur := time.Since(start)
	h.logEvent(ctx, url, pattern, symbol, events.EventFetchEnd, "", &fetchDur)
	h.notify(ctx, Update{Stage: StageFetched, Pattern: pattern, Symbol: symbol, Archive: name})

	batch, err := extractor.Extract(data, pattern, symbol)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}

	mergeStart := time.Now()
	h.logEvent(ctx, url, pattern, symbol, events.EventMergeStart, "", nil)
	if err := h.store.Merge(ctx, pattern, symbol, batch); err != nil {
		return fmt.Errorf("merge: %w", err)
	}
	mergeDur := time.Since(mergeStart)
	h.logEvent(ctx, url, pattern, symbol, events.EventMergeEnd, fmt.Sprintf("%d rows", len(batch.Rows)), &mergeDur)

	// The ledger write comes last. A crash before this point reprocesses
	// the archive, which the merge tolerates.
	if err := led.Record(url, name); err != nil {
		return fmt.Errorf("record in ledger: %w", err)
	}
	return nil
}

func (h *Harvester) notify(ctx context.Context, u Update) {
	if h.progress == nil {
		return
	}
	select {
	case h.progress <- u:
	case <-ctx.Done():
	}
}

func (h *Harvester) logEvent(ctx context.Context, archive, pattern, symbol, event, message string, duration *time.Duration) {
	if h.db == nil {
		return
	}
	if err := events.LogEvent(ctx, h.db, archive, pattern, symbol, event, message, duration); err != nil {
		slog.Warn("failed to record event", slog.String("event", event), slog.String("archive", archive), "error", err)
	}
}
