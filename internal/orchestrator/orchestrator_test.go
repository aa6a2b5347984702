package orchestrator

import (
	"archive/zip"
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binvision/internal/config"
	"binvision/internal/events"
	"binvision/internal/fetcher"
	"binvision/internal/ledger"
	"binvision/internal/listing"
	"binvision/internal/store"
)

const klinePattern = "data/spot/daily/klines/SYMBOL/1m/"

func buildKlineZip(t *testing.T, memberName string) []byte {
	t.Helper()
	csv := "1704067200000,100.0,101.0,99.0,100.5,12.3,1704067259999,1234.5,42,6.1,610.0,0\n" +
		"1704067260000,100.5,102.0,100.0,101.5,8.7,1704067319999,881.2,31,4.2,426.0,0\n"
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.Create(memberName)
	require.NoError(t, err)
	_, err = f.Write([]byte(csv))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// newMockService stands in for the whole listing service: index page,
// bucket queries and archive downloads.
func newMockService(t *testing.T) *httptest.Server {
	t.Helper()
	archive := "BTCUSDT-1m-2024-01-01.zip"
	symbolPrefix := strings.ReplaceAll(klinePattern, config.PlaceholderToken, "BTCUSDT")

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/" && r.URL.Query().Get("prefix") != "":
			fmt.Fprintf(w, `<html><script>var BUCKET_URL = '%s/bucket';</script></html>`, srv.URL)
		case r.URL.Path == "/bucket":
			prefix := r.URL.Query().Get("prefix")
			w.Header().Set("Content-Type", "application/xml")
			switch prefix {
			case "data/spot/daily/klines/":
				// ETHBTC should be filtered out by the *USDT glob.
				fmt.Fprint(w, `<?xml version="1.0"?>
<ListBucketResult>
  <IsTruncated>false</IsTruncated>
  <CommonPrefixes><Prefix>data/spot/daily/klines/BTCUSDT/</Prefix></CommonPrefixes>
  <CommonPrefixes><Prefix>data/spot/daily/klines/ETHBTC/</Prefix></CommonPrefixes>
</ListBucketResult>`)
			case "data/spot/daily/klines/BTCUSDT/1m/":
				fmt.Fprintf(w, `<?xml version="1.0"?>
<ListBucketResult>
  <IsTruncated>false</IsTruncated>
  <Contents><Key>%s%s</Key></Contents>
</ListBucketResult>`, prefix, archive)
			default:
				http.Error(w, "unknown prefix", http.StatusBadRequest)
			}
		case r.URL.Path == "/"+symbolPrefix+archive:
			w.Write(buildKlineZip(t, strings.TrimSuffix(archive, ".zip")+".csv"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newHarvester(t *testing.T, srv *httptest.Server, outputDir string, db *sql.DB) *Harvester {
	t.Helper()
	cfg := config.Default()
	cfg.BaseURL = srv.URL
	cfg.Patterns = []string{klinePattern}
	cfg.SymbolGlob = "*USDT"
	cfg.OutputDir = outputDir
	cfg.NumWorkers = 2

	f, err := fetcher.New(context.Background(), srv.Client(), fetcher.Options{ChunkBytes: cfg.ChunkBytes})
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	lister := listing.NewClient(cfg.BaseURL, srv.Client())
	st := store.New(db, cfg.OutputDir)
	return New(cfg, db, lister, f, st, nil)
}

func TestHarvestEndToEnd(t *testing.T) {
	srv := newMockService(t)
	outputDir := t.TempDir()

	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, events.InitializeSchema(db))

	h := newHarvester(t, srv, outputDir, db)
	stats, err := h.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), stats.Symbols)
	assert.Equal(t, int64(1), stats.Succeeded)
	assert.Equal(t, int64(0), stats.Failed)
	assert.Equal(t, int64(0), stats.Skipped)

	// Dataset landed in the right partition.
	datasetPath := filepath.Join(outputDir, klinePattern, "symbol=BTCUSDT", store.DatasetFile)
	_, err = os.Stat(datasetPath)
	require.NoError(t, err)

	var rowCount int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM read_parquet('%s');`, strings.ReplaceAll(datasetPath, "'", "''"))
	require.NoError(t, db.QueryRow(query).Scan(&rowCount))
	assert.Equal(t, int64(2), rowCount)

	// The ledger holds both the URL and the bare file name.
	led, err := ledger.Open(filepath.Join(outputDir, klinePattern))
	require.NoError(t, err)
	assert.True(t, led.IsProcessed("", "BTCUSDT-1m-2024-01-01.zip"))

	// Events were recorded, including one discovery event per symbol.
	counts, err := events.Summary(context.Background(), db, klinePattern)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[events.EventDiscovered])
	assert.Equal(t, int64(1), counts[events.EventMergeEnd])
}

func TestHarvestSecondRunSkips(t *testing.T) {
	srv := newMockService(t)
	outputDir := t.TempDir()

	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, events.InitializeSchema(db))

	first := newHarvester(t, srv, outputDir, db)
	stats, err := first.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Succeeded)

	datasetPath := filepath.Join(outputDir, klinePattern, "symbol=BTCUSDT", store.DatasetFile)
	before, err := os.ReadFile(datasetPath)
	require.NoError(t, err)

	// A fresh harvester reloads the ledger from disk and skips everything.
	second := newHarvester(t, srv, outputDir, db)
	stats, err = second.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Succeeded)
	assert.Equal(t, int64(1), stats.Skipped)

	after, err := os.ReadFile(datasetPath)
	require.NoError(t, err)
	assert.Equal(t, before, after, "skipped run must leave the dataset untouched")
}

// TestHarvestPinsSymbolsToOneWorker exercises the write-exclusivity
// invariant: all archives of one symbol run on a single task, so no two
// in-flight fetches ever carry the same symbol even with spare workers.
func TestHarvestPinsSymbolsToOneWorker(t *testing.T) {
	symbols := []string{"AAAUSDT", "BBBUSDT", "CCCUSDT"}
	const archivesPerSymbol = 3

	var mu sync.Mutex
	inFlight := make(map[string]bool)
	sameSymbolOverlaps := 0

	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/" && r.URL.Query().Get("prefix") != "":
			fmt.Fprintf(w, `<html><script>var BUCKET_URL = '%s/bucket';</script></html>`, srv.URL)
		case r.URL.Path == "/bucket":
			prefix := r.URL.Query().Get("prefix")
			w.Header().Set("Content-Type", "application/xml")
			var b strings.Builder
			b.WriteString(`<?xml version="1.0"?><ListBucketResult><IsTruncated>false</IsTruncated>`)
			if prefix == "data/spot/daily/klines/" {
				for _, s := range symbols {
					fmt.Fprintf(&b, `<CommonPrefixes><Prefix>%s%s/</Prefix></CommonPrefixes>`, prefix, s)
				}
			} else {
				for i := 0; i < archivesPerSymbol; i++ {
					fmt.Fprintf(&b, `<Contents><Key>%sfile-%d.zip</Key></Contents>`, prefix, i)
				}
			}
			b.WriteString(`</ListBucketResult>`)
			fmt.Fprint(w, b.String())
		case strings.HasSuffix(r.URL.Path, ".zip"):
			// .../klines/<SYMBOL>/1m/file-N.zip
			parts := strings.Split(r.URL.Path, "/")
			symbol := parts[len(parts)-3]
			mu.Lock()
			if inFlight[symbol] {
				sameSymbolOverlaps++
			}
			inFlight[symbol] = true
			mu.Unlock()

			// Hold the request open long enough for a mis-dispatched
			// second task on the same symbol to collide.
			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			inFlight[symbol] = false
			mu.Unlock()
			w.Write(buildKlineZip(t, "x.csv"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, events.InitializeSchema(db))

	h := newHarvester(t, srv, t.TempDir(), db)
	h.cfg.NumWorkers = len(symbols)

	stats, err := h.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(len(symbols)), stats.Symbols)
	assert.Equal(t, int64(len(symbols)*archivesPerSymbol), stats.Succeeded)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, sameSymbolOverlaps, "two tasks fetched archives of the same symbol concurrently")
}

func TestHarvestProgressUpdates(t *testing.T) {
	srv := newMockService(t)
	outputDir := t.TempDir()

	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, events.InitializeSchema(db))

	updates := make(chan Update, 64)
	h := newHarvester(t, srv, outputDir, db)
	h.progress = updates

	_, err = h.Run(context.Background())
	require.NoError(t, err)
	close(updates)

	var stages []Stage
	for u := range updates {
		stages = append(stages, u.Stage)
	}
	assert.Contains(t, stages, StageDiscovered)
	assert.Contains(t, stages, StageFetched)
	assert.Contains(t, stages, StageMerged)
}
