// Package inspector summarizes the harvested parquet datasets: how many
// symbol datasets each partition template holds, their schema, row counts
// and time coverage.
package inspector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"binvision/internal/config"
	"binvision/internal/store"
)

// patternSummary aggregates the datasets found under one partition template.
type patternSummary struct {
	pattern       string
	datasetCount  int
	totalRowCount int64
	minOpenTime   sql.NullInt64
	maxOpenTime   sql.NullInt64
	schema        string
	columnNames   []string
	firstDataset  string
	schemaErr     error
	statsErr      error
}

// InspectDatasets walks the output directory and prints a per-pattern
// summary of every dataset found.
func InspectDatasets(cfg config.Config, logger *slog.Logger) error {
	logger.Info("starting dataset inspection", slog.String("dir", cfg.OutputDir))

	db, err := sql.Open("duckdb", cfg.DbPath)
	if err != nil {
		return fmt.Errorf("failed to open duckdb (%s): %w", cfg.DbPath, err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	datasetsByPattern, err := findDatasets(cfg.OutputDir)
	if err != nil {
		return err
	}
	if len(datasetsByPattern) == 0 {
		logger.Info("no datasets found", slog.String("dir", cfg.OutputDir))
		return nil
	}

	var orderedPatterns []string
	summaries := make(map[string]*patternSummary)
	for pattern, files := range datasetsByPattern {
		orderedPatterns = append(orderedPatterns, pattern)
		l := logger.With(slog.String("pattern", pattern))
		l.Info("inspecting pattern", slog.Int("datasets", len(files)))

		summary := &patternSummary{pattern: pattern, datasetCount: len(files), firstDataset: files[0]}
		summaries[pattern] = summary

		summary.schema, summary.columnNames, summary.schemaErr = describeDataset(ctx, db, files[0])
		if summary.schemaErr != nil {
			l.Error("failed reading schema", "error", summary.schemaErr)
		}

		summary.totalRowCount, summary.statsErr = countRows(files)
		if summary.statsErr != nil {
			l.Error("failed counting rows", "error", summary.statsErr)
		}

		if summary.schemaErr == nil && hasColumn(summary.columnNames, "open_time") {
			summary.minOpenTime, summary.maxOpenTime, err = openTimeRange(ctx, db, files)
			if err != nil {
				summary.statsErr = errors.Join(summary.statsErr, err)
				l.Error("failed reading time range", "error", err)
			}
		}
	}
	sort.Strings(orderedPatterns)

	fmt.Println("\n--- Dataset Summary ---")
	for _, pattern := range orderedPatterns {
		summary := summaries[pattern]
		fmt.Printf("\n=== Pattern: %s ===\n", summary.pattern)
		fmt.Printf("    (%d symbol datasets)\n", summary.datasetCount)
		fmt.Println("\n  Representative Schema:")
		if summary.schemaErr != nil {
			fmt.Printf("    ERROR retrieving schema: %v\n", summary.schemaErr)
		} else {
			for _, line := range strings.Split(summary.schema, "\n") {
				fmt.Printf("    %s\n", line)
			}
		}
	}

	fmt.Println("\n--- Aggregated Statistics ---")
	fmt.Printf("%-45s | %-10s | %-15s | %-25s | %-25s | %s\n", "Pattern", "Datasets", "Total Rows", "Min Open Time (UTC)", "Max Open Time (UTC)", "Errors")
	fmt.Println(strings.Repeat("-", 140))
	for _, pattern := range orderedPatterns {
		summary := summaries[pattern]
		minStr, maxStr := "N/A", "N/A"
		if summary.minOpenTime.Valid {
			minStr = time.UnixMilli(summary.minOpenTime.Int64).UTC().Format(time.RFC3339)
		}
		if summary.maxOpenTime.Valid {
			maxStr = time.UnixMilli(summary.maxOpenTime.Int64).UTC().Format(time.RFC3339)
		}
		errorStr := ""
		if summary.schemaErr != nil && summary.statsErr != nil {
			errorStr = "Schema & Stats Error"
		} else if summary.schemaErr != nil {
			errorStr = "Schema Error"
		} else if summary.statsErr != nil {
			errorStr = "Stats Error"
		}
		fmt.Printf("%-45s | %-10d | %-15d | %-25s | %-25s | %s\n",
			summary.pattern, summary.datasetCount, summary.totalRowCount, minStr, maxStr, errorStr)
	}
	fmt.Println(strings.Repeat("-", 140))

	var finalErr error
	for _, summary := range summaries {
		finalErr = errors.Join(finalErr, summary.schemaErr, summary.statsErr)
	}
	if finalErr != nil {
		logger.Warn("inspection completed with errors", "error", finalErr)
	}
	return finalErr
}

// findDatasets maps partition template paths (relative to root) to the
// dataset files under them. The symbol directory level is stripped so all
// symbols of one template group together.
func findDatasets(root string) (map[string][]string, error) {
	datasets := make(map[string][]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != store.DatasetFile {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		// <pattern...>/symbol=<SYMBOL>/data.parquet
		symbolDir := filepath.Dir(rel)
		pattern := filepath.ToSlash(filepath.Dir(symbolDir))
		datasets[pattern] = append(datasets[pattern], path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk datasets under %s: %w", root, err)
	}
	for _, files := range datasets {
		sort.Strings(files)
	}
	return datasets, nil
}

// countRows sums row counts across dataset files using the parquet footer,
// which avoids scanning any data pages.
func countRows(files []string) (int64, error) {
	var total int64
	for _, path := range files {
		fr, err := local.NewLocalFileReader(path)
		if err != nil {
			return total, fmt.Errorf("open %s: %w", path, err)
		}
		pr, err := reader.NewParquetReader(fr, nil, 1)
		if err != nil {
			fr.Close()
			return total, fmt.Errorf("read parquet footer %s: %w", path, err)
		}
		total += pr.GetNumRows()
		pr.ReadStop()
		fr.Close()
	}
	return total, nil
}

func openTimeRange(ctx context.Context, db *sql.DB, files []string) (sql.NullInt64, sql.NullInt64, error) {
	escaped := make([]string, len(files))
	for i, p := range files {
		dp := strings.ReplaceAll(p, `\`, `/`)
		escaped[i] = fmt.Sprintf("'%s'", strings.ReplaceAll(dp, "'", "''"))
	}
	query := fmt.Sprintf(
		`SELECT MIN(open_time), MAX(open_time) FROM read_parquet([%s]);`,
		strings.Join(escaped, ", "),
	)
	var minTs, maxTs sql.NullInt64
	if err := db.QueryRowContext(ctx, query).Scan(&minTs, &maxTs); err != nil {
		return minTs, maxTs, fmt.Errorf("query open_time range: %w", err)
	}
	return minTs, maxTs, nil
}

func describeDataset(ctx context.Context, db *sql.DB, path string) (string, []string, error) {
	duckPath := strings.ReplaceAll(path, `\`, `/`)
	describeSQL := fmt.Sprintf("DESCRIBE SELECT * FROM read_parquet('%s');", strings.ReplaceAll(duckPath, "'", "''"))
	rows, err := db.QueryContext(ctx, describeSQL)
	if err != nil {
		return "", nil, fmt.Errorf("query schema for %s: %w", path, err)
	}
	defer rows.Close()

	var b strings.Builder
	var columnNames []string
	b.WriteString(fmt.Sprintf("%-30s | %s\n", "Column Name", "Column Type"))
	b.WriteString(strings.Repeat("-", 55) + "\n")
	for rows.Next() {
		var colName, colType, nullVal, keyVal, defaultVal, extraVal sql.NullString
		if err := rows.Scan(&colName, &colType, &nullVal, &keyVal, &defaultVal, &extraVal); err != nil {
			return "", nil, fmt.Errorf("scan schema row for %s: %w", path, err)
		}
		b.WriteString(fmt.Sprintf("%-30s | %s\n", colName.String, colType.String))
		if colName.Valid {
			columnNames = append(columnNames, colName.String)
		}
	}
	if err := rows.Err(); err != nil {
		return "", nil, fmt.Errorf("iterate schema rows for %s: %w", path, err)
	}
	return strings.TrimRight(b.String(), "\n"), columnNames, nil
}

func hasColumn(cols []string, name string) bool {
	for _, c := range cols {
		if strings.EqualFold(c, name) {
			return true
		}
	}
	return false
}
