// Package store merges record batches into per-partition parquet datasets.
// Each dataset lives at <root>/<pattern>/symbol=<SYMBOL>/data.parquet and is
// rewritten as a whole on every merge: existing rows and new rows are
// unioned, deduplicated, sorted by the first column, then atomically swapped
// into place. DuckDB does the heavy lifting through read_parquet and COPY.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"binvision/internal/extractor"
)

// DatasetFile is the parquet file name inside each symbol directory.
const DatasetFile = "data.parquet"

// ErrSchemaMismatch means a batch's columns do not line up with the columns
// already present in the dataset it targets.
var ErrSchemaMismatch = errors.New("store: batch schema does not match existing dataset")

// Store merges batches into datasets under a root directory.
type Store struct {
	db   *sql.DB
	root string
}

// New returns a Store writing datasets under root using db for merging.
func New(db *sql.DB, root string) *Store {
	return &Store{db: db, root: root}
}

// DatasetPath returns the location of the dataset for a pattern and symbol.
func (s *Store) DatasetPath(pattern, symbol string) string {
	return filepath.Join(s.root, pattern, fmt.Sprintf("symbol=%s", symbol), DatasetFile)
}

// Merge folds a batch into the dataset for pattern and symbol. The merge is
// idempotent: replaying an already merged batch leaves the dataset unchanged.
func (s *Store) Merge(ctx context.Context, pattern, symbol string, batch extractor.Batch) error {
	if len(batch.Columns) == 0 {
		return fmt.Errorf("store: batch has no columns")
	}
	target := s.DatasetPath(pattern, symbol)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create dataset dir: %w", err)
	}

	existing := false
	if _, err := os.Stat(target); err == nil {
		existing = true
		if err := s.checkSchema(ctx, target, batch.Columns); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin merge transaction: %w", err)
	}
	defer tx.Rollback()

	tempTable := fmt.Sprintf("batch_%d", time.Now().UnixNano())
	colTypes := inferColumnTypes(batch)
	if err := createTempTable(ctx, tx, tempTable, batch.Columns, colTypes); err != nil {
		return err
	}
	if err := insertRows(ctx, tx, tempTable, batch, colTypes); err != nil {
		return err
	}

	tmpFile := target + fmt.Sprintf(".tmp-%d", time.Now().UnixNano())
	orderCol := quoteIdent(batch.Columns[0])
	var source string
	if existing {
		source = fmt.Sprintf(
			`SELECT * FROM read_parquet('%s') UNION ALL BY NAME SELECT * FROM %s`,
			escapeString(target), tempTable,
		)
	} else {
		source = fmt.Sprintf(`SELECT * FROM %s`, tempTable)
	}
	copySQL := fmt.Sprintf(
		`COPY (SELECT DISTINCT * FROM (%s) ORDER BY %s) TO '%s' (FORMAT PARQUET);`,
		source, orderCol, escapeString(tmpFile),
	)
	if _, err := tx.ExecContext(ctx, copySQL); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("write merged dataset for %s/%s: %w", pattern, symbol, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE %s;`, tempTable)); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("drop temp table %s: %w", tempTable, err)
	}
	if err := tx.Commit(); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("commit merge transaction: %w", err)
	}

	if err := os.Rename(tmpFile, target); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("swap dataset into place: %w", err)
	}
	return nil
}

// checkSchema compares the batch's column names against the dataset's.
func (s *Store) checkSchema(ctx context.Context, path string, cols []string) error {
	query := fmt.Sprintf(`DESCRIBE SELECT * FROM read_parquet('%s');`, escapeString(path))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("describe dataset %s: %w", path, err)
	}
	defer rows.Close()

	have := make(map[string]bool)
	for rows.Next() {
		var name, colType string
		var null, key, def, extra sql.NullString
		if err := rows.Scan(&name, &colType, &null, &key, &def, &extra); err != nil {
			return fmt.Errorf("scan describe row: %w", err)
		}
		have[name] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate describe rows: %w", err)
	}

	if len(have) != len(cols) {
		return fmt.Errorf("%w: dataset %s has %d columns, batch has %d", ErrSchemaMismatch, path, len(have), len(cols))
	}
	for _, c := range cols {
		if !have[c] {
			return fmt.Errorf("%w: column %q missing from dataset %s", ErrSchemaMismatch, c, path)
		}
	}
	return nil
}

// inferColumnTypes probes every cell of each column and settles on the
// narrowest SQL type that fits: BIGINT, then DOUBLE, then VARCHAR. Empty
// cells are treated as NULL and do not influence the choice.
func inferColumnTypes(batch extractor.Batch) []string {
	types := make([]string, len(batch.Columns))
	for i := range types {
		types[i] = "BIGINT"
	}
	for _, row := range batch.Rows {
		for i := 0; i < len(row) && i < len(types); i++ {
			cell := row[i]
			if cell == "" || types[i] == "VARCHAR" {
				continue
			}
			if types[i] == "BIGINT" {
				if _, err := strconv.ParseInt(cell, 10, 64); err == nil {
					continue
				}
				types[i] = "DOUBLE"
			}
			if types[i] == "DOUBLE" {
				if _, err := strconv.ParseFloat(cell, 64); err == nil {
					continue
				}
				types[i] = "VARCHAR"
			}
		}
	}
	return types
}

func createTempTable(ctx context.Context, tx *sql.Tx, name string, cols, colTypes []string) error {
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = fmt.Sprintf("%s %s", quoteIdent(c), colTypes[i])
	}
	createSQL := fmt.Sprintf(`CREATE TEMP TABLE %s (%s);`, name, strings.Join(defs, ", "))
	if _, err := tx.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("create temp table %s: %w", name, err)
	}
	return nil
}

func insertRows(ctx context.Context, tx *sql.Tx, table string, batch extractor.Batch, colTypes []string) error {
	placeholders := strings.TrimRight(strings.Repeat("?, ", len(batch.Columns)), ", ")
	insertSQL := fmt.Sprintf(`INSERT INTO %s VALUES (%s)`, table, placeholders)
	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		return fmt.Errorf("prepare insert for %s: %w", table, err)
	}
	defer stmt.Close()

	args := make([]any, len(batch.Columns))
	for rowIdx, row := range batch.Rows {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		for i := range args {
			args[i] = nil
			if i >= len(row) || row[i] == "" {
				continue
			}
			v, err := convertCell(row[i], colTypes[i])
			if err != nil {
				return fmt.Errorf("row %d column %s: %w", rowIdx, batch.Columns[i], err)
			}
			args[i] = v
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert row %d into %s: %w", rowIdx, table, err)
		}
	}
	return nil
}

func convertCell(cell, colType string) (any, error) {
	switch colType {
	case "BIGINT":
		v, err := strconv.ParseInt(cell, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %q as BIGINT: %w", cell, err)
		}
		return v, nil
	case "DOUBLE":
		v, err := strconv.ParseFloat(cell, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %q as DOUBLE: %w", cell, err)
		}
		return v, nil
	default:
		return cell, nil
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func escapeString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
