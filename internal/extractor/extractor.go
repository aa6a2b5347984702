// Package extractor turns downloaded zip archives into tabular record
// batches ready for merging. Each archive holds one CSV member. Some feeds
// ship a header row, some do not, so the first cell decides: if it parses as
// a number the file is headerless and column names come from the known
// partition templates (or are synthesized).
package extractor

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// KlineColumns are the canonical column names of headerless kline archives.
var KlineColumns = []string{
	"open_time",
	"open",
	"high",
	"low",
	"close",
	"volume",
	"close_time",
	"quote_asset_volume",
	"number_of_trades",
	"taker_buy_base_asset_volume",
	"taker_buy_quote_asset_volume",
	"ignore",
}

// templateColumns maps known partition templates to canonical column names
// for archives that ship without a header row.
var templateColumns = map[string][]string{
	"data/spot/daily/klines/SYMBOL/1d/": KlineColumns,
	"data/spot/daily/klines/SYMBOL/1m/": KlineColumns,
}

// Spot kline timestamps switched from milliseconds to microseconds at the
// start of 2025. Values at or above this epoch millisecond mark are scaled
// back down so a partition never mixes units.
const microsecondCutoverMs = 1735689600000

// Batch is the extracted content of one archive: column names followed by
// rows of string cells. Type inference happens downstream at merge time.
type Batch struct {
	Source  string
	Columns []string
	Rows    [][]string
}

// Extract parses the first CSV member of archiveData and returns its rows
// tagged with the pattern and symbol that produced them.
func Extract(archiveData []byte, pattern, symbol string) (Batch, error) {
	reader, err := zip.NewReader(bytes.NewReader(archiveData), int64(len(archiveData)))
	if err != nil {
		return Batch{}, fmt.Errorf("open zip archive: %w", err)
	}
	if len(reader.File) == 0 {
		return Batch{}, fmt.Errorf("zip archive has no members")
	}

	member := reader.File[0]
	rc, err := member.Open()
	if err != nil {
		return Batch{}, fmt.Errorf("open zip member %s: %w", member.Name, err)
	}
	defer rc.Close()

	content, err := io.ReadAll(rc)
	if err != nil {
		return Batch{}, fmt.Errorf("read zip member %s: %w", member.Name, err)
	}

	batch, err := parseCSV(content, pattern)
	if err != nil {
		return Batch{}, fmt.Errorf("parse member %s: %w", member.Name, err)
	}
	batch.Source = member.Name

	batch.Columns = append(batch.Columns, "pattern", "symbol")
	for i := range batch.Rows {
		batch.Rows[i] = append(batch.Rows[i], pattern, symbol)
	}

	if err := normalizeTimestamps(&batch, pattern); err != nil {
		return Batch{}, err
	}
	return batch, nil
}

func parseCSV(content []byte, pattern string) (Batch, error) {
	// The default reader enforces a uniform field count, so a ragged file
	// fails the parse instead of producing misaligned rows.
	r := csv.NewReader(bytes.NewReader(content))

	records, err := r.ReadAll()
	if err != nil {
		return Batch{}, fmt.Errorf("read csv: %w", err)
	}
	if len(records) == 0 {
		return Batch{}, fmt.Errorf("csv member is empty")
	}

	first := records[0]
	if hasHeader(first) {
		return Batch{Columns: first, Rows: records[1:]}, nil
	}

	cols := templateColumns[pattern]
	if len(cols) != len(first) {
		cols = make([]string, len(first))
		for i := range cols {
			cols[i] = fmt.Sprintf("column_%d", i+1)
		}
	}
	return Batch{Columns: cols, Rows: records}, nil
}

// hasHeader reports whether the first row is a header. Data rows always
// start with a numeric cell, so a first cell that fails to parse as a float
// marks a header.
func hasHeader(row []string) bool {
	if len(row) == 0 {
		return false
	}
	_, err := strconv.ParseFloat(row[0], 64)
	return err != nil
}

// normalizeTimestamps rescales microsecond open_time/close_time values to
// milliseconds for spot kline partitions.
func normalizeTimestamps(b *Batch, pattern string) error {
	if !strings.Contains(pattern, "spot") || !strings.Contains(pattern, "klines") {
		return nil
	}
	openIdx := columnIndex(b.Columns, "open_time")
	closeIdx := columnIndex(b.Columns, "close_time")
	if openIdx < 0 {
		return nil
	}

	// Decide per batch on the minimum open_time so every row in the
	// archive is scaled consistently.
	minOpen := 0.0
	for i, row := range b.Rows {
		v, err := strconv.ParseFloat(row[openIdx], 64)
		if err != nil {
			return fmt.Errorf("row %d: parse open_time %q: %w", i, row[openIdx], err)
		}
		if i == 0 || v < minOpen {
			minOpen = v
		}
	}
	if len(b.Rows) == 0 || minOpen < microsecondCutoverMs {
		return nil
	}

	for _, row := range b.Rows {
		if err := divideCell(row, openIdx); err != nil {
			return err
		}
		if closeIdx >= 0 {
			if err := divideCell(row, closeIdx); err != nil {
				return err
			}
		}
	}
	return nil
}

func divideCell(row []string, idx int) error {
	v, err := strconv.ParseFloat(row[idx], 64)
	if err != nil {
		return fmt.Errorf("parse timestamp %q: %w", row[idx], err)
	}
	row[idx] = strconv.FormatInt(int64(v/1000), 10)
	return nil
}

func columnIndex(cols []string, name string) int {
	for i, c := range cols {
		if c == name {
			return i
		}
	}
	return -1
}
