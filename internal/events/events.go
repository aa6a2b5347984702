// Package events records harvest lifecycle events in a DuckDB table. The
// text ledger decides what gets reprocessed; this log exists for inspection
// and troubleshooting, answering "what happened to this archive and when".
package events

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb"
)

// Event types.
const (
	EventDiscovered = "discovered"
	EventFetchStart = "fetch_start"
	EventFetchEnd   = "fetch_end"
	EventMergeStart = "merge_start"
	EventMergeEnd   = "merge_end"
	EventSkip       = "skip"
	EventError      = "error"
)

const schemaSequenceSQL = `CREATE SEQUENCE IF NOT EXISTS harvest_event_log_id_seq;`
const schemaTableSQL = `
CREATE TABLE IF NOT EXISTS harvest_event_log (
    log_id          BIGINT PRIMARY KEY DEFAULT nextval('harvest_event_log_id_seq'),
    archive         VARCHAR NOT NULL,      -- archive URL or file name
    pattern         VARCHAR NOT NULL,
    symbol          VARCHAR NOT NULL,
    event           VARCHAR NOT NULL,
    event_timestamp TIMESTAMP NOT NULL,
    message         VARCHAR,
    duration_ms     BIGINT
);
CREATE INDEX IF NOT EXISTS idx_harvest_event_log_archive ON harvest_event_log (archive);
CREATE INDEX IF NOT EXISTS idx_harvest_event_log_event_time ON harvest_event_log (event, event_timestamp);
`

// InitializeSchema creates the sequence and table in the correct order.
func InitializeSchema(db *sql.DB) error {
	_, err := db.Exec(schemaSequenceSQL)
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return fmt.Errorf("failed to execute sequence setup: %w", err)
	}
	_, err = db.Exec(schemaTableSQL)
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return fmt.Errorf("failed to execute table/index setup: %w", err)
	}
	return nil
}

// LogEvent inserts one event record.
func LogEvent(ctx context.Context, db *sql.DB, archive, pattern, symbol, event, message string, duration *time.Duration) error {
	query := `
        INSERT INTO harvest_event_log (archive, pattern, symbol, event, event_timestamp, message, duration_ms)
        VALUES (?, ?, ?, ?, ?, ?, ?);
    `
	var durationMs sql.NullInt64
	if duration != nil {
		durationMs = sql.NullInt64{Int64: duration.Milliseconds(), Valid: true}
	}
	_, err := db.ExecContext(ctx, query,
		archive,
		pattern,
		symbol,
		event,
		time.Now().UTC(),
		sql.NullString{String: message, Valid: message != ""},
		durationMs,
	)
	if err != nil {
		return fmt.Errorf("failed to log event '%s' for '%s': %w", event, archive, err)
	}
	return nil
}

// LatestEvent retrieves the most recent event record for an archive.
func LatestEvent(ctx context.Context, db *sql.DB, archive string) (event string, timestamp time.Time, message string, found bool, err error) {
	query := `
        SELECT event, event_timestamp, message
        FROM harvest_event_log
        WHERE archive = ?
        ORDER BY event_timestamp DESC, log_id DESC
        LIMIT 1;
    `
	var msg sql.NullString
	row := db.QueryRowContext(ctx, query, archive)
	err = row.Scan(&event, &timestamp, &msg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", time.Time{}, "", false, nil
		}
		return "", time.Time{}, "", false, fmt.Errorf("failed query latest event for '%s': %w", archive, err)
	}
	return event, timestamp, msg.String, true, nil
}

// Summary returns counts of events per type, optionally scoped to a pattern.
func Summary(ctx context.Context, db *sql.DB, pattern string) (map[string]int64, error) {
	query := `SELECT event, COUNT(*) FROM harvest_event_log`
	args := []any{}
	if pattern != "" {
		query += ` WHERE pattern = ?`
		args = append(args, pattern)
	}
	query += ` GROUP BY event;`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query event summary: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var event string
		var n int64
		if err := rows.Scan(&event, &n); err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		counts[event] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating summary rows: %w", err)
	}
	return counts, nil
}

// DisplayHistory queries and prints the event log.
func DisplayHistory(ctx context.Context, db *sql.DB, eventFilter, patternFilter string, limit int) error {
	query := `
        SELECT archive, pattern, symbol, event, event_timestamp, message, duration_ms
        FROM harvest_event_log
    `
	conditions := []string{}
	args := []any{}
	argCounter := 1

	if eventFilter != "" {
		conditions = append(conditions, fmt.Sprintf("event = $%d", argCounter))
		args = append(args, eventFilter)
		argCounter++
	}
	if patternFilter != "" {
		conditions = append(conditions, fmt.Sprintf("pattern = $%d", argCounter))
		args = append(args, patternFilter)
		argCounter++
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY event_timestamp DESC, log_id DESC LIMIT $%d", argCounter)
	args = append(args, limit)

	fmt.Printf("--- Event Log History (Limit %d) ---\n", limit)
	fmt.Printf("%-60s | %-12s | %-15s | %-25s | %-10s | %s\n", "Archive", "Symbol", "Event", "Timestamp (UTC)", "DurationMS", "Message")
	fmt.Println(strings.Repeat("-", 150))

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query event log: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var archive, pattern, symbol, event string
		var timestamp time.Time
		var message sql.NullString
		var durationMs sql.NullInt64
		if err := rows.Scan(&archive, &pattern, &symbol, &event, &timestamp, &message, &durationMs); err != nil {
			return fmt.Errorf("failed to scan event log row: %w", err)
		}
		durationStr := ""
		if durationMs.Valid {
			durationStr = fmt.Sprintf("%d", durationMs.Int64)
		}
		fmt.Printf("%-60s | %-12s | %-15s | %-25s | %-10s | %s\n",
			archive, symbol, event, timestamp.Format(time.RFC3339), durationStr, message.String)
		count++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating event log rows: %w", err)
	}
	fmt.Printf("Displayed %d records.\n", count)
	return nil
}
