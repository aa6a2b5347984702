package events

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const klinePattern = "data/spot/daily/klines/SYMBOL/1m/"

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("duckdb", "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, InitializeSchema(db))
	return db
}

func TestInitializeSchemaIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, InitializeSchema(db))
}

func TestLogAndLatestEvent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	archive := "http://example.com/BTCUSDT-1m-2024-01-01.zip"

	require.NoError(t, LogEvent(ctx, db, archive, klinePattern, "BTCUSDT", EventFetchStart, "", nil))
	dur := 1500 * time.Millisecond
	require.NoError(t, LogEvent(ctx, db, archive, klinePattern, "BTCUSDT", EventFetchEnd, "ok", &dur))

	event, ts, msg, found, err := LatestEvent(ctx, db, archive)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, EventFetchEnd, event)
	assert.Equal(t, "ok", msg)
	assert.WithinDuration(t, time.Now().UTC(), ts, time.Minute)
}

func TestLatestEventNotFound(t *testing.T) {
	db := newTestDB(t)
	_, _, _, found, err := LatestEvent(context.Background(), db, "http://example.com/nothing.zip")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSummary(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, LogEvent(ctx, db, "a.zip", klinePattern, "BTCUSDT", EventMergeEnd, "", nil))
	require.NoError(t, LogEvent(ctx, db, "b.zip", klinePattern, "BTCUSDT", EventMergeEnd, "", nil))
	require.NoError(t, LogEvent(ctx, db, "c.zip", "data/other/SYMBOL/", "ETHUSDT", EventSkip, "", nil))

	all, err := Summary(ctx, db, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), all[EventMergeEnd])
	assert.Equal(t, int64(1), all[EventSkip])

	scoped, err := Summary(ctx, db, klinePattern)
	require.NoError(t, err)
	assert.Equal(t, int64(2), scoped[EventMergeEnd])
	assert.Zero(t, scoped[EventSkip])
}
