package extractor

import (
	"archive/zip"
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const klinePattern = "data/spot/daily/klines/SYMBOL/1m/"

func buildZip(t *testing.T, memberName, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, err := w.Create(memberName)
	require.NoError(t, err)
	_, err = f.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func klineRow(openTime, closeTime int64) string {
	return fmt.Sprintf("%d,100.0,101.0,99.0,100.5,12.3,%d,1234.5,42,6.1,610.0,0", openTime, closeTime)
}

func TestExtractWithHeaderRow(t *testing.T) {
	data := buildZip(t, "x.csv", "open_time,open,high\n1,2,3\n4,5,6\n")

	batch, err := Extract(data, "data/custom/SYMBOL/", "BTCUSDT")
	require.NoError(t, err)

	assert.Equal(t, "x.csv", batch.Source)
	assert.Equal(t, []string{"open_time", "open", "high", "pattern", "symbol"}, batch.Columns)
	require.Len(t, batch.Rows, 2)
	assert.Equal(t, []string{"1", "2", "3", "data/custom/SYMBOL/", "BTCUSDT"}, batch.Rows[0])
}

func TestExtractHeaderlessKline(t *testing.T) {
	csv := klineRow(1704067200000, 1704067259999) + "\n" + klineRow(1704067260000, 1704067319999) + "\n"
	data := buildZip(t, "BTCUSDT-1m-2024-01-01.csv", csv)

	batch, err := Extract(data, klinePattern, "BTCUSDT")
	require.NoError(t, err)

	want := append(append([]string{}, KlineColumns...), "pattern", "symbol")
	assert.Equal(t, want, batch.Columns)
	require.Len(t, batch.Rows, 2)
	// Millisecond timestamps from before the cutover stay untouched.
	assert.Equal(t, "1704067200000", batch.Rows[0][0])
	assert.Equal(t, "1704067259999", batch.Rows[0][6])
	assert.Equal(t, klinePattern, batch.Rows[0][12])
	assert.Equal(t, "BTCUSDT", batch.Rows[0][13])
}

func TestExtractHeaderlessUnknownPattern(t *testing.T) {
	data := buildZip(t, "t.csv", "1,2,3\n4,5,6\n")

	batch, err := Extract(data, "data/futures/um/daily/trades/SYMBOL/", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, []string{"column_1", "column_2", "column_3", "pattern", "symbol"}, batch.Columns)
	assert.Len(t, batch.Rows, 2)
}

func TestExtractRescalesMicrosecondTimestamps(t *testing.T) {
	// Spot kline archives dated 2025 onward carry microsecond timestamps.
	csv := klineRow(1735689600000000, 1735689659999999) + "\n"
	data := buildZip(t, "BTCUSDT-1m-2025-01-01.csv", csv)

	batch, err := Extract(data, klinePattern, "BTCUSDT")
	require.NoError(t, err)
	require.Len(t, batch.Rows, 1)
	assert.Equal(t, "1735689600000", batch.Rows[0][0])
	assert.Equal(t, "1735689659999", batch.Rows[0][6])
}

func TestExtractLeavesNonSpotTimestampsAlone(t *testing.T) {
	csv := "open_time,close_time\n1735689600000000,1735689659999999\n"
	data := buildZip(t, "t.csv", csv)

	batch, err := Extract(data, "data/futures/um/daily/klines/SYMBOL/1m/", "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "1735689600000000", batch.Rows[0][0])
}

func TestExtractBadArchive(t *testing.T) {
	_, err := Extract([]byte("not a zip"), klinePattern, "BTCUSDT")
	require.Error(t, err)
}

func TestExtractEmptyMember(t *testing.T) {
	data := buildZip(t, "empty.csv", "")
	_, err := Extract(data, klinePattern, "BTCUSDT")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "empty"))
}

func TestExtractNoMembers(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, zip.NewWriter(&buf).Close())
	_, err := Extract(buf.Bytes(), klinePattern, "BTCUSDT")
	require.Error(t, err)
}
