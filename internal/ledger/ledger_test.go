package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesDirAndEmptyLedger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data", "spot", "daily", "klines", "SYMBOL", "1m")
	l, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, 0, l.Len())
	assert.False(t, l.IsProcessed("http://example.com/a.zip", "a.zip"))
}

func TestRecordRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)

	url := "http://example.com/data/BTCUSDT-1m-2024-01-01.zip"
	name := "BTCUSDT-1m-2024-01-01.zip"
	require.NoError(t, l.Record(url, name))

	assert.True(t, l.IsProcessed(url, name))
	assert.True(t, l.IsProcessed(url, "other.zip"), "url alone should match")
	assert.True(t, l.IsProcessed("http://other/url.zip", name), "name alone should match")

	// A fresh Ledger reloaded from disk sees the same state.
	reloaded, err := Open(dir)
	require.NoError(t, err)
	assert.True(t, reloaded.IsProcessed(url, name))
}

func TestLoadToleratesPartialLines(t *testing.T) {
	dir := t.TempDir()
	// A crash can leave a line without its trailing newline or with only
	// one token. Every whitespace separated token still counts.
	content := "http://example.com/a.zip a.zip\nb.zip"
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0o644))

	l, err := Open(dir)
	require.NoError(t, err)
	assert.True(t, l.IsProcessed("http://example.com/a.zip", "a.zip"))
	assert.True(t, l.IsProcessed("http://other/b.zip", "b.zip"))
}

func TestRecordConcurrent(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("archive-%02d.zip", i)
			assert.NoError(t, l.Record("http://example.com/archive/"+name, name))
		}(i)
	}
	wg.Wait()

	reloaded, err := Open(dir)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("archive-%02d.zip", i)
		assert.True(t, reloaded.IsProcessed("", name), "missing %s", name)
	}
}
