// Package ledger keeps the durable record of processed archives. Each
// partition template gets a plain text file next to its datasets; every
// processed archive contributes its URL and bare file name as tokens. The
// format is append-only and whitespace tolerant so a partially written line
// from a crashed run never poisons later runs.
package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileName is the ledger file kept under each pattern directory.
const FileName = "processed.txt"

// Ledger tracks which archives have already been harvested for one pattern.
// Safe for concurrent use.
type Ledger struct {
	mu   sync.Mutex
	path string
	seen map[string]struct{}
}

// Open loads (or creates) the ledger for a pattern directory. The directory
// is created if missing. Tokens in the file are split on any whitespace, so
// both the URL and the file name of every recorded archive become lookup
// keys.
func Open(patternDir string) (*Ledger, error) {
	if err := os.MkdirAll(patternDir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir %s: %w", patternDir, err)
	}
	path := filepath.Join(patternDir, FileName)

	l := &Ledger{
		path: path,
		seen: make(map[string]struct{}),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, fmt.Errorf("read ledger %s: %w", path, err)
	}
	for _, token := range strings.Fields(string(data)) {
		l.seen[token] = struct{}{}
	}
	return l, nil
}

// IsProcessed reports whether the archive identified by url or name has
// already been recorded.
func (l *Ledger) IsProcessed(url, name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[url]; ok {
		return true
	}
	_, ok := l.seen[name]
	return ok
}

// Record durably appends an archive to the ledger and updates the in-memory
// set. The append is flushed before returning so a crash after Record never
// reprocesses the archive.
func (l *Ledger) Record(url, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger %s: %w", l.path, err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%s %s\n", url, name); err != nil {
		return fmt.Errorf("append to ledger %s: %w", l.path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync ledger %s: %w", l.path, err)
	}

	l.seen[url] = struct{}{}
	l.seen[name] = struct{}{}
	return nil
}

// Len returns the number of distinct tokens recorded. Mainly useful for
// status reporting.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}
