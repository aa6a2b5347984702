// Package fetcher retrieves archive bytes over HTTP, optionally verifying
// published SHA-256 checksums and optionally caching raw archives in a blob
// bucket so re-harvests after a ledger reset do not hit the network again.
package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"

	"binvision/internal/util"
)

// ChecksumExt is the suffix of the sidecar file that publishes an archive's
// SHA-256 digest.
const ChecksumExt = ".CHECKSUM"

// Options controls fetch behavior.
type Options struct {
	ChunkBytes     int
	VerifyChecksum bool
	// CacheBucketURL, when set, names a gocloud blob bucket (file:// or
	// mem://) that stores raw archive bytes keyed by URL path.
	CacheBucketURL string
}

// Fetcher downloads archives.
type Fetcher struct {
	client *http.Client
	opts   Options
	cache  *blob.Bucket
}

// New builds a Fetcher, opening the cache bucket if one is configured.
// Close must be called when the Fetcher is no longer needed.
func New(ctx context.Context, client *http.Client, opts Options) (*Fetcher, error) {
	f := &Fetcher{client: client, opts: opts}
	if opts.CacheBucketURL != "" {
		bucket, err := blob.OpenBucket(ctx, opts.CacheBucketURL)
		if err != nil {
			return nil, fmt.Errorf("open cache bucket %s: %w", opts.CacheBucketURL, err)
		}
		f.cache = bucket
	}
	return f, nil
}

// Close releases the cache bucket, if any.
func (f *Fetcher) Close() error {
	if f.cache != nil {
		return f.cache.Close()
	}
	return nil
}

// Fetch returns the bytes of the archive at rawURL. Cached archives are
// served without touching the network. Fresh downloads are checksum
// verified when enabled, then written to the cache.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	key := cacheKey(rawURL)

	if f.cache != nil {
		data, err := f.cache.ReadAll(ctx, key)
		if err == nil {
			slog.Debug("serving archive from cache", "url", rawURL)
			return data, nil
		}
	}

	data, err := f.download(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	if f.opts.VerifyChecksum {
		if err := f.verify(ctx, rawURL, data); err != nil {
			return nil, err
		}
	}

	if f.cache != nil {
		if err := f.cache.WriteAll(ctx, key, data, nil); err != nil {
			slog.Warn("failed caching archive", "url", rawURL, "error", err)
		}
	}
	return data, nil
}

func (f *Fetcher) download(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request %s: %w", rawURL, err)
	}
	return util.DownloadFile(f.client, req, f.opts.ChunkBytes)
}

// verify fetches the published checksum sidecar and compares digests. The
// sidecar body is "<hex digest>  <file name>"; only the first field matters.
func (f *Fetcher) verify(ctx context.Context, rawURL string, data []byte) error {
	sidecar, err := f.download(ctx, rawURL+ChecksumExt)
	if err != nil {
		return fmt.Errorf("fetch checksum for %s: %w", rawURL, err)
	}
	fields := strings.Fields(string(sidecar))
	if len(fields) == 0 {
		return fmt.Errorf("empty checksum file for %s", rawURL)
	}
	want := strings.ToLower(fields[0])

	sum := sha256.Sum256(data)
	got := hex.EncodeToString(sum[:])
	if got != want {
		return fmt.Errorf("checksum mismatch for %s: got %s want %s", rawURL, got, want)
	}
	return nil
}

// cacheKey maps an archive URL to a stable bucket key. Falls back to the raw
// URL when parsing fails so caching still works, just with uglier keys.
func cacheKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return strings.TrimPrefix(u.Path, "/")
}
