package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchChunkedDownload(t *testing.T) {
	payload := strings.Repeat("abcdefgh", 1000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, payload)
	}))
	t.Cleanup(srv.Close)

	// A chunk size much smaller than the payload forces many reads.
	f, err := New(context.Background(), srv.Client(), Options{ChunkBytes: 64})
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	data, err := f.Fetch(context.Background(), srv.URL+"/a.zip")
	require.NoError(t, err)
	assert.Equal(t, payload, string(data))
}

func TestFetchBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	f, err := New(context.Background(), srv.Client(), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	_, err = f.Fetch(context.Background(), srv.URL+"/missing.zip")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	// The response body is captured into the error for context.
	assert.Contains(t, err.Error(), "gone")
}

func TestFetchVerifiesChecksum(t *testing.T) {
	payload := []byte("archive bytes")
	sum := sha256.Sum256(payload)
	digest := hex.EncodeToString(sum[:])

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ChecksumExt) {
			fmt.Fprintf(w, "%s  a.zip\n", digest)
			return
		}
		w.Write(payload)
	}))
	t.Cleanup(srv.Close)

	f, err := New(context.Background(), srv.Client(), Options{VerifyChecksum: true})
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	data, err := f.Fetch(context.Background(), srv.URL+"/a.zip")
	require.NoError(t, err)
	assert.Equal(t, payload, data)
}

func TestFetchChecksumMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ChecksumExt) {
			fmt.Fprint(w, strings.Repeat("0", 64)+"  a.zip\n")
			return
		}
		fmt.Fprint(w, "archive bytes")
	}))
	t.Cleanup(srv.Close)

	f, err := New(context.Background(), srv.Client(), Options{VerifyChecksum: true})
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	_, err = f.Fetch(context.Background(), srv.URL+"/a.zip")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func TestFetchServesFromCache(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, "archive bytes")
	}))
	t.Cleanup(srv.Close)

	f, err := New(context.Background(), srv.Client(), Options{CacheBucketURL: "mem://"})
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	url := srv.URL + "/data/a.zip"
	first, err := f.Fetch(context.Background(), url)
	require.NoError(t, err)
	second, err := f.Fetch(context.Background(), url)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), hits.Load(), "second fetch should come from the cache")
}
