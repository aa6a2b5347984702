package util

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// NewHTTPClient creates an http.Client with a reasonable timeout and an
// optional forward proxy. An empty proxyURL leaves the default transport
// proxy behavior (environment based) in place.
func NewHTTPClient(proxyURL string) (*http.Client, error) {
	client := &http.Client{Timeout: 120 * time.Second}
	if proxyURL != "" {
		proxy, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url %s: %w", proxyURL, err)
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(proxy)}
	}
	return client, nil
}

// DownloadFile executes a pre-built HTTP request and returns the body bytes,
// reading the response in chunkBytes-sized reads. It handles response closing
// and non-2xx status codes. The caller is responsible for creating the
// request (including context and headers).
func DownloadFile(client *http.Client, req *http.Request, chunkBytes int) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http do request for %s: %w", req.URL.String(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Read some of the body for context on error.
		limitReader := io.LimitReader(resp.Body, 512)
		bodyBytes, _ := io.ReadAll(limitReader)
		return nil, fmt.Errorf("bad status '%s' fetching %s: %s", resp.Status, req.URL.String(), string(bodyBytes))
	}

	if chunkBytes <= 0 {
		chunkBytes = 1024 * 1024
	}
	var out bytes.Buffer
	chunk := make([]byte, chunkBytes)
	for {
		n, readErr := resp.Body.Read(chunk)
		if n > 0 {
			out.Write(chunk[:n])
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("failed reading body from %s: %w", req.URL.String(), readErr)
		}
	}
	return out.Bytes(), nil
}
