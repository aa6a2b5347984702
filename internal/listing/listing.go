// Package listing enumerates the children of a prefix on the
// data.binance.vision style listing service. The service fronts an S3
// bucket: an HTML index page embeds the bucket endpoint, and the bucket
// answers delimiter/prefix/marker queries with paginated XML.
package listing

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"binvision/internal/util"
)

// ErrBucketURLNotFound means the index page did not embed a listing endpoint.
var ErrBucketURLNotFound = errors.New("listing: BUCKET_URL not found in index page")

var bucketURLPattern = regexp.MustCompile(`var BUCKET_URL = '(.*?)';`)

// ArchiveExt is the only terminal file type retained from listings.
const ArchiveExt = ".zip"

// Entry is one child of a listed prefix. Directories denote sub-partitions,
// files denote terminal archives.
type Entry struct {
	Name  string
	IsDir bool
}

// Client lists prefixes on one listing service.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient returns a Client rooted at baseURL using the given http.Client.
func NewClient(baseURL string, client *http.Client) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// resolveBucketURL fetches the index page for prefix and extracts the
// per-bucket listing endpoint embedded in the HTML body.
func (c *Client) resolveBucketURL(ctx context.Context, prefix string) (string, error) {
	indexURL := fmt.Sprintf("%s/?prefix=%s", c.baseURL, url.QueryEscape(prefix))
	body, err := c.get(ctx, indexURL)
	if err != nil {
		return "", err
	}
	matches := bucketURLPattern.FindSubmatch(body)
	if len(matches) < 2 {
		return "", fmt.Errorf("%w (index %s)", ErrBucketURLNotFound, indexURL)
	}
	return string(matches[1]), nil
}

// List returns every child entry of prefix, directories first, then files,
// each group sorted lexicographically with the prefix stripped. Pagination
// follows S3 marker semantics: keep requesting while IsTruncated, using the
// explicit NextMarker when present and otherwise the last key seen. A
// truncated page that yields no usable marker terminates the walk rather
// than looping forever.
func (c *Client) List(ctx context.Context, prefix string) ([]Entry, error) {
	bucketURL, err := c.resolveBucketURL(ctx, prefix)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	marker := ""
	for {
		params := fmt.Sprintf("delimiter=/&prefix=%s", url.QueryEscape(prefix))
		if marker != "" {
			params += fmt.Sprintf("&marker=%s", url.QueryEscape(marker))
		}
		body, err := c.get(ctx, bucketURL+"?"+params)
		if err != nil {
			return nil, err
		}
		page, err := parsePage(body, prefix)
		if err != nil {
			return nil, err
		}
		entries = append(entries, page.entries...)

		if !page.truncated {
			break
		}
		switch {
		case page.nextMarker != "":
			marker = page.nextMarker
		case page.lastKey != "":
			marker = page.lastKey
		default:
			// Truncated page without any key or marker: malformed, bail out.
			return entries, nil
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request %s: %w", rawURL, err)
	}
	return util.DownloadFile(c.client, req, 0)
}

// page holds the parse result of a single listing response.
type page struct {
	entries    []Entry
	truncated  bool
	nextMarker string
	lastKey    string
}

// parsePage decodes one XML listing page. Tag matching is suffix based so
// namespaced and namespace-free documents parse alike.
func parsePage(data []byte, prefix string) (page, error) {
	var p page
	dec := xml.NewDecoder(bytes.NewReader(data))

	var stack []string
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return page{}, fmt.Errorf("parse listing page: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			stack = append(stack, t.Name.Local)
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			if len(stack) == 0 {
				continue
			}
			text := strings.TrimSpace(string(t))
			if text == "" {
				continue
			}
			current := stack[len(stack)-1]
			parent := ""
			if len(stack) >= 2 {
				parent = stack[len(stack)-2]
			}
			switch {
			case strings.HasSuffix(current, "Prefix") && strings.HasSuffix(parent, "CommonPrefixes"):
				name := strings.Trim(strings.TrimPrefix(text, prefix), "/")
				if name != "" {
					p.entries = append(p.entries, Entry{Name: name, IsDir: true})
				}
			case strings.HasSuffix(current, "Key") && strings.HasSuffix(parent, "Contents"):
				p.lastKey = text
				if strings.HasSuffix(text, ArchiveExt) {
					name := strings.TrimPrefix(text, prefix)
					if name != "" {
						p.entries = append(p.entries, Entry{Name: name, IsDir: false})
					}
				}
			case strings.HasSuffix(current, "IsTruncated"):
				p.truncated = strings.EqualFold(text, "true")
			case strings.HasSuffix(current, "NextMarker"):
				p.nextMarker = text
			}
		}
	}
	return p, nil
}

// ArchiveURL builds the fetchable URL of an archive under the service,
// percent-encoding each path segment and the file name.
func ArchiveURL(baseURL, path, name string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return fmt.Sprintf("%s/%s/%s",
		strings.TrimRight(baseURL, "/"),
		strings.Join(segments, "/"),
		url.PathEscape(name),
	)
}
