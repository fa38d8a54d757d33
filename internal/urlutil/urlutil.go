// Package urlutil fetches resources addressed by http(s) or file URLs
// through one interface, so a guide source can live behind a CDN or on
// local disk interchangeably.
package urlutil

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/thomasbambino/streamcore/pkg/httpclient"
)

// ResourceFetcher retrieves resources over HTTP(S) with the client's
// retry and decompression behavior, or straight from the filesystem for
// file URLs.
type ResourceFetcher struct {
	client *httpclient.Client
}

// NewResourceFetcher creates a fetcher with the given HTTP client
// configuration.
func NewResourceFetcher(cfg httpclient.Config) *ResourceFetcher {
	return &ResourceFetcher{client: httpclient.New(cfg)}
}

// Fetch opens the resource at rawURL. The caller closes the returned
// reader.
func (f *ResourceFetcher) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return f.fetchHTTP(ctx, rawURL)
	case "file":
		return openFileURL(u)
	default:
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
}

func (f *ResourceFetcher) fetchHTTP(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	resp, err := f.client.Get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// CircuitStats exposes the HTTP client's breaker counters. File URLs
// never touch the breaker, so for them the stats stay at zero.
func (f *ResourceFetcher) CircuitStats() httpclient.CircuitBreakerStats {
	return f.client.CircuitStats()
}

func openFileURL(u *url.URL) (io.ReadCloser, error) {
	path, err := fileURLPath(u)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}

// fileURLPath extracts the filesystem path from a parsed file URL.
// Remote file URLs (a host other than localhost) are rejected.
func fileURLPath(u *url.URL) (string, error) {
	if u.Host != "" && u.Host != "localhost" {
		return "", fmt.Errorf("file url host %q not supported", u.Host)
	}
	if u.Path == "" {
		return "", fmt.Errorf("file url has no path")
	}
	return u.Path, nil
}

// ValidateURL reports whether rawURL is usable by Fetch: an http(s)
// URL, or a file URL naming an existing file. Config validation calls
// this at startup so a bad guide source fails the boot instead of the
// first refresh.
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return nil
	case "file":
		path, err := fileURLPath(u)
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("file url: %w", err)
		}
		return nil
	case "":
		return fmt.Errorf("url must include a scheme (http, https, or file)")
	default:
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
}
