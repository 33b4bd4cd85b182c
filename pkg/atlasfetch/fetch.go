// Package atlasfetch downloads the two fixed inputs of the atlas
// dashboard: a district table and a zipped geometry archive, both
// served from configured URLs. Nothing is cached and nothing is
// retried; every page load fetches fresh bytes and the caller's
// context is the only leash on a slow server.
package atlasfetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

const userAgent = "region-stats-map"

// Client knows where the atlas inputs live. A nil HTTP client falls
// back to http.DefaultClient, which deliberately carries no timeout.
type Client struct {
	tableURL   string
	archiveURL string
	httpClient *http.Client
	logf       func(string, ...any)
}

// New wires a fetcher for the given table and archive URLs. httpClient
// and logf may be nil.
func New(tableURL, archiveURL string, httpClient *http.Client, logf func(string, ...any)) *Client {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Client{
		tableURL:   tableURL,
		archiveURL: archiveURL,
		httpClient: httpClient,
		logf:       logf,
	}
}

// FetchTable downloads the district table CSV.
func (c *Client) FetchTable(ctx context.Context) ([]byte, error) {
	return c.fetch(ctx, c.tableURL, "district table")
}

// FetchArchive downloads the zipped geometry archive.
func (c *Client) FetchArchive(ctx context.Context) ([]byte, error) {
	return c.fetch(ctx, c.archiveURL, "geometry archive")
}

func (c *Client) fetch(ctx context.Context, url, what string) ([]byte, error) {
	if url == "" {
		return nil, fmt.Errorf("no URL configured for the %s", what)
	}
	client := c.httpClient
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", what, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", what, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: http %d", what, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", what, err)
	}
	c.logf("downloaded %s: %d bytes from %s", what, len(body), url)
	return body, nil
}
