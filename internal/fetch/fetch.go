// Package fetch provides chained single-page content fetching: Tavily
// extract first, local HTTP with HTML-to-markdown conversion as fallback.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/installer-scout/pkg/tavily"
)

// maxBodyBytes caps how much of a page body is read.
const maxBodyBytes = 512 * 1024

// Page is the extracted content of a single URL.
type Page struct {
	URL     string
	Content string
}

// FetchError reports a page that could not be fetched.
type FetchError struct {
	URL    string
	Reason string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch: %s: %s", e.URL, e.Reason)
}

// Fetcher fetches the content of a single URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Page, error)
}

// Chain tries fetchers in priority order, returning the first success.
type Chain struct {
	fetchers []Fetcher
}

// NewChain creates a Chain. Fetchers are tried in order.
func NewChain(fetchers ...Fetcher) *Chain {
	return &Chain{fetchers: fetchers}
}

func (c *Chain) Fetch(ctx context.Context, url string) (*Page, error) {
	var lastErr error
	for _, f := range c.fetchers {
		page, err := f.Fetch(ctx, url)
		if err == nil && page != nil && strings.TrimSpace(page.Content) != "" {
			return page, nil
		}
		if err != nil {
			zap.L().Debug("fetch: fetcher failed, trying next",
				zap.String("url", url),
				zap.Error(err),
			)
			lastErr = err
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, &FetchError{URL: url, Reason: "no fetcher returned content"}
}

// TavilyFetcher fetches page content via the Tavily extract API.
type TavilyFetcher struct {
	client tavily.Client
}

// NewTavilyFetcher creates a TavilyFetcher.
func NewTavilyFetcher(client tavily.Client) *TavilyFetcher {
	return &TavilyFetcher{client: client}
}

func (t *TavilyFetcher) Fetch(ctx context.Context, url string) (*Page, error) {
	resp, err := t.client.Extract(ctx, url)
	if err != nil {
		return nil, &FetchError{URL: url, Reason: err.Error()}
	}

	for _, failed := range resp.FailedResults {
		if failed.URL == url {
			return nil, &FetchError{URL: url, Reason: failed.Error}
		}
	}

	for _, r := range resp.Results {
		if r.RawContent == "" {
			continue
		}
		content := r.RawContent
		if len(content) > maxBodyBytes {
			content = content[:maxBodyBytes]
		}
		return &Page{URL: url, Content: content}, nil
	}

	return nil, &FetchError{URL: url, Reason: "provider returned no content"}
}

// LocalFetcher fetches HTML via net/http and converts it to markdown.
// Free, no API calls; used as a fallback when the provider fails.
type LocalFetcher struct {
	client *http.Client
}

// NewLocalFetcher creates a LocalFetcher with sensible defaults.
func NewLocalFetcher() *LocalFetcher {
	return &LocalFetcher{
		client: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

func (l *LocalFetcher) Fetch(ctx context.Context, url string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, eris.Wrap(err, "fetch: create request")
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; InstallerScout/1.0)")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: url, Reason: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &FetchError{URL: url, Reason: "read body: " + err.Error()}
	}

	if resp.StatusCode >= 400 {
		return nil, &FetchError{URL: url, Reason: fmt.Sprintf("status %d", resp.StatusCode)}
	}

	if len(body) < 100 {
		return nil, &FetchError{URL: url, Reason: "empty page"}
	}

	markdown, err := htmltomarkdown.ConvertString(string(body))
	if err != nil {
		return nil, &FetchError{URL: url, Reason: "convert html: " + err.Error()}
	}

	return &Page{URL: url, Content: markdown}, nil
}
