// Package tavily provides a client for the Tavily search and extract API.
package tavily

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// ErrSearchUnavailable indicates the search provider could not be reached
// or returned a server-side failure after retries.
var ErrSearchUnavailable = eris.New("tavily: search unavailable")

// Client defines the Tavily operations used by the pipeline.
type Client interface {
	// Search performs a web search and returns ranked results.
	Search(ctx context.Context, query string, opts ...SearchOption) (*SearchResponse, error)
	// Extract fetches the raw content of a single URL.
	Extract(ctx context.Context, targetURL string) (*ExtractResponse, error)
}

// SearchResponse is the parsed Tavily search response.
type SearchResponse struct {
	Query   string         `json:"query"`
	Results []SearchResult `json:"results"`
}

// SearchResult represents a single ranked search result.
type SearchResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// ExtractResponse is the parsed Tavily extract response.
type ExtractResponse struct {
	Results       []ExtractResult `json:"results"`
	FailedResults []FailedResult  `json:"failed_results"`
}

// ExtractResult holds the raw content of one extracted URL.
type ExtractResult struct {
	URL        string `json:"url"`
	RawContent string `json:"raw_content"`
}

// FailedResult reports a URL the provider could not extract.
type FailedResult struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

// SearchOption configures a search request.
type SearchOption func(*searchOpts)

type searchOpts struct {
	maxResults  int
	searchDepth string
}

// WithMaxResults caps the number of returned results.
func WithMaxResults(n int) SearchOption {
	return func(o *searchOpts) {
		o.maxResults = n
	}
}

// WithSearchDepth sets the provider search depth ("basic" or "advanced").
func WithSearchDepth(depth string) SearchOption {
	return func(o *searchOpts) {
		o.searchDepth = depth
	}
}

// Option configures the Tavily client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit caps outgoing requests per second.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a new Tavily client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "https://api.tavily.com",
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(5), 5),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// retryableStatusCode returns true if the HTTP status code should trigger a retry.
func retryableStatusCode(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable
}

// postJSON executes a JSON POST with exponential backoff retries on
// transient failures (429, 500, 502, 503). Returns the response body and
// status code on success, or the last error after exhausting retries.
func (c *httpClient) postJSON(ctx context.Context, path string, payload any) ([]byte, int, error) {
	const maxAttempts = 3
	backoff := 1 * time.Second

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, eris.Wrap(err, "tavily: marshal request")
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, 0, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, 0, eris.Wrap(err, "tavily: create request")
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			if attempt < maxAttempts {
				select {
				case <-ctx.Done():
					return nil, 0, ctx.Err()
				case <-time.After(backoff):
				}
				backoff *= 2
				continue
			}
			return nil, 0, lastErr
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, resp.StatusCode, eris.Wrap(readErr, "tavily: read response body")
		}

		if retryableStatusCode(resp.StatusCode) && attempt < maxAttempts {
			lastErr = eris.Errorf("tavily: status %d: %s", resp.StatusCode, string(respBody))
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}

		return respBody, resp.StatusCode, nil
	}

	return nil, 0, lastErr
}

func (c *httpClient) Search(ctx context.Context, query string, opts ...SearchOption) (*SearchResponse, error) {
	so := &searchOpts{
		maxResults:  10,
		searchDepth: "basic",
	}
	for _, opt := range opts {
		opt(so)
	}

	payload := map[string]any{
		"query":        query,
		"search_depth": so.searchDepth,
		"max_results":  so.maxResults,
	}

	body, statusCode, err := c.postJSON(ctx, "/search", payload)
	if err != nil {
		return nil, eris.Wrap(ErrSearchUnavailable, err.Error())
	}

	if statusCode != http.StatusOK {
		return nil, eris.Wrap(ErrSearchUnavailable,
			eris.Errorf("tavily: search unexpected status %d: %s", statusCode, string(body)).Error())
	}

	var result SearchResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "tavily: unmarshal search response")
	}

	return &result, nil
}

func (c *httpClient) Extract(ctx context.Context, targetURL string) (*ExtractResponse, error) {
	payload := map[string]any{
		"urls": []string{targetURL},
	}

	body, statusCode, err := c.postJSON(ctx, "/extract", payload)
	if err != nil {
		return nil, eris.Wrap(err, "tavily: extract request failed")
	}

	if statusCode != http.StatusOK {
		return nil, eris.Errorf("tavily: extract unexpected status %d: %s", statusCode, string(body))
	}

	var result ExtractResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "tavily: unmarshal extract response")
	}

	return &result, nil
}
