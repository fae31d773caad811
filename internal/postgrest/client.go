// Package postgrest is a small client for PostgREST-style table endpoints.
// It provides the query executors consumed by the resolver package.
package postgrest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// TokenSource returns the bearer token for a request, or "" to use the API key
type TokenSource func(ctx context.Context) string

// Config for creating a new Client
type Config struct {
	URL            string
	APIKey         string
	Schema         string
	RequestTimeout time.Duration
	CircuitBreaker CircuitBreakerConfig
	TokenSource    TokenSource
	HTTPClient     *http.Client
	Logger         zerolog.Logger
}

// Client issues queries against <URL>/rest/v1. It holds no per-query state
// and is safe for concurrent use by many resolvers.
type Client struct {
	baseURL     string
	apiKey      string
	schema      string
	tokenSource TokenSource
	httpClient  *http.Client
	breaker     *CircuitBreaker
	logger      zerolog.Logger
}

// NewClient creates a new Client
func NewClient(cfg Config) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid url %q: scheme and host are required", cfg.URL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		transport := &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		}
		httpClient = &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
		}
	}

	return &Client{
		baseURL:     strings.TrimRight(cfg.URL, "/") + "/rest/v1",
		apiKey:      cfg.APIKey,
		schema:      cfg.Schema,
		tokenSource: cfg.TokenSource,
		httpClient:  httpClient,
		breaker:     NewCircuitBreaker(cfg.CircuitBreaker),
		logger:      cfg.Logger.With().Str("component", "postgrest").Logger(),
	}, nil
}

// From starts a query on table
func (c *Client) From(table string) *Query {
	return &Query{
		client:  c,
		table:   table,
		method:  http.MethodGet,
		filters: url.Values{},
	}
}

// BreakerState returns the circuit breaker state name
func (c *Client) BreakerState() string {
	return c.breaker.State()
}

// Close releases idle connections
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// do sends one HTTP request and returns the body of a 2xx response
func (c *Client) do(ctx context.Context, method, table string, query url.Values, header http.Header) ([]byte, error) {
	if err := c.breaker.Allow(); err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/" + url.PathEscape(table)
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	c.setAuthHeaders(ctx, httpReq)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() == nil {
			c.breaker.Record(false)
		}
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.breaker.Record(false)
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.Debug().
		Str("method", method).
		Str("table", table).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("query executed")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := parseAPIError(resp.StatusCode, body)
		c.breaker.Record(!apiErr.Temporary())
		return nil, apiErr
	}
	c.breaker.Record(true)
	return body, nil
}

func (c *Client) setAuthHeaders(ctx context.Context, req *http.Request) {
	token := ""
	if c.tokenSource != nil {
		token = c.tokenSource(ctx)
	}
	if token == "" {
		token = c.apiKey
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if c.schema != "" {
		if req.Method == http.MethodGet || req.Method == http.MethodHead {
			req.Header.Set("Accept-Profile", c.schema)
		} else {
			req.Header.Set("Content-Profile", c.schema)
		}
	}
}

// decodeRows splits a JSON array body into its rows
func decodeRows(body []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(trimmed, &rows); err != nil {
		return nil, fmt.Errorf("response is not a row array: %w", err)
	}
	return rows, nil
}
