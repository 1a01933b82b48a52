// Package edgelens provides an idiomatic Go API for working with edgelens
// nodes: the edge agent's REST and exec APIs and the supervisor's admin API.
package edgelens

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
)

// Client talks to an edge agent.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option is a functional option for configuring the client.
type Option func(*Client)

// New creates a client for the agent at baseURL (e.g. "http://10.0.0.2:9010").
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewClient creates a client with explicit parameters. This is an
// alternative constructor for compatibility.
func NewClient(baseURL, token string) *Client {
	return New(baseURL, WithToken(token))
}

// WithToken sets the bearer token presented to the agent.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout sets the per-request timeout on the underlying HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// BaseURL returns the agent base URL the client was built with.
func (c *Client) BaseURL() string { return c.baseURL }

// do performs a JSON request against the agent API. body and out may be
// nil. Non-2xx responses are returned as *APIError.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuth(req)

	dbg("edgelens: http request", "method", method, "url", req.URL.String())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if apiErr := ParseAPIError(resp, respBody); apiErr != nil {
		return apiErr
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// setAuth attaches the bearer token when one is configured.
func (c *Client) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// wsRequest builds a websocket request for the given API path with the
// auth header set. The http(s) scheme is rewritten to ws(s).
func (c *Client) wsRequest(path string, query url.Values) (*http.Request, error) {
	req, err := http.NewRequest("GET", c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	switch req.URL.Scheme {
	case "http":
		req.URL.Scheme = "ws"
	case "https":
		req.URL.Scheme = "wss"
	}
	if query != nil {
		req.URL.RawQuery = query.Encode()
	}
	c.setAuth(req)
	return req, nil
}
