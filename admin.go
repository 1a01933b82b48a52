package edgelens

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// AdminClient talks to the supervisor's admin API, which binds to
// localhost on the gateway node.
type AdminClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewAdminClient creates a client for the supervisor admin API at baseURL
// (e.g. "http://127.0.0.1:7861").
func NewAdminClient(baseURL string) *AdminClient {
	return &AdminClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SupervisorStatus retrieves the supervisor's view: child process state,
// probe snapshot and node reachability.
func (a *AdminClient) SupervisorStatus(ctx context.Context) (*SupervisorStatus, error) {
	var status SupervisorStatus
	if err := a.do(ctx, "GET", "/v1/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Events retrieves the most recent journal events, newest first. limit <= 0
// uses the server default.
func (a *AdminClient) Events(ctx context.Context, limit int) ([]Event, error) {
	path := "/v1/events"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var events []Event
	if err := a.do(ctx, "GET", path, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// StopGateway asks the supervisor to stop the gateway child. Stopping an
// already-stopped gateway is a no-op.
func (a *AdminClient) StopGateway(ctx context.Context) error {
	return a.do(ctx, "POST", "/v1/stop", nil)
}

func (a *AdminClient) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if apiErr := ParseAPIError(resp, body); apiErr != nil {
		return apiErr
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}
