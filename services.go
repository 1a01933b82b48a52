package edgelens

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

// Status retrieves the agent's status: version, managed services and the
// ports currently listening on the edge node.
func (c *Client) Status(ctx context.Context) (*AgentStatus, error) {
	var status AgentStatus
	if err := c.do(ctx, "GET", "/v1/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Services retrieves all managed services and their states.
func (c *Client) Services(ctx context.Context) ([]ServiceInfo, error) {
	var services []ServiceInfo
	if err := c.do(ctx, "GET", "/v1/services", nil, &services); err != nil {
		return nil, err
	}
	return services, nil
}

// Service retrieves a single managed service by name.
func (c *Client) Service(ctx context.Context, name string) (*ServiceInfo, error) {
	var service ServiceInfo
	if err := c.do(ctx, "GET", "/v1/services/"+url.PathEscape(name), nil, &service); err != nil {
		return nil, err
	}
	return &service, nil
}

// StartService asks the agent to start a managed service. Services it
// depends on are started first.
func (c *Client) StartService(ctx context.Context, name string) (*ServiceInfo, error) {
	return c.serviceAction(ctx, name, "start")
}

// StopService asks the agent to stop a managed service. Stopping a service
// that is not running is a no-op.
func (c *Client) StopService(ctx context.Context, name string) (*ServiceInfo, error) {
	return c.serviceAction(ctx, name, "stop")
}

// RestartService asks the agent to stop then start a managed service.
func (c *Client) RestartService(ctx context.Context, name string) (*ServiceInfo, error) {
	return c.serviceAction(ctx, name, "restart")
}

func (c *Client) serviceAction(ctx context.Context, name, action string) (*ServiceInfo, error) {
	var service ServiceInfo
	path := fmt.Sprintf("/v1/services/%s/%s", url.PathEscape(name), action)
	if err := c.do(ctx, "POST", path, nil, &service); err != nil {
		return nil, err
	}
	return &service, nil
}

// StartAll starts every managed service in dependency order.
func (c *Client) StartAll(ctx context.Context) error {
	services, err := c.Services(ctx)
	if err != nil {
		return err
	}
	for _, svc := range services {
		if svc.State == ServiceRunning {
			continue
		}
		if _, err := c.StartService(ctx, svc.Name); err != nil {
			return fmt.Errorf("start %s: %w", svc.Name, err)
		}
	}
	return nil
}

// ServiceLogs fetches the last lines of a service's log file. lines <= 0
// uses the agent default.
func (c *Client) ServiceLogs(ctx context.Context, name string, lines int) (string, error) {
	path := "/v1/logs/" + url.PathEscape(name)
	if lines > 0 {
		path += "?lines=" + strconv.Itoa(lines)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if apiErr := ParseAPIError(resp, body); apiErr != nil {
		return "", apiErr
	}
	return string(body), nil
}
