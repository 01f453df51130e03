// Package traffic talks to the reverse proxy's control API, which owns port
// allocation and decides which port an app's traffic goes to.
package traffic

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// maxBody bounds how much of a response is read.
const maxBody = 64 << 10

// Coordinator allocates ports and switches traffic for an app.
type Coordinator interface {
	AllocatePort(ctx context.Context, app string) (int, error)
	SwitchTraffic(ctx context.Context, app string, port int) (string, error)
}

// Config holds proxy client configuration.
type Config struct {
	BaseURL string // e.g. "http://127.0.0.1:8080"
	APIKey  string // optional, sent as X-API-Key
	Timeout time.Duration
}

// Client is the HTTP implementation of Coordinator.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a proxy API client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// AllocatePort asks the proxy for a free port for app.
func (c *Client) AllocatePort(ctx context.Context, app string) (int, error) {
	endpoint := c.baseURL + "/api/port?" + url.Values{"app": {app}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, &PortAllocationError{Kind: KindRequestFailed, App: app, Err: fmt.Errorf("create request: %w", err)}
	}
	c.setHeaders(req)

	status, body, err := c.do(req)
	if err != nil {
		return 0, &PortAllocationError{Kind: KindRequestFailed, App: app, Err: err}
	}
	if !success(status) {
		return 0, &PortAllocationError{Kind: KindRequestFailed, App: app, Status: status, Body: body}
	}

	port, err := strconv.Atoi(body)
	if err != nil || port < 1 || port > 65535 {
		return 0, &PortAllocationError{Kind: KindMalformedResponse, App: app, Status: status, Body: body}
	}

	c.logger.Debug("port allocated", "app", app, "port", port)
	return port, nil
}

// SwitchTraffic points app's traffic at port and returns the proxy's
// acknowledgement.
func (c *Client) SwitchTraffic(ctx context.Context, app string, port int) (string, error) {
	form := url.Values{
		"app":  {app},
		"port": {strconv.Itoa(port)},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/switch", strings.NewReader(form.Encode()))
	if err != nil {
		return "", &TrafficSwitchError{Kind: KindRequestFailed, App: app, Port: port, Err: fmt.Errorf("create request: %w", err)}
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	status, body, err := c.do(req)
	if err != nil {
		return "", &TrafficSwitchError{Kind: KindRequestFailed, App: app, Port: port, Err: err}
	}
	if !success(status) {
		return "", &TrafficSwitchError{Kind: KindRejected, App: app, Port: port, Status: status, Body: body}
	}

	c.logger.Debug("traffic switched", "app", app, "port", port, "ack", body)
	return body, nil
}

func (c *Client) do(req *http.Request) (int, string, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, strings.TrimSpace(string(body)), nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
}

func success(status int) bool {
	return status >= 200 && status < 300
}
