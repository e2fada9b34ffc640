// Package httpclient consumes the live-state HTTP interface from a remote
// fleetd process. It satisfies registry.Reader so the fusion engine works
// unchanged whether the registry is in-process or remote.
package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/skylattice/fleetd/registry"
)

const defaultTimeout = 3 * time.Second

type Client struct {
	baseURL string
	http    *http.Client
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Get(ctx context.Context, agentID string) (registry.AgentState, error) {
	if strings.TrimSpace(agentID) == "" {
		return registry.AgentState{}, fmt.Errorf("agent id is required")
	}
	var state registry.AgentState
	err := c.getJSON(ctx, "/api/agents/"+url.PathEscape(agentID), &state)
	if err != nil {
		return registry.AgentState{}, err
	}
	return state, nil
}

func (c *Client) List(ctx context.Context) ([]registry.AgentState, error) {
	var states []registry.AgentState
	if err := c.getJSON(ctx, "/api/agents", &states); err != nil {
		return nil, err
	}
	return states, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		// No response within the timeout is a normal, handled condition.
		return fmt.Errorf("live-state request failed: %w: %v", registry.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return registry.ErrUnknownAgent
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("live-state request returned %d: %s: %w",
			resp.StatusCode, strings.TrimSpace(string(body)), registry.ErrUnavailable)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode live-state response: %w", err)
	}
	return nil
}
