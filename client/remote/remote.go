// Package remote talks to the nomadcloud daemon HTTP API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gammadia/nomadcloud/jobtemplate"
	"github.com/gammadia/nomadcloud/server/api"
)

// DefaultAddress is the daemon listening port on the local host.
const DefaultAddress = "http://127.0.0.1:25374"

// Error is a non-successful API response.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

// IsNotFound reports whether err is a 404 API response.
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

type Client struct {
	base *url.URL
	http *http.Client
}

func New(address string, timeout time.Duration) (*Client, error) {
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	base, err := url.Parse(strings.TrimSuffix(address, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid daemon address '%s': %w", address, err)
	}
	return &Client{base: base, http: &http.Client{Timeout: timeout}}, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := *c.base
	u.Path += path
	u.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var payload struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil || payload.Error == "" {
			payload.Error = http.StatusText(resp.StatusCode)
		}
		return &Error{Status: resp.StatusCode, Message: payload.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) Health(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	return out, c.do(ctx, http.MethodGet, "/healthz", nil, nil, &out)
}

func (c *Client) Version(ctx context.Context) (string, error) {
	var out struct {
		Version string `json:"version"`
	}
	return out.Version, c.do(ctx, http.MethodGet, "/version", nil, nil, &out)
}

// Provision plans agents for label, launching them in the background when launch is set.
func (c *Client) Provision(ctx context.Context, label string, excess int, launch bool, env map[string]string) ([]api.AgentView, error) {
	var out api.ProvisionResponse
	err := c.do(ctx, http.MethodPost, "/provision", nil, api.ProvisionRequest{Label: label, Excess: excess, Launch: launch, Env: env}, &out)
	return out.Agents, err
}

func (c *Client) Agents(ctx context.Context) ([]api.AgentView, error) {
	var out []api.AgentView
	return out, c.do(ctx, http.MethodGet, "/agents", nil, nil, &out)
}

func (c *Client) Agent(ctx context.Context, name string) (*api.AgentView, error) {
	var out api.AgentView
	if err := c.do(ctx, http.MethodGet, "/agents/"+url.PathEscape(name), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Launch starts a planned agent. With wait set, it returns once the agent is
// online or its launch failed.
func (c *Client) Launch(ctx context.Context, name string, wait bool) (*api.LaunchResponse, error) {
	query := url.Values{}
	if wait {
		query.Set("wait", "true")
	}
	var out api.LaunchResponse
	err := c.do(ctx, http.MethodPost, "/agents/"+url.PathEscape(name)+"/launch", query, nil, &out)
	return &out, err
}

func (c *Client) Terminate(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/agents/"+url.PathEscape(name), nil, nil, nil)
}

// Templates lists the templates of the daemon cloud, only those matching label when not empty.
func (c *Client) Templates(ctx context.Context, label string) ([]*jobtemplate.JobTemplate, error) {
	query := url.Values{}
	if label != "" {
		query.Set("label", label)
	}
	var out []*jobtemplate.JobTemplate
	return out, c.do(ctx, http.MethodGet, "/templates", query, nil, &out)
}

func (c *Client) AddTemplate(ctx context.Context, t *jobtemplate.JobTemplate) error {
	return c.do(ctx, http.MethodPost, "/templates", nil, t, nil)
}

func (c *Client) RemoveTemplate(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/templates/"+url.PathEscape(name), nil, nil, nil)
}

// EnterBlock registers a dynamic template and returns its name. The
// ${env.KEY} macros of its tasks are resolved against runEnv.
func (c *Client) EnterBlock(ctx context.Context, t *jobtemplate.JobTemplate, runEnv map[string]string) (string, error) {
	var out api.BlockResponse
	return out.Template, c.do(ctx, http.MethodPost, "/dynamic-templates", nil, api.BlockRequest{JobTemplate: *t, RunEnv: runEnv}, &out)
}

func (c *Client) ExitBlock(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/dynamic-templates/"+url.PathEscape(name), nil, nil, nil)
}
