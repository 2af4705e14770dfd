package nomad

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/samber/lo"
)

// Client is the part of the scheduler API needed to run agents.
type Client interface {
	// Register submits a job and returns the evaluation ID.
	Register(ctx context.Context, job *Job) (string, error)
	// Info fetches a job by ID.
	Info(ctx context.Context, id string) (*Job, error)
	// Allocations lists the allocations of a job.
	Allocations(ctx context.Context, id string) ([]*Allocation, error)
	// Deregister stops and purges a job, returning the evaluation ID.
	Deregister(ctx context.Context, id string) (string, error)
	// List lists every job known to the scheduler.
	List(ctx context.Context) ([]*JobListStub, error)
}

type Config struct {
	Address        string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	Logger         *slog.Logger
}

type HTTPClient struct {
	base   *url.URL
	http   *http.Client
	logger *slog.Logger
	// requestTimeout bounds a whole request, body included, zero for none
	requestTimeout time.Duration
}

// HTTPClient implements Client
var _ Client = (*HTTPClient)(nil)

func NewClient(config Config) (*HTTPClient, error) {
	if strings.TrimSpace(config.Address) == "" {
		return nil, fmt.Errorf("scheduler address is required")
	}
	base, err := url.Parse(strings.TrimSuffix(config.Address, "/"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse scheduler address: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("scheduler address '%s' must be an absolute URL", config.Address)
	}

	dialer := &net.Dialer{Timeout: lo.Ternary(config.ConnectTimeout > 0, config.ConnectTimeout, 10*time.Second)}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.ResponseHeaderTimeout = config.ReadTimeout

	var requestTimeout time.Duration
	if config.ReadTimeout > 0 {
		requestTimeout = dialer.Timeout + config.ReadTimeout
	}

	return &HTTPClient{
		base:           base,
		http:           &http.Client{Transport: transport},
		logger:         lo.Ternary(config.Logger == nil, slog.Default(), config.Logger).With("component", "nomad"),
		requestTimeout: requestTimeout,
	}, nil
}

func (c *HTTPClient) Address() string {
	return c.base.String()
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

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
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("Scheduler request", "method", method, "path", path)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *HTTPClient) Register(ctx context.Context, job *Job) (string, error) {
	var resp evalResponse
	if err := c.do(ctx, http.MethodPut, "/v1/jobs", nil, registerRequest{Job: job}, &resp); err != nil {
		return "", fmt.Errorf("failed to register job '%s': %w", job.ID, err)
	}
	return resp.EvalID, nil
}

func (c *HTTPClient) Info(ctx context.Context, id string) (*Job, error) {
	var job Job
	if err := c.do(ctx, http.MethodGet, "/v1/job/"+url.PathEscape(id), nil, nil, &job); err != nil {
		return nil, fmt.Errorf("failed to get job '%s': %w", id, err)
	}
	return &job, nil
}

func (c *HTTPClient) Allocations(ctx context.Context, id string) ([]*Allocation, error) {
	var allocs []*Allocation
	if err := c.do(ctx, http.MethodGet, "/v1/job/"+url.PathEscape(id)+"/allocations", nil, nil, &allocs); err != nil {
		return nil, fmt.Errorf("failed to list allocations of job '%s': %w", id, err)
	}
	return allocs, nil
}

func (c *HTTPClient) Deregister(ctx context.Context, id string) (string, error) {
	var resp evalResponse
	query := url.Values{"purge": []string{"true"}}
	if err := c.do(ctx, http.MethodDelete, "/v1/job/"+url.PathEscape(id), query, nil, &resp); err != nil {
		return "", fmt.Errorf("failed to deregister job '%s': %w", id, err)
	}
	return resp.EvalID, nil
}

func (c *HTTPClient) List(ctx context.Context) ([]*JobListStub, error) {
	var jobs []*JobListStub
	query := url.Values{"meta": []string{"true"}}
	if err := c.do(ctx, http.MethodGet, "/v1/jobs", query, nil, &jobs); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}
