package nomad

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{Address: srv.URL + "/", ReadTimeout: time.Second})
	require.NoError(t, err)
	return c
}

func TestNewClientValidatesAddress(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)

	_, err = NewClient(Config{Address: "nomad:4646"})
	assert.Error(t, err)
}

func TestRegister(t *testing.T) {
	var received registerRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/v1/jobs", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_, _ = w.Write([]byte(`{"EvalID":"eval-1"}`))
	})

	evalID, err := c.Register(context.Background(), &Job{ID: "agent-1", Name: "agent-1", Type: JobTypeBatch})
	require.NoError(t, err)
	assert.Equal(t, "eval-1", evalID)
	assert.Equal(t, "agent-1", received.Job.ID)
	assert.Equal(t, JobTypeBatch, received.Job.Type)
}

func TestRegisterRejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid job", http.StatusBadRequest)
	})

	_, err := c.Register(context.Background(), &Job{ID: "agent-1"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "invalid job", apiErr.Body)
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.False(t, IsConnectivityError(err))
}

func TestInfoAndAllocations(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/job/agent-1":
			_, _ = w.Write([]byte(`{"ID":"agent-1","Status":"running"}`))
		case "/v1/job/agent-1/allocations":
			_, _ = w.Write([]byte(`[
				{"ID":"a1","CreateIndex":10,"TaskStates":{"jnlp":{"State":"dead","Failed":true}}},
				{"ID":"a2","CreateIndex":12,"TaskStates":{"jnlp":{"State":"running"}}}
			]`))
		default:
			http.NotFound(w, r)
		}
	})

	job, err := c.Info(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, JobStatusRunning, job.Status)

	allocs, err := c.Allocations(context.Background(), "agent-1")
	require.NoError(t, err)
	require.Len(t, allocs, 2)
	assert.True(t, allocs[0].TaskStates["jnlp"].Failed)
	assert.Equal(t, uint64(12), allocs[1].CreateIndex)

	_, err = c.Info(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeregister(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/v1/job/agent-1", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("purge"))
		_, _ = w.Write([]byte(`{"EvalID":"eval-2"}`))
	})

	evalID, err := c.Deregister(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "eval-2", evalID)
}

func TestList(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("meta"))
		_, _ = w.Write([]byte(`[
			{"ID":"a","Status":"running","Meta":{"cloud":"c1","jenkins/linux":"true"}},
			{"ID":"b","Status":"dead","Meta":{"cloud":"c1","jenkins/linux":"true"}},
			{"ID":"c","Status":"pending","Meta":{"cloud":"c1"}},
			{"ID":"d","Status":"running","Meta":{"cloud":"c2","jenkins/linux":"true"}}
		]`))
	})

	jobs, err := c.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, jobs, 4)
	assert.Equal(t, 2, CountLive(jobs, map[string]string{"cloud": "c1"}))
	assert.Equal(t, 1, CountLive(jobs, map[string]string{"cloud": "c1", "jenkins/linux": "true"}))
	assert.Equal(t, 3, CountLive(jobs, nil))
}

func TestIsConnectivityError(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	c, err := NewClient(Config{Address: "http://" + addr})
	require.NoError(t, err)

	_, err = c.List(context.Background())
	require.Error(t, err)
	assert.True(t, IsConnectivityError(err))

	assert.True(t, IsConnectivityError(&net.DNSError{Err: "no such host", Name: "nomad"}))
	assert.False(t, IsConnectivityError(errors.New("boom")))
	assert.False(t, IsConnectivityError(nil))
}

func TestReadTimeoutCoversResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"ID":"agent-1",`))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{Address: srv.URL, ConnectTimeout: 50 * time.Millisecond, ReadTimeout: 50 * time.Millisecond})
	require.NoError(t, err)

	start := time.Now()
	_, err = c.List(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}
