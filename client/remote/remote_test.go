package remote

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gammadia/nomadcloud/jobtemplate"
	"github.com/gammadia/nomadcloud/server/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	requests []string
	bodies   []map[string]any
}

func (r *recorder) record(req *http.Request) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req.Method+" "+req.URL.RequestURI())
	var body map[string]any
	if json.NewDecoder(req.Body).Decode(&body) == nil {
		r.bodies = append(r.bodies, body)
	}
}

func newTestClient(t *testing.T, rec *recorder) *Client {
	mux := http.NewServeMux()
	reply := func(status int, v any) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			rec.record(r)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			if v != nil {
				assert.NoError(t, json.NewEncoder(w).Encode(v))
			}
		}
	}
	mux.HandleFunc("GET /version", reply(http.StatusOK, map[string]string{"version": "1.2.3"}))
	mux.HandleFunc("POST /provision", reply(http.StatusOK, api.ProvisionResponse{Agents: []api.AgentView{{Name: "jenkins-worker-a"}}}))
	mux.HandleFunc("GET /agents/missing", reply(http.StatusNotFound, map[string]string{"error": "unknown agent 'missing'"}))
	mux.HandleFunc("POST /agents/broken/launch", reply(http.StatusBadGateway, api.LaunchResponse{Agent: api.AgentView{Name: "broken"}, Error: "tasks failed"}))
	mux.HandleFunc("POST /agents/ok/launch", reply(http.StatusOK, api.LaunchResponse{Agent: api.AgentView{Name: "ok", Online: true}}))
	mux.HandleFunc("DELETE /agents/ok", reply(http.StatusNoContent, nil))
	mux.HandleFunc("GET /templates", reply(http.StatusOK, []*jobtemplate.JobTemplate{{Name: "linux", Label: "linux"}}))
	mux.HandleFunc("POST /dynamic-templates", reply(http.StatusCreated, api.BlockResponse{Template: "linux-block"}))
	mux.HandleFunc("GET /healthz", reply(http.StatusServiceUnavailable, nil))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client, err := New(srv.URL+"/", time.Second)
	require.NoError(t, err)
	return client
}

func TestVersion(t *testing.T) {
	client := newTestClient(t, &recorder{})
	version, err := client.Version(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", version)
}

func TestProvisionSendsRequest(t *testing.T) {
	rec := &recorder{}
	client := newTestClient(t, rec)

	agents, err := client.Provision(t.Context(), "linux && docker", 2, true, nil)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "jenkins-worker-a", agents[0].Name)

	_, err = client.Provision(t.Context(), "linux", 1, false, map[string]string{"BRANCH": "main"})
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{
		{"label": "linux && docker", "excess": float64(2), "launch": true},
		{"label": "linux", "excess": float64(1), "launch": false, "env": map[string]any{"BRANCH": "main"}},
	}, rec.bodies)
}

func TestErrorResponses(t *testing.T) {
	client := newTestClient(t, &recorder{})

	_, err := client.Agent(t.Context(), "missing")
	assert.True(t, IsNotFound(err))
	assert.EqualError(t, err, "unknown agent 'missing' (HTTP 404)")

	_, err = client.Health(t.Context())
	assert.EqualError(t, err, "Service Unavailable (HTTP 503)")
	assert.False(t, IsNotFound(err))
}

func TestLaunch(t *testing.T) {
	rec := &recorder{}
	client := newTestClient(t, rec)

	resp, err := client.Launch(t.Context(), "ok", true)
	require.NoError(t, err)
	assert.True(t, resp.Agent.Online)

	_, err = client.Launch(t.Context(), "broken", true)
	assert.EqualError(t, err, "tasks failed (HTTP 502)")

	assert.Equal(t, []string{"POST /agents/ok/launch?wait=true", "POST /agents/broken/launch?wait=true"}, rec.requests)
}

func TestTerminateAndTemplates(t *testing.T) {
	rec := &recorder{}
	client := newTestClient(t, rec)

	require.NoError(t, client.Terminate(t.Context(), "ok"))

	templates, err := client.Templates(t.Context(), "linux")
	require.NoError(t, err)
	require.Len(t, templates, 1)
	assert.Equal(t, "linux", templates[0].Name)

	name, err := client.EnterBlock(t.Context(), &jobtemplate.JobTemplate{Name: "linux"}, map[string]string{"IMAGE": "go"})
	require.NoError(t, err)
	assert.Equal(t, "linux-block", name)
	require.NotEmpty(t, rec.bodies)
	block := rec.bodies[len(rec.bodies)-1]
	assert.Equal(t, "linux", block["name"])
	assert.Equal(t, map[string]any{"IMAGE": "go"}, block["run-env"])

	assert.Equal(t, []string{"DELETE /agents/ok", "GET /templates?label=linux", "POST /dynamic-templates"}, rec.requests)
}

func TestNewAddsScheme(t *testing.T) {
	client, err := New("daemon:25374", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "http://daemon:25374", client.base.String())
}
