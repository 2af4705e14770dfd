package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/gammadia/nomadcloud/nomad"
	"github.com/gammadia/nomadcloud/provisioner/internal"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Fake Docker daemon ---

type fakeContainer struct {
	summary  container.Summary
	config   *container.Config
	host     *container.HostConfig
	exitCode int
}

type fakeDocker struct {
	mu sync.Mutex

	containers map[string]*fakeContainer
	order      []string
	pulled     []string
	pullAuth   []string
	removed    []string

	startErr error
}

var _ internal.DockerClient = (*fakeDocker)(nil)

func newFakeDocker() *fakeDocker {
	return &fakeDocker{containers: map[string]*fakeContainer{}}
}

func (f *fakeDocker) ContainerCreate(_ context.Context, config *container.Config, host *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, name string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("ctr-%d", len(f.order)+1)
	f.containers[id] = &fakeContainer{
		summary: container.Summary{ID: id, Names: []string{"/" + name}, Labels: config.Labels, State: "created"},
		config:  config,
		host:    host,
	}
	f.order = append(f.order, id)
	return container.CreateResponse{ID: id}, nil
}

func (f *fakeDocker) ContainerStart(_ context.Context, id string, _ container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.containers[id].summary.State = stateRunning
	return nil
}

func (f *fakeDocker) ContainerList(_ context.Context, options container.ListOptions) ([]container.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []container.Summary
	for _, id := range f.order {
		ctr, ok := f.containers[id]
		if !ok {
			continue
		}
		if matchesLabels(ctr.summary.Labels, options.Filters.Get("label")) {
			out = append(out, ctr.summary)
		}
	}
	return out, nil
}

func matchesLabels(labels map[string]string, filters []string) bool {
	for _, filter := range filters {
		key, value, hasValue := strings.Cut(filter, "=")
		got, ok := labels[key]
		if !ok || (hasValue && got != value) {
			return false
		}
	}
	return true
}

func (f *fakeDocker) ContainerInspect(_ context.Context, id string) (container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ctr, ok := f.containers[id]
	if !ok {
		return container.InspectResponse{}, errors.New("no such container")
	}
	return container.InspectResponse{ContainerJSONBase: &container.ContainerJSONBase{
		ID:    id,
		State: &container.State{ExitCode: ctr.exitCode},
	}}, nil
}

func (f *fakeDocker) ContainerKill(context.Context, string, string) error {
	return nil
}

func (f *fakeDocker) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeDocker) ImageList(context.Context, image.ListOptions) ([]image.Summary, error) {
	return nil, nil
}

func (f *fakeDocker) ImagePull(_ context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, ref)
	f.pullAuth = append(f.pullAuth, options.RegistryAuth)
	return io.NopCloser(strings.NewReader("")), nil
}

// exit marks the container of a task as exited with the given code.
func (f *fakeDocker) exit(task string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ctr := range f.containers {
		if ctr.summary.Labels[LabelTask] == task {
			ctr.summary.State = stateExited
			ctr.exitCode = code
		}
	}
}

func newTestClient(t *testing.T) (*Client, *fakeDocker) {
	t.Helper()
	docker := newFakeDocker()
	client, err := NewClient(Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil)), Docker: docker})
	require.NoError(t, err)
	return client, docker
}

func agentJob(id string) *nomad.Job {
	return &nomad.Job{
		ID:   id,
		Type: nomad.JobTypeBatch,
		Meta: map[string]string{"nomadcloud/cloud": "local"},
		TaskGroups: []*nomad.TaskGroup{{
			Name:  "jenkins-worker",
			Count: 1,
			Tasks: []*nomad.Task{
				{
					Name:   "jnlp",
					Driver: nomad.DriverDocker,
					Config: map[string]any{
						"image":   "jenkins/inbound-agent",
						"command": "/usr/bin/agent",
						"args":    []string{"-url", "https://ci.example.com/"},
						"auth":    []map[string]string{{"username": "bot", "password": "hunter2"}},
					},
					Env:       map[string]string{"JENKINS_NAME": id, "HOME": "/home/jenkins"},
					Resources: &nomad.Resources{CPU: 100, MemoryMB: 300},
				},
				{
					Name:   "sidecar",
					Driver: nomad.DriverDocker,
					Config: map[string]any{"image": "redis"},
				},
			},
		}},
	}
}

// --- Tests ---

func TestRegisterCreatesOneContainerPerTask(t *testing.T) {
	client, docker := newTestClient(t)

	eval, err := client.Register(context.Background(), agentJob("agent-1"))
	require.NoError(t, err)
	assert.NotEmpty(t, eval)

	require.Len(t, docker.order, 2)
	jnlp := docker.containers[docker.order[0]]
	assert.Equal(t, []string{"/nomadcloud-agent-1-jnlp"}, jnlp.summary.Names)
	assert.Equal(t, []string{"/usr/bin/agent"}, []string(jnlp.config.Entrypoint))
	assert.Equal(t, []string{"-url", "https://ci.example.com/"}, []string(jnlp.config.Cmd))
	assert.Equal(t, []string{"HOME=/home/jenkins", "JENKINS_NAME=agent-1"}, jnlp.config.Env)
	assert.Equal(t, "local", jnlp.config.Labels[LabelMetaPrefix+"nomadcloud/cloud"])
	assert.Equal(t, container.NetworkMode("host"), jnlp.host.NetworkMode)
	assert.Equal(t, int64(300*1024*1024), jnlp.host.Memory)
	assert.EqualValues(t, stateRunning, jnlp.summary.State)

	assert.Equal(t, []string{"jenkins/inbound-agent", "redis"}, docker.pulled)
	assert.NotEmpty(t, docker.pullAuth[0])
	assert.Empty(t, docker.pullAuth[1])
}

func TestRegisterRejectsDuplicateJob(t *testing.T) {
	client, _ := newTestClient(t)
	_, err := client.Register(context.Background(), agentJob("agent-1"))
	require.NoError(t, err)

	_, err = client.Register(context.Background(), agentJob("agent-1"))

	var apiErr *nomad.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 409, apiErr.StatusCode)
}

func TestRegisterCleansUpOnStartFailure(t *testing.T) {
	internal.RetryBackoff = 0
	t.Cleanup(func() { internal.RetryBackoff = 100 * time.Millisecond })
	client, docker := newTestClient(t)
	docker.startErr = errors.New("port already allocated")

	_, err := client.Register(context.Background(), agentJob("agent-1"))

	assert.ErrorContains(t, err, "failed to start container")
	assert.Empty(t, docker.containers)
}

func TestRegisterRejectsOtherDrivers(t *testing.T) {
	client, docker := newTestClient(t)
	job := agentJob("agent-1")
	job.TaskGroups[0].Tasks[1].Driver = "exec"

	_, err := client.Register(context.Background(), job)

	assert.ErrorContains(t, err, "unsupported driver 'exec'")
	assert.Empty(t, docker.containers)
}

func TestInfoAndAllocationsFollowContainers(t *testing.T) {
	client, docker := newTestClient(t)
	_, err := client.Register(context.Background(), agentJob("agent-1"))
	require.NoError(t, err)

	job, err := client.Info(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, nomad.JobStatusRunning, job.Status)
	assert.Equal(t, "local", job.Meta["nomadcloud/cloud"])

	allocs, err := client.Allocations(context.Background(), "agent-1")
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	assert.NotZero(t, allocs[0].CreateIndex)
	assert.Equal(t, nomad.TaskStateRunning, allocs[0].TaskStates["jnlp"].State)

	docker.exit("sidecar", 0)
	docker.exit("jnlp", 1)

	allocs, err = client.Allocations(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, &nomad.TaskState{State: nomad.TaskStateDead, Failed: true}, allocs[0].TaskStates["jnlp"])
	assert.Equal(t, &nomad.TaskState{State: nomad.TaskStateDead}, allocs[0].TaskStates["sidecar"])

	job, err = client.Info(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, nomad.JobStatusDead, job.Status)
}

func TestUnknownJobIsNotFound(t *testing.T) {
	client, _ := newTestClient(t)

	_, err := client.Info(context.Background(), "ghost")
	assert.ErrorIs(t, err, nomad.ErrNotFound)
	_, err = client.Allocations(context.Background(), "ghost")
	assert.ErrorIs(t, err, nomad.ErrNotFound)
	_, err = client.Deregister(context.Background(), "ghost")
	assert.ErrorIs(t, err, nomad.ErrNotFound)
}

func TestDeregisterRemovesContainers(t *testing.T) {
	client, docker := newTestClient(t)
	_, err := client.Register(context.Background(), agentJob("agent-1"))
	require.NoError(t, err)
	_, err = client.Register(context.Background(), agentJob("agent-2"))
	require.NoError(t, err)

	_, err = client.Deregister(context.Background(), "agent-1")
	require.NoError(t, err)

	assert.Len(t, docker.removed, 2)
	jobs, err := client.List(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "agent-2", jobs[0].ID)
}

func TestListGroupsContainersByJob(t *testing.T) {
	client, docker := newTestClient(t)
	_, err := client.Register(context.Background(), agentJob("agent-b"))
	require.NoError(t, err)
	_, err = client.Register(context.Background(), agentJob("agent-a"))
	require.NoError(t, err)
	docker.exit("jnlp", 0)
	docker.exit("sidecar", 0)

	jobs, err := client.List(context.Background())
	require.NoError(t, err)

	require.Len(t, jobs, 2)
	assert.Equal(t, "agent-a", jobs[0].ID)
	assert.Equal(t, "agent-b", jobs[1].ID)
	assert.False(t, jobs[0].Live())
	assert.Equal(t, 0, nomad.CountLive(jobs, map[string]string{"nomadcloud/cloud": "local"}))
}

func TestJobStatus(t *testing.T) {
	assert.Equal(t, nomad.JobStatusPending, jobStatus([]container.Summary{{State: "created"}, {State: stateExited}}))
	assert.Equal(t, nomad.JobStatusRunning, jobStatus([]container.Summary{{State: stateRunning}, {State: stateExited}}))
	assert.Equal(t, nomad.JobStatusDead, jobStatus([]container.Summary{{State: stateExited}, {State: stateDead}}))
}

func TestRegistryAuthFromDecodedJSON(t *testing.T) {
	auth := registryAuth([]any{map[string]any{"username": "bot", "server_address": "registry.example.com"}})
	require.NotNil(t, auth)
	assert.Equal(t, "bot", auth.Username)
	assert.Equal(t, "registry.example.com", auth.ServerAddress)

	assert.Nil(t, registryAuth(nil))
	assert.Equal(t, []string{"a", "b"}, stringSlice([]any{"a", 1, "b"}))
}
