package internal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock Docker Client ---

type mockDocker struct {
	DockerClient // unimplemented methods panic

	mu sync.Mutex

	// Track calls for assertions
	pulled  []string
	killed  []string
	removed []string
	filters []string

	// Control behavior
	images     []image.Summary
	containers []container.Summary
	pullErr    error
	removeErrs int
}

func (m *mockDocker) ImageList(_ context.Context, options image.ListOptions) ([]image.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filters = append(m.filters, options.Filters.Get("reference")...)
	return m.images, nil
}

func (m *mockDocker) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pullErr != nil {
		return nil, m.pullErr
	}
	m.pulled = append(m.pulled, ref)
	return io.NopCloser(strings.NewReader(`{"status":"Downloaded"}`)), nil
}

func (m *mockDocker) ContainerList(_ context.Context, options container.ListOptions) ([]container.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filters = append(m.filters, options.Filters.Get("label")...)
	return m.containers, nil
}

func (m *mockDocker) ContainerKill(_ context.Context, id string, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killed = append(m.killed, id)
	return nil
}

func (m *mockDocker) ContainerRemove(_ context.Context, id string, _ container.RemoveOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removeErrs > 0 {
		m.removeErrs--
		return errors.New("removal in progress")
	}
	m.removed = append(m.removed, id)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Tests ---

func TestEnsureImagePullsMissingImage(t *testing.T) {
	docker := &mockDocker{}

	require.NoError(t, EnsureImage(context.Background(), docker, "jenkins/inbound-agent", image.PullOptions{}, discardLogger()))

	assert.Equal(t, []string{"jenkins/inbound-agent"}, docker.filters)
	assert.Equal(t, []string{"jenkins/inbound-agent"}, docker.pulled)
}

func TestEnsureImageSkipsPresentImage(t *testing.T) {
	docker := &mockDocker{images: []image.Summary{{ID: "sha256:abc"}}}

	require.NoError(t, EnsureImage(context.Background(), docker, "jenkins/inbound-agent", image.PullOptions{}, discardLogger()))

	assert.Empty(t, docker.pulled)
}

func TestEnsureImagePullFailure(t *testing.T) {
	RetryBackoff = 0
	t.Cleanup(func() { RetryBackoff = 100 * time.Millisecond })
	docker := &mockDocker{pullErr: errors.New("manifest unknown")}

	err := EnsureImage(context.Background(), docker, "missing:latest", image.PullOptions{}, discardLogger())

	assert.ErrorContains(t, err, "failed to pull docker image 'missing:latest'")
}

func TestRemoveContainerRetries(t *testing.T) {
	RetryBackoff = 0
	t.Cleanup(func() { RetryBackoff = 100 * time.Millisecond })
	docker := &mockDocker{removeErrs: 2}

	require.NoError(t, RemoveContainer(docker, "ctr-1"))

	assert.Equal(t, []string{"ctr-1"}, docker.killed)
	assert.Equal(t, []string{"ctr-1"}, docker.removed)
}

func TestListByLabel(t *testing.T) {
	docker := &mockDocker{containers: []container.Summary{{ID: "ctr-1"}}}

	containers, err := ListByLabel(context.Background(), docker, "nomadcloud.job", "agent-1")
	require.NoError(t, err)
	assert.Len(t, containers, 1)

	_, err = ListByLabel(context.Background(), docker, "nomadcloud.job", "")
	require.NoError(t, err)

	assert.Equal(t, []string{"nomadcloud.job=agent-1", "nomadcloud.job"}, docker.filters)
}
