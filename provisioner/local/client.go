package local

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/gammadia/nomadcloud/nomad"
	"github.com/gammadia/nomadcloud/provisioner/internal"
	"github.com/samber/lo"
)

// Container labels carrying the job model
const (
	LabelJob        = "nomadcloud.job"
	LabelTask       = "nomadcloud.task"
	LabelGroup      = "nomadcloud.group"
	LabelIndex      = "nomadcloud.index"
	LabelMetaPrefix = "nomadcloud.meta."
)

// Docker container states
const (
	stateRunning    = "running"
	stateRestarting = "restarting"
	statePaused     = "paused"
	stateExited     = "exited"
	stateDead       = "dead"
)

// Client runs scheduler jobs as plain docker containers on the local daemon,
// one container per task. All state lives in container labels.
type Client struct {
	log     *slog.Logger
	docker  internal.DockerClient
	network string

	index atomic.Uint64
}

// Client implements nomad.Client
var _ nomad.Client = (*Client)(nil)

func NewClient(config Config) (*Client, error) {
	docker := config.Docker
	if docker == nil {
		c, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("failed to init docker client: %w", err)
		}
		docker = c
	}

	c := &Client{
		log:     lo.Ternary(config.Logger == nil, slog.Default(), config.Logger).With("component", "local"),
		docker:  docker,
		network: config.Network,
	}
	c.index.Store(uint64(time.Now().UnixNano()))
	return c, nil
}

func (c *Client) Register(ctx context.Context, job *nomad.Job) (string, error) {
	log := c.log.With("job", job.ID)

	existing, err := c.containers(ctx, job.ID)
	if err != nil {
		return "", err
	}
	if len(existing) > 0 {
		return "", &nomad.APIError{Method: http.MethodPut, Path: "/v1/jobs", StatusCode: http.StatusConflict, Body: fmt.Sprintf("job '%s' already exists", job.ID)}
	}

	index := strconv.FormatUint(c.index.Add(1), 10)
	var created []string
	cleanup := func() {
		for _, id := range created {
			if err := internal.RemoveContainer(c.docker, id); err != nil {
				log.Warn("Failed to remove container", "container", id, "error", err)
			}
		}
	}

	for _, group := range job.TaskGroups {
		for _, task := range group.Tasks {
			id, err := c.createTask(ctx, job, group, task, index, log)
			if err != nil {
				cleanup()
				return "", fmt.Errorf("failed to create task '%s': %w", task.Name, err)
			}
			created = append(created, id)
		}
	}

	for _, id := range created {
		if err := internal.RetryWithContext(ctx, 3, func() error {
			return c.docker.ContainerStart(ctx, id, container.StartOptions{})
		}); err != nil {
			cleanup()
			return "", fmt.Errorf("failed to start container: %w", err)
		}
	}

	log.Info("Job registered", "containers", len(created))
	return "local-" + index, nil
}

func (c *Client) createTask(ctx context.Context, job *nomad.Job, group *nomad.TaskGroup, task *nomad.Task, index string, log *slog.Logger) (string, error) {
	if task.Driver != "" && task.Driver != nomad.DriverDocker {
		return "", fmt.Errorf("unsupported driver '%s'", task.Driver)
	}
	ref, _ := task.Config["image"].(string)
	if ref == "" {
		return "", fmt.Errorf("task has no image")
	}
	if len(task.Artifacts) > 0 {
		log.Debug("Artifacts are not fetched locally, the image must provide them", "task", task.Name)
	}

	pull := image.PullOptions{}
	if auth := registryAuth(task.Config["auth"]); auth != nil {
		encoded, err := registry.EncodeAuthConfig(*auth)
		if err != nil {
			return "", fmt.Errorf("failed to encode registry auth: %w", err)
		}
		pull.RegistryAuth = encoded
	}
	if err := internal.EnsureImage(ctx, c.docker, ref, pull, log); err != nil {
		return "", err
	}

	labels := map[string]string{
		LabelJob:   job.ID,
		LabelGroup: group.Name,
		LabelTask:  task.Name,
		LabelIndex: index,
	}
	for k, v := range job.Meta {
		labels[LabelMetaPrefix+k] = v
	}

	config := &container.Config{
		Image:  ref,
		Env:    envList(task.Env),
		Cmd:    stringSlice(task.Config["args"]),
		Labels: labels,
	}
	if command, _ := task.Config["command"].(string); command != "" {
		config.Entrypoint = []string{command}
	}

	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(cmp.Or(c.network, "host")),
	}
	if task.Resources != nil {
		hostConfig.Resources = container.Resources{
			CPUShares: int64(task.Resources.CPU),
			Memory:    int64(task.Resources.MemoryMB) * 1024 * 1024,
		}
	}

	resp, err := c.docker.ContainerCreate(ctx, config, hostConfig, nil, nil, containerName(job.ID, task.Name))
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) Info(ctx context.Context, id string) (*nomad.Job, error) {
	containers, err := c.containers(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(containers) == 0 {
		return nil, notFound(http.MethodGet, "/v1/job/"+id)
	}
	return &nomad.Job{
		ID:     id,
		Name:   id,
		Type:   nomad.JobTypeBatch,
		Meta:   metaFromLabels(containers[0].Labels),
		Status: jobStatus(containers),
	}, nil
}

func (c *Client) Allocations(ctx context.Context, id string) ([]*nomad.Allocation, error) {
	containers, err := c.containers(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(containers) == 0 {
		return nil, notFound(http.MethodGet, "/v1/job/"+id+"/allocations")
	}

	states := make(map[string]*nomad.TaskState, len(containers))
	for _, ctr := range containers {
		state, err := c.taskState(ctx, ctr)
		if err != nil {
			return nil, err
		}
		states[ctr.Labels[LabelTask]] = state
	}

	index, _ := strconv.ParseUint(containers[0].Labels[LabelIndex], 10, 64)
	return []*nomad.Allocation{{
		ID:           "local-" + containers[0].Labels[LabelIndex],
		JobID:        id,
		ClientStatus: jobStatus(containers),
		CreateIndex:  index,
		TaskStates:   states,
	}}, nil
}

func (c *Client) taskState(ctx context.Context, ctr container.Summary) (*nomad.TaskState, error) {
	switch ctr.State {
	case stateRunning, stateRestarting, statePaused:
		return &nomad.TaskState{State: nomad.TaskStateRunning}, nil
	case stateExited, stateDead:
		inspect, err := internal.RetryResultWithContext(ctx, 3, func() (container.InspectResponse, error) {
			return c.docker.ContainerInspect(ctx, ctr.ID)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to inspect container: %w", err)
		}
		failed := inspect.ContainerJSONBase == nil || inspect.State == nil || inspect.State.ExitCode != 0
		return &nomad.TaskState{State: nomad.TaskStateDead, Failed: failed}, nil
	default:
		return &nomad.TaskState{State: nomad.TaskStatePending}, nil
	}
}

func (c *Client) Deregister(ctx context.Context, id string) (string, error) {
	containers, err := c.containers(ctx, id)
	if err != nil {
		return "", err
	}
	if len(containers) == 0 {
		return "", notFound(http.MethodDelete, "/v1/job/"+id)
	}

	var errs []error
	for _, ctr := range containers {
		if err := internal.RemoveContainer(c.docker, ctr.ID); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove container '%s': %w", ctr.ID, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return "", err
	}
	c.log.Info("Job deregistered", "job", id)
	return "local-" + containers[0].Labels[LabelIndex], nil
}

func (c *Client) List(ctx context.Context) ([]*nomad.JobListStub, error) {
	all, err := internal.ListByLabel(ctx, c.docker, LabelJob, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	byJob := lo.GroupBy(all, func(ctr container.Summary) string { return ctr.Labels[LabelJob] })
	stubs := make([]*nomad.JobListStub, 0, len(byJob))
	for _, id := range slices.Sorted(maps.Keys(byJob)) {
		containers := byJob[id]
		stubs = append(stubs, &nomad.JobListStub{
			ID:     id,
			Name:   id,
			Status: jobStatus(containers),
			Meta:   metaFromLabels(containers[0].Labels),
		})
	}
	return stubs, nil
}

func (c *Client) containers(ctx context.Context, jobID string) ([]container.Summary, error) {
	containers, err := internal.ListByLabel(ctx, c.docker, LabelJob, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers of job '%s': %w", jobID, err)
	}
	return containers, nil
}

// jobStatus folds container states the way the scheduler folds allocations:
// running while any task runs, dead once all are done, pending otherwise.
func jobStatus(containers []container.Summary) string {
	dead := 0
	for _, ctr := range containers {
		switch ctr.State {
		case stateRunning, stateRestarting, statePaused:
			return nomad.JobStatusRunning
		case stateExited, stateDead:
			dead++
		}
	}
	return lo.Ternary(dead == len(containers), nomad.JobStatusDead, nomad.JobStatusPending)
}

func notFound(method, path string) error {
	return &nomad.APIError{Method: method, Path: path, StatusCode: http.StatusNotFound, Body: "job not found"}
}

func containerName(jobID, task string) string {
	return "nomadcloud-" + jobID + "-" + task
}

func metaFromLabels(labels map[string]string) map[string]string {
	meta := map[string]string{}
	for k, v := range labels {
		if key, ok := strings.CutPrefix(k, LabelMetaPrefix); ok {
			meta[key] = v
		}
	}
	return lo.Ternary(len(meta) == 0, nil, meta)
}

func envList(env map[string]string) []string {
	return lo.Map(slices.Sorted(maps.Keys(env)), func(k string, _ int) string { return k + "=" + env[k] })
}

// stringSlice accepts both in-process []string and JSON-decoded []any values.
func stringSlice(v any) []string {
	switch v := v.(type) {
	case []string:
		return v
	case []any:
		return lo.FilterMap(v, func(item any, _ int) (string, bool) {
			s, ok := item.(string)
			return s, ok
		})
	}
	return nil
}

func registryAuth(v any) *registry.AuthConfig {
	var entry map[string]string
	switch v := v.(type) {
	case []map[string]string:
		if len(v) > 0 {
			entry = v[0]
		}
	case []any:
		if len(v) > 0 {
			if m, ok := v[0].(map[string]any); ok {
				entry = lo.MapValues(m, func(value any, _ string) string {
					s, _ := value.(string)
					return s
				})
			}
		}
	}
	if len(entry) == 0 {
		return nil
	}
	return &registry.AuthConfig{
		Username:      entry["username"],
		Password:      entry["password"],
		ServerAddress: entry["server_address"],
	}
}
