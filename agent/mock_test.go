package agent

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gammadia/nomadcloud/jobspec"
	"github.com/gammadia/nomadcloud/jobtemplate"
	"github.com/gammadia/nomadcloud/nomad"
)

// --- Mock scheduler client ---

type mockClient struct {
	mu sync.Mutex

	registered   []string
	deregistered []string
	allocCalls   int
	infoCalls    int

	registerErr   error
	deregisterErr error
	infoErr       error
	allocErr      error
	// allocations returns the allocations seen on the given poll attempt (1-based)
	allocations func(attempt int) []*nomad.Allocation
	jobStatus   string
}

var _ nomad.Client = (*mockClient)(nil)

func (m *mockClient) Register(_ context.Context, job *nomad.Job) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registered = append(m.registered, job.ID)
	if m.registerErr != nil {
		return "", m.registerErr
	}
	return "eval-" + job.ID, nil
}

func (m *mockClient) Info(_ context.Context, id string) (*nomad.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infoCalls++
	if m.infoErr != nil {
		return nil, m.infoErr
	}
	status := m.jobStatus
	if status == "" {
		status = nomad.JobStatusRunning
	}
	return &nomad.Job{ID: id, Status: status}, nil
}

func (m *mockClient) Allocations(_ context.Context, _ string) ([]*nomad.Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allocCalls++
	if m.allocErr != nil {
		return nil, m.allocErr
	}
	if m.allocations == nil {
		return []*nomad.Allocation{runningAlloc(1, "jnlp")}, nil
	}
	return m.allocations(m.allocCalls), nil
}

func (m *mockClient) Deregister(_ context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deregistered = append(m.deregistered, id)
	if m.deregisterErr != nil {
		return "", m.deregisterErr
	}
	return "eval-stop", nil
}

func (m *mockClient) List(_ context.Context) ([]*nomad.JobListStub, error) {
	return nil, nil
}

func (m *mockClient) getRegistered() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.registered...)
}

func (m *mockClient) getDeregistered() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deregistered...)
}

func (m *mockClient) getAllocCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocCalls
}

func runningAlloc(index uint64, tasks ...string) *nomad.Allocation {
	alloc := &nomad.Allocation{ID: "alloc", CreateIndex: index, TaskStates: map[string]*nomad.TaskState{}}
	for _, task := range tasks {
		alloc.TaskStates[task] = &nomad.TaskState{State: nomad.TaskStateRunning}
	}
	return alloc
}

// --- Mock cloud ---

type mockCloud struct {
	name       string
	client     *mockClient
	connectErr error
}

func (c *mockCloud) Name() string { return c.name }

func (c *mockCloud) Connect() (nomad.Client, error) {
	if c.connectErr != nil {
		return nil, c.connectErr
	}
	return c.client, nil
}

func (c *mockCloud) JobSpec(a *Agent, secret string) (*nomad.Job, error) {
	return jobspec.Build(a.Template, jobspec.RuntimeContext{AgentName: a.Name, Secret: secret}), nil
}

// --- Mock controller ---

type mockController struct {
	mu sync.Mutex

	// onlineAfter is the number of IsOnline calls answering false before going online, -1 for never
	onlineAfter  int
	onlineCalls  int
	sessionAlive bool
	stopErr      error
	// disconnectHangs keeps the disconnect channel open forever
	disconnectHangs bool

	stopReconnects []string
	disconnects    []string
}

func (c *mockController) Secret(name string) (string, error) {
	return "secret-" + name, nil
}

func (c *mockController) IsOnline(_ string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onlineCalls++
	return c.onlineAfter >= 0 && c.onlineCalls > c.onlineAfter
}

func (c *mockController) SessionAlive(_ string) bool {
	return c.sessionAlive
}

func (c *mockController) StopReconnect(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopReconnects = append(c.stopReconnects, name)
	return c.stopErr
}

func (c *mockController) Disconnect(name string, _ string) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects = append(c.disconnects, name)
	done := make(chan struct{})
	if !c.disconnectHangs {
		close(done)
	}
	return done
}

func (c *mockController) getOnlineCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onlineCalls
}

// --- Helpers ---

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixture struct {
	client     *mockClient
	cloud      *mockCloud
	controller *mockController
	logs       *syncBuffer
	launcher   *Launcher
	terminator *Terminator

	mu     sync.Mutex
	events []Event
	sleeps int
}

func newFixture() *fixture {
	f := &fixture{
		client:     &mockClient{},
		controller: &mockController{},
		logs:       &syncBuffer{},
	}
	f.cloud = &mockCloud{name: "nomad", client: f.client}
	logger := slog.New(slog.NewTextHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	clouds := CloudMap{"nomad": f.cloud}

	f.terminator = NewTerminator(clouds, f.controller, TerminatorConfig{
		Logger:            logger,
		DisconnectTimeout: 20 * time.Millisecond,
		OnEvent:           f.record,
	})
	f.launcher = NewLauncher(clouds, f.controller, f.terminator, LauncherConfig{
		Logger:       logger,
		PollAttempts: DefaultPollAttempts,
		Sleep: func(ctx context.Context, _ time.Duration) error {
			f.mu.Lock()
			f.sleeps++
			f.mu.Unlock()
			return ctx.Err()
		},
		OnEvent: f.record,
	})
	return f
}

func (f *fixture) record(e Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fixture) getEvents() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.events...)
}

func (f *fixture) states() []State {
	var states []State
	for _, e := range f.getEvents() {
		if changed, ok := e.(EventStateChanged); ok {
			states = append(states, changed.To)
		}
	}
	return states
}

func newTestAgent(t *jobtemplate.JobTemplate) *Agent {
	if t == nil {
		t = &jobtemplate.JobTemplate{}
	}
	return New("nomad", t, "linux", RetentionFor(t, 0))
}

var errBoom = errors.New("boom")
