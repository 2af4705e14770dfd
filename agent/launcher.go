package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/gammadia/nomadcloud/nomad"
	"github.com/samber/lo"
)

const (
	DefaultPollInterval    = 6 * time.Second
	DefaultPollAttempts    = 100
	DefaultConnectInterval = 1 * time.Second
)

var (
	ErrRejected          = errors.New("job rejected by scheduler")
	ErrTasksFailed       = errors.New("tasks failed")
	ErrJobNotRunning     = errors.New("job never started running")
	ErrJobGone           = errors.New("job no longer exists")
	ErrAgentNotConnected = errors.New("agent never connected")
	ErrInterrupted       = errors.New("launch interrupted")
)

// LaunchError describes why and where a launch failed.
type LaunchError struct {
	Agent    string
	State    State
	Attempts int
	Reason   string
	Err      error
}

func (e *LaunchError) Error() string {
	msg := fmt.Sprintf("failed to launch agent '%s' in state %s", e.Agent, e.State)
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg + ": " + e.Err.Error()
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

type LauncherConfig struct {
	Logger *slog.Logger
	// PollInterval is the delay between two job status polls.
	PollInterval time.Duration
	// PollAttempts bounds the number of job status polls.
	PollAttempts int
	// ConnectInterval is the delay between two agent online checks.
	ConnectInterval time.Duration
	// Sleep waits between polls, returning early with an error when ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnEvent receives launch progress.
	OnEvent func(Event)
}

type Launcher struct {
	clouds     Clouds
	controller Controller
	terminator *Terminator
	config     LauncherConfig
	log        *slog.Logger
}

func NewLauncher(clouds Clouds, controller Controller, terminator *Terminator, config LauncherConfig) *Launcher {
	if config.PollAttempts <= 0 {
		config.PollAttempts = DefaultPollAttempts
	}
	if config.Sleep == nil {
		config.Sleep = sleep
	}
	logger := lo.Ternary(config.Logger == nil, slog.Default(), config.Logger)

	return &Launcher{
		clouds:     clouds,
		controller: controller,
		terminator: terminator,
		config:     config,
		log:        logger.With("component", "launcher"),
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Launch submits the agent job and waits until the agent connects back.
// On failure the agent is torn down before the error is returned.
// Launching an agent that already connected once succeeds immediately.
func (l *Launcher) Launch(ctx context.Context, a *Agent) error {
	log := l.log.With("agent", a.Name, "cloud", a.CloudName)

	if a.Launched() {
		log.Debug("Agent already launched")
		return nil
	}

	run := &launch{Launcher: l, agent: a, log: log, state: StateCreated}
	if err := run.run(ctx); err != nil {
		var launchErr *LaunchError
		if !errors.As(err, &launchErr) {
			launchErr = &LaunchError{Agent: a.Name, State: run.state, Err: err}
		}

		log.Error("Agent launch failed", "state", launchErr.State, "error", launchErr)
		l.emit(EventLaunchFailed{Agent: a.Name, State: launchErr.State, Reason: launchErr.Error()})
		run.transition(StateFailed, launchErr.Attempts)

		// Teardown must run even if the launch was interrupted
		l.terminator.Terminate(context.WithoutCancel(ctx), a)
		return launchErr
	}

	a.launched.Store(true)
	log.Info("Agent launched")
	return nil
}

func (l *Launcher) emit(event Event) {
	if l.config.OnEvent != nil {
		l.config.OnEvent(event)
	}
}

// launch holds the state of a single Launch call.
type launch struct {
	*Launcher
	agent  *Agent
	log    *slog.Logger
	state  State
	client nomad.Client
}

func (r *launch) transition(to State, attempt int) {
	if to == r.state {
		return
	}
	r.log.Debug("Agent launch state changed", "from", r.state, "to", to, "attempt", attempt)
	r.emit(EventStateChanged{Agent: r.agent.Name, From: r.state, To: to, Attempt: attempt})
	r.state = to
}

func (r *launch) fail(attempts int, reason string, err error) error {
	return &LaunchError{Agent: r.agent.Name, State: r.state, Attempts: attempts, Reason: reason, Err: err}
}

func (r *launch) interrupted(ctx context.Context, attempts int) error {
	return r.fail(attempts, ctx.Err().Error(), ErrInterrupted)
}

func (r *launch) run(ctx context.Context) error {
	for !r.state.Terminal() {
		var err error
		switch r.state {
		case StateCreated:
			err = r.submit(ctx)
		case StateRegistered, StateAwaitingAllocation, StateTasksStarting:
			err = r.waitForTasks(ctx)
		case StateTasksRunning:
			err = r.waitForAgent(ctx)
		default:
			err = fmt.Errorf("unexpected launch state %s", r.state)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *launch) submit(ctx context.Context) error {
	cloud, ok := r.clouds.Cloud(r.agent.CloudName)
	if !ok {
		return r.fail(0, "", fmt.Errorf("cloud '%s' not found", r.agent.CloudName))
	}

	client, err := cloud.Connect()
	if err != nil {
		return r.fail(0, "", fmt.Errorf("failed to connect to scheduler: %w", err))
	}
	r.client = client

	secret, err := r.controller.Secret(r.agent.Name)
	if err != nil {
		return r.fail(0, "", fmt.Errorf("failed to get agent secret: %w", err))
	}

	job, err := cloud.JobSpec(r.agent, secret)
	if err != nil {
		return r.fail(0, "", fmt.Errorf("failed to build job specification: %w", err))
	}

	r.log.Info("Submitting agent job", "job", job.ID, "template", r.agent.Template.Describe())
	evalID, err := client.Register(ctx, job)
	if err != nil {
		if ctx.Err() != nil {
			return r.interrupted(ctx, 0)
		}
		return r.fail(0, err.Error(), ErrRejected)
	}

	r.log.Debug("Agent job registered", "job", job.ID, "eval", evalID)
	r.transition(StateRegistered, 0)
	return nil
}

// latest returns the most recently created allocation.
func latest(allocs []*nomad.Allocation) *nomad.Allocation {
	if len(allocs) == 0 {
		return nil
	}
	return lo.MaxBy(allocs, func(a, b *nomad.Allocation) bool { return a.CreateIndex > b.CreateIndex })
}

func failedTasks(alloc *nomad.Allocation) []string {
	names := lo.Keys(lo.PickBy(alloc.TaskStates, func(_ string, s *nomad.TaskState) bool {
		return s != nil && s.State == nomad.TaskStateDead && s.Failed
	}))
	slices.Sort(names)
	return names
}

func allRunning(alloc *nomad.Allocation) bool {
	return len(alloc.TaskStates) > 0 && lo.EveryBy(lo.Values(alloc.TaskStates), func(s *nomad.TaskState) bool {
		return s != nil && s.State == nomad.TaskStateRunning
	})
}

// observe polls the job once and returns the state it is in.
func (r *launch) observe(ctx context.Context, attempt int) (State, error) {
	jobID := r.agent.JobID()

	allocs, err := r.client.Allocations(ctx, jobID)
	if err != nil {
		return r.state, r.pollError(attempt, err)
	}

	alloc := latest(allocs)
	if alloc == nil {
		return StateAwaitingAllocation, nil
	}

	if failed := failedTasks(alloc); len(failed) > 0 {
		return StateFailed, r.fail(attempt, fmt.Sprintf("tasks %s failed in allocation %s", strings.Join(failed, ", "), alloc.ID), ErrTasksFailed)
	}

	if !allRunning(alloc) {
		return StateTasksStarting, nil
	}

	job, err := r.client.Info(ctx, jobID)
	if err != nil {
		return r.state, r.pollError(attempt, err)
	}
	if job.Status == nomad.JobStatusPending {
		return StateTasksStarting, nil
	}
	return StateTasksRunning, nil
}

// pollError ends the launch when the job was removed behind its back, any
// other error is left to the retry loop.
func (r *launch) pollError(attempt int, err error) error {
	if errors.Is(err, nomad.ErrNotFound) {
		return r.fail(attempt, "job no longer exists", ErrJobGone)
	}
	return err
}

func (r *launch) waitForTasks(ctx context.Context) error {
	for attempt := 1; attempt <= r.config.PollAttempts; attempt++ {
		state, err := r.observe(ctx, attempt)
		if err != nil {
			if ctx.Err() != nil {
				return r.interrupted(ctx, attempt)
			}
			var launchErr *LaunchError
			if errors.As(err, &launchErr) {
				return err
			}
			// Transient scheduler errors are retried until the poll budget runs out
			r.log.Warn("Failed to poll agent job", "attempt", attempt, "error", err)
		} else {
			r.transition(state, attempt)
			if state == StateTasksRunning {
				return nil
			}
		}

		if attempt < r.config.PollAttempts {
			if err := r.config.Sleep(ctx, r.config.PollInterval); err != nil {
				return r.interrupted(ctx, attempt)
			}
		}
	}

	return r.fail(r.config.PollAttempts, "job is not running", ErrJobNotRunning)
}

func (r *launch) waitForAgent(ctx context.Context) error {
	timeout := r.agent.Template.EffectiveConnectTimeout()

	for attempt := 1; attempt <= timeout; attempt++ {
		if r.controller.IsOnline(r.agent.Name) {
			r.transition(StateAgentConnected, attempt)
			return nil
		}
		if attempt < timeout {
			if err := r.config.Sleep(ctx, r.config.ConnectInterval); err != nil {
				return r.interrupted(ctx, attempt)
			}
		}
	}

	return r.fail(timeout, "agent did not connect in time", ErrAgentNotConnected)
}
