package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammadia/nomadcloud/jobtemplate"
)

// Agent is a build agent backed by one scheduler job.
type Agent struct {
	Name      string
	CloudName string
	Label     string
	Template  *jobtemplate.JobTemplate
	Retention Retention
	CreatedAt time.Time
	// Env is set on every task of the agent job
	Env map[string]string

	launched atomic.Bool
}

func New(cloudName string, t *jobtemplate.JobTemplate, label string, retention Retention) *Agent {
	return &Agent{
		Name:      t.AgentName(),
		CloudName: cloudName,
		Label:     label,
		Template:  t,
		Retention: retention,
		CreatedAt: time.Now(),
	}
}

// JobID is the ID of the scheduler job running the agent.
func (a *Agent) JobID() string {
	return a.Name
}

// Launched reports whether the agent already connected once.
func (a *Agent) Launched() bool {
	return a.launched.Load()
}

func (a *Agent) String() string {
	return fmt.Sprintf("%s@%s", a.Name, a.CloudName)
}

// Planned is the promise of a future running agent, handed out by
// provisioning rounds.
type Planned struct {
	Agent *Agent

	once sync.Once
	done chan struct{}
	err  error
}

func NewPlanned(a *Agent) *Planned {
	return &Planned{Agent: a, done: make(chan struct{})}
}

// Launch runs the launcher for the planned agent and resolves the promise.
// It blocks until the launch completes; only the first call has any effect.
func (p *Planned) Launch(ctx context.Context, l *Launcher) {
	p.once.Do(func() {
		p.err = l.Launch(ctx, p.Agent)
		close(p.done)
	})
}

// Done is closed once the launch completed.
func (p *Planned) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the launch completed and returns its error.
func (p *Planned) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
