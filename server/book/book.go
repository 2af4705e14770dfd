// Package book keeps the controller side of the agents: their connection
// secrets, their online status and what they are doing.
package book

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gammadia/nomadcloud/agent"
	"github.com/gammadia/nomadcloud/cloud"
	"github.com/samber/lo"
)

var ErrUnknownAgent = errors.New("unknown agent")

// Entry is a snapshot of what the book knows about an agent.
type Entry struct {
	Name      string
	CloudName string
	Label     string
	Template  string
	State     agent.State
	Status    agent.Status
	Retention agent.Retention
	CreatedAt time.Time
	// Reason is the last launch failure reason
	Reason string
	// StopReconnect is set once the agent was told not to reconnect
	StopReconnect bool
	Terminating   bool
}

type entry struct {
	planned     *agent.Planned
	secret      string
	state       agent.State
	status      agent.Status
	reason      string
	session     bool
	noReconnect bool
	terminating bool
}

// StatusUpdate is reported by the controller when an agent connects,
// disconnects, starts or finishes a build.
type StatusUpdate struct {
	Online          bool `json:"online"`
	Busy            bool `json:"busy"`
	BuildsCompleted int  `json:"builds-completed"`
}

type Book struct {
	log *slog.Logger
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
}

// Book is the controller agents connect back to
var _ agent.Controller = (*Book)(nil)

// Book tracks agents not yet online
var _ cloud.InFlight = (*Book)(nil)

func New(logger *slog.Logger) *Book {
	return &Book{
		log:     lo.Ternary(logger == nil, slog.Default(), logger).With("component", "book"),
		now:     time.Now,
		entries: map[string]*entry{},
	}
}

// Add records planned agents, generating their connection secret.
func (b *Book) Add(planned ...*agent.Planned) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, p := range planned {
		if _, ok := b.entries[p.Agent.Name]; ok {
			return fmt.Errorf("agent '%s' already exists", p.Agent.Name)
		}
		secret, err := newSecret()
		if err != nil {
			return err
		}
		b.entries[p.Agent.Name] = &entry{planned: p, secret: secret, state: agent.StateCreated}
	}
	return nil
}

// Planned returns the launch promise of an agent.
func (b *Book) Planned(name string) (*agent.Planned, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if e, ok := b.entries[name]; ok {
		return e.planned, true
	}
	return nil, false
}

func (b *Book) Get(name string) (Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if e, ok := b.entries[name]; ok {
		return e.snapshot(), true
	}
	return Entry{}, false
}

// List returns every agent, oldest first.
func (b *Book) List() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entries := lo.MapToSlice(b.entries, func(_ string, e *entry) Entry { return e.snapshot() })
	slices.SortFunc(entries, func(a, b Entry) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.Name, b.Name)
	})
	return entries
}

func (e *entry) snapshot() Entry {
	a := e.planned.Agent
	return Entry{
		Name:          a.Name,
		CloudName:     a.CloudName,
		Label:         a.Label,
		Template:      a.Template.Name,
		State:         e.state,
		Status:        e.status,
		Retention:     a.Retention,
		CreatedAt:     a.CreatedAt,
		Reason:        e.reason,
		StopReconnect: e.noReconnect,
		Terminating:   e.terminating,
	}
}

func (b *Book) Secret(name string) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[name]
	if !ok {
		return "", fmt.Errorf("failed to get secret of '%s': %w", name, ErrUnknownAgent)
	}
	return e.secret, nil
}

// Authenticate reports whether secret is the one handed to the agent.
func (b *Book) Authenticate(name, secret string) bool {
	expected, err := b.Secret(name)
	return err == nil && expected == secret
}

func (b *Book) IsOnline(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[name]
	return ok && e.status.Online
}

func (b *Book) SessionAlive(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.entries[name]
	return ok && e.session
}

func (b *Book) StopReconnect(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[name]
	if !ok {
		return fmt.Errorf("failed to stop reconnection of '%s': %w", name, ErrUnknownAgent)
	}
	e.noReconnect = true
	return nil
}

func (b *Book) Disconnect(name string, cause string) <-chan struct{} {
	done := make(chan struct{})
	defer close(done)

	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[name]; ok {
		e.session = false
		e.status.Online = false
		b.log.Info("Agent disconnected", "agent", name, "cause", cause)
	}
	return done
}

// InProvisioning counts agents of the label that are neither online nor failed.
func (b *Book) InProvisioning(label string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return lo.CountBy(lo.Values(b.entries), func(e *entry) bool {
		return e.planned.Agent.Label == label && !e.status.Online && e.state != agent.StateFailed && !e.terminating
	})
}

// UpdateStatus records the status reported by the controller.
func (b *Book) UpdateStatus(name string, update StatusUpdate) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[name]
	if !ok {
		return fmt.Errorf("failed to update status of '%s': %w", name, ErrUnknownAgent)
	}
	if e.noReconnect && update.Online && !e.status.Online {
		return fmt.Errorf("agent '%s' was told not to reconnect", name)
	}

	previous := e.status
	e.status.Online = update.Online
	e.status.Busy = update.Busy
	e.status.BuildsCompleted = max(update.BuildsCompleted, previous.BuildsCompleted)
	e.session = update.Online

	switch {
	case !update.Online || update.Busy:
		e.status.IdleSince = time.Time{}
	case previous.IdleSince.IsZero():
		e.status.IdleSince = b.now()
	}
	return nil
}

// OnEvent follows the launch and termination of agents.
func (b *Book) OnEvent(event agent.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch event := event.(type) {
	case agent.EventStateChanged:
		if e, ok := b.entries[event.Agent]; ok {
			e.state = event.To
		}
	case agent.EventLaunchFailed:
		if e, ok := b.entries[event.Agent]; ok {
			e.state = agent.StateFailed
			e.reason = event.Reason
		}
	case agent.EventTerminated:
		delete(b.entries, event.Agent)
	}
}

// Expired returns the agents whose retention elapsed, marking them as terminating.
func (b *Book) Expired() []*agent.Agent {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var expired []*agent.Agent
	for _, e := range b.entries {
		a := e.planned.Agent
		if e.terminating || !a.Retention.Expired(e.status, now) {
			continue
		}
		e.terminating = true
		expired = append(expired, a)
	}
	slices.SortFunc(expired, func(a, b *agent.Agent) int { return strings.Compare(a.Name, b.Name) })
	return expired
}

// MarkTerminating flags an agent as being terminated. It returns false when
// the agent is unknown or already terminating.
func (b *Book) MarkTerminating(name string) (*agent.Agent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[name]
	if !ok || e.terminating {
		return nil, false
	}
	e.terminating = true
	return e.planned.Agent, true
}

// Reap terminates expired agents every interval until ctx is done.
func (b *Book) Reap(ctx context.Context, interval time.Duration, terminate func(context.Context, *agent.Agent)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, a := range b.Expired() {
				b.log.Info("Agent retention expired", "agent", a.Name, "retention", a.Retention.Kind)
				wg.Add(1)
				go func() {
					defer wg.Done()
					terminate(context.WithoutCancel(ctx), a)
				}()
			}
		}
	}
}

func newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate agent secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
