package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gammadia/nomadcloud/nomad"
	"github.com/samber/lo"
)

const DefaultDisconnectTimeout = 5 * time.Second

type TerminatorConfig struct {
	Logger *slog.Logger
	// DisconnectTimeout bounds the wait for the agent session to close.
	DisconnectTimeout time.Duration
	OnEvent           func(Event)
}

// Terminator tears agents down. Every step is best effort: failures are
// logged and the remaining steps still run.
type Terminator struct {
	clouds     Clouds
	controller Controller
	config     TerminatorConfig
	log        *slog.Logger
}

func NewTerminator(clouds Clouds, controller Controller, config TerminatorConfig) *Terminator {
	if config.DisconnectTimeout <= 0 {
		config.DisconnectTimeout = DefaultDisconnectTimeout
	}
	logger := lo.Ternary(config.Logger == nil, slog.Default(), config.Logger)

	return &Terminator{
		clouds:     clouds,
		controller: controller,
		config:     config,
		log:        logger.With("component", "terminator"),
	}
}

// Terminate disconnects the agent and deregisters its scheduler job.
// It never fails: the caller must drop the agent from its bookkeeping regardless.
func (t *Terminator) Terminate(ctx context.Context, a *Agent) {
	log := t.log.With("agent", a.Name, "cloud", a.CloudName)
	defer func() {
		if t.config.OnEvent != nil {
			t.config.OnEvent(EventTerminated{Agent: a.Name})
		}
	}()

	cloud, ok := t.clouds.Cloud(a.CloudName)
	if !ok {
		log.Error("Cloud not found, unable to terminate agent job")
		return
	}

	client, err := cloud.Connect()
	if err != nil {
		log.Error("Failed to connect to scheduler, unable to terminate agent job", "error", err)
		return
	}

	tryTo := func(what string, thunk func() error, args ...any) {
		if err := thunk(); err != nil {
			args = append([]any{"error", err}, args...)
			log.Warn("Failed to "+what, args...)
		}
	}

	if t.controller.SessionAlive(a.Name) {
		tryTo("tell agent to stop reconnecting", func() error {
			return t.controller.StopReconnect(a.Name)
		})
	}

	timer := time.NewTimer(t.config.DisconnectTimeout)
	select {
	case <-t.controller.Disconnect(a.Name, "agent terminated"):
	case <-timer.C:
		log.Warn("Timed out waiting for agent to disconnect", "timeout", t.config.DisconnectTimeout)
	case <-ctx.Done():
		log.Warn("Interrupted while waiting for agent to disconnect", "error", ctx.Err())
	}
	timer.Stop()

	// A job that is already gone is reported like any other failure
	if _, err := client.Deregister(ctx, a.JobID()); err != nil {
		log.Warn(
			"Failed to deregister agent job, it may leak",
			"error", err,
			"job", a.JobID(),
			"notFound", errors.Is(err, nomad.ErrNotFound),
		)
	}
	log.Info("Agent terminated")
}
