package agent

import (
	"time"

	"github.com/gammadia/nomadcloud/jobtemplate"
)

type RetentionKind string

const (
	// RetainOnce releases the agent after it ran one build, or after it stayed
	// idle for the cloud retention timeout without running any.
	RetainOnce RetentionKind = "once"
	// RetainIdle keeps the agent until it stayed idle for the given time.
	RetainIdle RetentionKind = "idle"
)

const DefaultRetentionTimeout = 5 * time.Minute

type Retention struct {
	Kind    RetentionKind
	Timeout time.Duration
}

// RetentionFor picks the retention of agents started from t.
func RetentionFor(t *jobtemplate.JobTemplate, cloudTimeout time.Duration) Retention {
	if t.IdleMinutes <= 0 {
		if cloudTimeout <= 0 {
			cloudTimeout = DefaultRetentionTimeout
		}
		return Retention{Kind: RetainOnce, Timeout: cloudTimeout}
	}
	return Retention{Kind: RetainIdle, Timeout: time.Duration(t.IdleMinutes) * time.Minute}
}

// Status is what the controller knows about a running agent.
type Status struct {
	Online bool
	// Busy is true while the agent runs a build.
	Busy bool
	// IdleSince is when the agent last became idle.
	IdleSince time.Time
	// BuildsCompleted counts builds the agent finished.
	BuildsCompleted int
}

// Expired reports whether an agent in the given status should be disposed.
func (r Retention) Expired(status Status, now time.Time) bool {
	if status.Busy {
		return false
	}
	if r.Kind == RetainOnce && status.BuildsCompleted > 0 {
		return true
	}
	return !status.IdleSince.IsZero() && now.Sub(status.IdleSince) >= r.Timeout
}
