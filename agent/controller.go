package agent

import (
	"github.com/gammadia/nomadcloud/nomad"
)

// Controller is the build controller the agents connect back to.
type Controller interface {
	// Secret returns the secret the agent must present when connecting.
	Secret(name string) (string, error)
	// IsOnline reports whether the agent completed its handshake.
	IsOnline(name string) bool
	// SessionAlive reports whether the agent session channel is open.
	SessionAlive(name string) bool
	// StopReconnect tells the remote agent not to reconnect once its session drops.
	StopReconnect(name string) error
	// Disconnect closes the agent session. The returned channel is closed once done.
	Disconnect(name string, cause string) <-chan struct{}
}

// Cloud is the cloud an agent was provisioned from.
type Cloud interface {
	Name() string
	// Connect returns a scheduler client.
	Connect() (nomad.Client, error)
	// JobSpec builds the job specification of an agent.
	JobSpec(a *Agent, secret string) (*nomad.Job, error)
}

// Clouds resolves clouds by name.
type Clouds interface {
	Cloud(name string) (Cloud, bool)
}

// CloudMap is a static Clouds.
type CloudMap map[string]Cloud

func (m CloudMap) Cloud(name string) (Cloud, bool) {
	c, ok := m[name]
	return c, ok
}
