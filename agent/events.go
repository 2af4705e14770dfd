package agent

type State string

const (
	StateCreated            State = "created"
	StateRegistered         State = "registered"
	StateAwaitingAllocation State = "awaiting-allocation"
	StateTasksStarting      State = "tasks-starting"
	StateTasksRunning       State = "tasks-running"
	StateAgentConnected     State = "agent-connected"
	StateFailed             State = "failed"
)

func (s State) Terminal() bool {
	return s == StateAgentConnected || s == StateFailed
}

type Event interface{}

type EventStateChanged struct {
	Agent   string
	From    State
	To      State
	Attempt int
}

type EventLaunchFailed struct {
	Agent  string
	State  State
	Reason string
}

type EventTerminated struct {
	Agent string
}
