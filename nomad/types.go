package nomad

// Subset of the Nomad HTTP API job model used to run build agents.

const (
	JobTypeBatch = "batch"

	JobStatusPending = "pending"
	JobStatusRunning = "running"
	JobStatusDead    = "dead"

	TaskStatePending = "pending"
	TaskStateRunning = "running"
	TaskStateDead    = "dead"

	RestartModeFail = "fail"

	DriverDocker = "docker"
)

type Job struct {
	ID          string            `json:"ID"`
	Name        string            `json:"Name"`
	Type        string            `json:"Type"`
	Region      string            `json:"Region,omitempty"`
	Datacenters []string          `json:"Datacenters,omitempty"`
	Meta        map[string]string `json:"Meta,omitempty"`
	TaskGroups  []*TaskGroup      `json:"TaskGroups"`
	Status      string            `json:"Status,omitempty"`
}

type TaskGroup struct {
	Name          string         `json:"Name"`
	Count         int            `json:"Count"`
	RestartPolicy *RestartPolicy `json:"RestartPolicy,omitempty"`
	Tasks         []*Task        `json:"Tasks"`
}

type RestartPolicy struct {
	Attempts int    `json:"Attempts"`
	Mode     string `json:"Mode"`
}

type Task struct {
	Name      string            `json:"Name"`
	Driver    string            `json:"Driver"`
	Config    map[string]any    `json:"Config"`
	Env       map[string]string `json:"Env,omitempty"`
	Resources *Resources        `json:"Resources,omitempty"`
	Artifacts []*Artifact       `json:"Artifacts,omitempty"`
}

type Resources struct {
	CPU      int `json:"CPU"`
	MemoryMB int `json:"MemoryMB"`
}

type Artifact struct {
	GetterSource string `json:"GetterSource"`
	RelativeDest string `json:"RelativeDest"`
}

type Allocation struct {
	ID           string                `json:"ID"`
	JobID        string                `json:"JobID"`
	ClientStatus string                `json:"ClientStatus"`
	CreateIndex  uint64                `json:"CreateIndex"`
	TaskStates   map[string]*TaskState `json:"TaskStates"`
}

type TaskState struct {
	State  string `json:"State"`
	Failed bool   `json:"Failed"`
}

type JobListStub struct {
	ID     string            `json:"ID"`
	Name   string            `json:"Name"`
	Status string            `json:"Status"`
	Meta   map[string]string `json:"Meta,omitempty"`
}

type registerRequest struct {
	Job *Job `json:"Job"`
}

type evalResponse struct {
	EvalID string `json:"EvalID"`
}

// Live reports whether the job still holds scheduler resources.
func (s *JobListStub) Live() bool {
	return s.Status != JobStatusDead
}

// HasMeta reports whether every tag in want is present on the job.
func (s *JobListStub) HasMeta(want map[string]string) bool {
	for k, v := range want {
		if got, ok := s.Meta[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// CountLive counts live jobs carrying all the given tags.
func CountLive(jobs []*JobListStub, meta map[string]string) int {
	n := 0
	for _, j := range jobs {
		if j.Live() && j.HasMeta(meta) {
			n++
		}
	}
	return n
}
