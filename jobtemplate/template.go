package jobtemplate

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gammadia/nomadcloud/label"
	"github.com/gammadia/nomadcloud/namegen"
	"github.com/samber/lo"
)

const (
	DefaultAgentName           = "jenkins-worker"
	DefaultTaskName            = "jnlp"
	DefaultImage               = "jenkins/jnlp-slave:alpine"
	DefaultWorkingDir          = "/home/jenkins"
	DefaultCPU                 = 100
	DefaultMemoryMB            = 300
	DefaultAgentConnectTimeout = 100

	// SecretPlaceholder is replaced by the agent connection secret at launch.
	SecretPlaceholder = "${computer.jnlpmac}"
	// NamePlaceholder is replaced by the assigned agent name at launch.
	NamePlaceholder = "${computer.name}"

	// LabelMetaPrefix prefixes label atoms when they are applied as job metadata.
	LabelMetaPrefix = "jenkins/"
)

// NodeUsageMode tells whether a template may serve requests without a label.
type NodeUsageMode string

const (
	// Normal templates are eligible for label-less requests.
	Normal NodeUsageMode = "NORMAL"
	// Exclusive templates only serve requests whose label matches.
	Exclusive NodeUsageMode = "EXCLUSIVE"
)

type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type RegistryAuth struct {
	Username      string `json:"username,omitempty"`
	Password      string `json:"password,omitempty"`
	ServerAddress string `json:"server-address,omitempty"`
}

type TaskTemplate struct {
	Name             string        `json:"name"`
	Image            string        `json:"image"`
	Command          string        `json:"command,omitempty"`
	Args             []string      `json:"args,omitempty"`
	WorkingDir       string        `json:"working-dir,omitempty"`
	CPU              int           `json:"cpu"`
	MemoryMB         int           `json:"memory-mb"`
	EnvVars          []EnvVar      `json:"env,omitempty"`
	Auth             *RegistryAuth `json:"auth,omitempty"`
	DownloadAgentJar bool          `json:"download-agent-jar,omitempty"`
}

// NewTaskTemplate returns a task with default resources and working directory.
func NewTaskTemplate(name, image string) (*TaskTemplate, error) {
	if strings.TrimSpace(image) == "" {
		return nil, &ConfigError{Field: "image", Reason: "must not be blank"}
	}
	return &TaskTemplate{
		Name:       name,
		Image:      image,
		WorkingDir: DefaultWorkingDir,
		CPU:        DefaultCPU,
		MemoryMB:   DefaultMemoryMB,
	}, nil
}

// DefaultTask is the task substituted into templates that declare none.
func DefaultTask() TaskTemplate {
	return TaskTemplate{
		Name:       DefaultTaskName,
		Image:      DefaultImage,
		Args:       []string{SecretPlaceholder, NamePlaceholder},
		WorkingDir: DefaultWorkingDir,
		CPU:        DefaultCPU,
		MemoryMB:   DefaultMemoryMB,
	}
}

func (t TaskTemplate) Copy() TaskTemplate {
	t.Args = slices.Clone(t.Args)
	t.EnvVars = slices.Clone(t.EnvVars)
	if t.Auth != nil {
		auth := *t.Auth
		t.Auth = &auth
	}
	return t
}

// EffectiveWorkingDir returns the working directory, falling back to the default.
func (t TaskTemplate) EffectiveWorkingDir() string {
	return lo.Ternary(strings.TrimSpace(t.WorkingDir) == "", DefaultWorkingDir, t.WorkingDir)
}

func (t TaskTemplate) Describe() string {
	return fmt.Sprintf(
		"task %s: image=%s command=%q args=%q cpu=%dMHz memory=%dMB",
		t.Name, t.Image, t.Command, t.Args, t.CPU, t.MemoryMB,
	)
}

type JobTemplate struct {
	Name                string            `json:"name"`
	Label               string            `json:"label,omitempty"`
	NodeUsageMode       NodeUsageMode     `json:"node-usage-mode,omitempty"`
	Region              string            `json:"region,omitempty"`
	Datacenters         []string          `json:"datacenters,omitempty"`
	InstanceCap         *int              `json:"instance-cap,omitempty"`
	IdleMinutes         int               `json:"idle-minutes,omitempty"`
	AgentConnectTimeout int               `json:"agent-connect-timeout,omitempty"`
	TaskGroups          []TaskTemplate    `json:"task-groups,omitempty"`
	EnvVars             []EnvVar          `json:"env,omitempty"`
	Meta                map[string]string `json:"meta,omitempty"`
}

// Validate checks the invariants every template must hold before use.
func (t *JobTemplate) Validate() error {
	for i, task := range t.TaskGroups {
		if strings.TrimSpace(task.Image) == "" {
			return &ConfigError{Field: fmt.Sprintf("task-groups[%d].image", i), Reason: "must not be blank"}
		}
	}
	if t.InstanceCap != nil && *t.InstanceCap < 0 {
		return &ConfigError{Field: "instance-cap", Reason: "must not be negative"}
	}
	switch t.NodeUsageMode {
	case "", Normal, Exclusive:
	default:
		return &ConfigError{Field: "node-usage-mode", Reason: fmt.Sprintf("unknown mode '%s'", t.NodeUsageMode)}
	}
	for _, atom := range strings.Fields(t.Label) {
		if !label.ValidAtom(atom) {
			return &ConfigError{Field: "label", Reason: fmt.Sprintf("'%s' is not a valid label atom", atom)}
		}
	}
	return nil
}

// Mode returns the usage mode, NORMAL when unset.
func (t *JobTemplate) Mode() NodeUsageMode {
	return lo.Ternary(t.NodeUsageMode == "", Normal, t.NodeUsageMode)
}

// AgentName returns a fresh name for a new agent started from this template.
func (t *JobTemplate) AgentName() string {
	return GenerateName(t.Name)
}

// GenerateName returns "<requested>-<random suffix>", with the default agent
// name when requested is blank.
func GenerateName(requested string) string {
	return namegen.WithSuffix(lo.Ternary(strings.TrimSpace(requested) == "", DefaultAgentName, requested))
}

// Unbounded reports whether the template has no instance cap.
func (t *JobTemplate) Unbounded() bool {
	return t.InstanceCap == nil
}

// EffectiveConnectTimeout returns the agent connect timeout in seconds.
func (t *JobTemplate) EffectiveConnectTimeout() int {
	return lo.Ternary(t.AgentConnectTimeout <= 0, DefaultAgentConnectTimeout, t.AgentConnectTimeout)
}

func (t *JobTemplate) LabelSet() label.Set {
	return label.NewSet(t.Label)
}

// LabelsMap returns the label atoms as scheduler metadata tags.
func (t *JobTemplate) LabelsMap() map[string]string {
	return lo.SliceToMap(strings.Fields(t.Label), func(atom string) (string, string) {
		return LabelMetaPrefix + atom, "true"
	})
}

func (t *JobTemplate) Copy() *JobTemplate {
	c := *t
	if t.InstanceCap != nil {
		instanceCap := *t.InstanceCap
		c.InstanceCap = &instanceCap
	}
	c.Datacenters = slices.Clone(t.Datacenters)
	c.TaskGroups = lo.Map(t.TaskGroups, func(task TaskTemplate, _ int) TaskTemplate { return task.Copy() })
	c.EnvVars = slices.Clone(t.EnvVars)
	c.Meta = maps.Clone(t.Meta)
	return &c
}

// ApplyDefaults fills the resources and working directory left unset by
// each task, the same way NewTaskTemplate does. Explicit values, even
// invalid ones, are kept for the scheduler to judge.
func (t *JobTemplate) ApplyDefaults() {
	for i := range t.TaskGroups {
		t.TaskGroups[i].applyDefaults()
	}
}

func (t *TaskTemplate) applyDefaults() {
	if t.CPU == 0 {
		t.CPU = DefaultCPU
	}
	if t.MemoryMB == 0 {
		t.MemoryMB = DefaultMemoryMB
	}
	if strings.TrimSpace(t.WorkingDir) == "" {
		t.WorkingDir = DefaultWorkingDir
	}
}

// Resolved returns a copy guaranteed to hold at least one task.
func (t *JobTemplate) Resolved() *JobTemplate {
	c := t.Copy()
	if len(c.TaskGroups) == 0 {
		c.TaskGroups = []TaskTemplate{DefaultTask()}
	}
	return c
}

func (t *JobTemplate) Describe() string {
	lines := lo.Map(t.Resolved().TaskGroups, func(task TaskTemplate, _ int) string { return task.Describe() })
	return fmt.Sprintf("template %s [%s]\n%s", t.Name, t.Label, strings.Join(lines, "\n"))
}

func (t *JobTemplate) String() string {
	return fmt.Sprintf("%s (%s)", t.Name, lo.Ternary(t.Label == "", "<no label>", t.Label))
}
