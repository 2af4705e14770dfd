package config

import (
	"fmt"
	"log/slog"
	"maps"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/gammadia/nomadcloud/jobspec"
	"github.com/gammadia/nomadcloud/jobtemplate"
	"github.com/samber/lo"
)

// Templates is the content of a templates file.
type Templates struct {
	Templates []Template `yaml:"templates" json:"templates"`
}

// Template is a job template as written by operators. Numeric settings are
// kept as text so that blank values keep their defaults.
type Template struct {
	Name                string            `yaml:"name" json:"name"`
	Label               string            `yaml:"label" json:"label"`
	NodeUsageMode       string            `yaml:"node-usage-mode" json:"node-usage-mode"`
	Region              string            `yaml:"region" json:"region"`
	Datacenters         []string          `yaml:"datacenters" json:"datacenters"`
	InstanceCap         Value             `yaml:"instance-cap" json:"instance-cap"`
	IdleMinutes         Value             `yaml:"idle-minutes" json:"idle-minutes"`
	AgentConnectTimeout Value             `yaml:"agent-connect-timeout" json:"agent-connect-timeout"`
	Env                 map[string]string `yaml:"env" json:"env"`
	Meta                map[string]string `yaml:"meta" json:"meta"`
	Tasks               []Task            `yaml:"tasks" json:"tasks"`
}

type Task struct {
	Name string `yaml:"name" json:"name"`
	// Image may refer to ${VAR} macros resolved at launch
	Image string `yaml:"image" json:"image"`
	// Command is a command line, its first word is the executable and the rest prepends Args
	Command          string            `yaml:"command" json:"command"`
	Args             []string          `yaml:"args" json:"args"`
	WorkingDir       string            `yaml:"working-dir" json:"working-dir"`
	CPU              Value             `yaml:"cpu" json:"cpu"`
	MemoryMB         Value             `yaml:"memory-mb" json:"memory-mb"`
	Env              map[string]string `yaml:"env" json:"env"`
	Auth             *Auth             `yaml:"auth" json:"auth"`
	DownloadAgentJar bool              `yaml:"download-agent-jar" json:"download-agent-jar"`
}

type Auth struct {
	Username      string `yaml:"username" json:"username"`
	Password      string `yaml:"password" json:"password"`
	ServerAddress string `yaml:"server-address" json:"server-address"`
}

// Value is a scalar accepted either as a number or as a string.
type Value string

func (v *Value) UnmarshalJSON(data []byte) error {
	s := string(data)
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = unquoted
	} else if s == "null" {
		s = ""
	}
	*v = Value(s)
	return nil
}

var envKeyRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks the file before conversion, reporting the first error with its field path.
func (f Templates) Validate() error {
	names := map[string]int{}
	for i, t := range f.Templates {
		path := fmt.Sprintf("templates[%d]", i)
		if t.Name != "" {
			if j, ok := names[t.Name]; ok {
				return fmt.Errorf("%s.name '%s' is already used by templates[%d]", path, t.Name, j)
			}
			names[t.Name] = i
		}

		switch jobtemplate.NodeUsageMode(strings.ToUpper(t.NodeUsageMode)) {
		case "", jobtemplate.Normal, jobtemplate.Exclusive:
		default:
			return fmt.Errorf("%s.node-usage-mode must be NORMAL or EXCLUSIVE", path)
		}

		for key := range t.Env {
			if !envKeyRegex.MatchString(key) {
				return fmt.Errorf("%s.env[%s] must be a valid environment variable identifier", path, key)
			}
		}

		for j, task := range t.Tasks {
			taskPath := fmt.Sprintf("%s.tasks[%d]", path, j)
			if strings.TrimSpace(task.Image) == "" {
				return fmt.Errorf("%s.image is required", taskPath)
			}
			for key := range task.Env {
				if !envKeyRegex.MatchString(key) {
					return fmt.Errorf("%s.env[%s] must be a valid environment variable identifier", taskPath, key)
				}
			}
			if _, err := task.CPU.positive(); err != nil {
				return fmt.Errorf("%s.cpu %w", taskPath, err)
			}
			if _, err := task.MemoryMB.positive(); err != nil {
				return fmt.Errorf("%s.memory-mb %w", taskPath, err)
			}
		}
	}
	return nil
}

func (v Value) positive() (int, error) {
	s := strings.TrimSpace(string(v))
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("must be a positive integer")
	}
	return n, nil
}

// JobTemplates converts the file into validated job templates.
func (f Templates) JobTemplates(logger *slog.Logger) ([]*jobtemplate.JobTemplate, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	templates := make([]*jobtemplate.JobTemplate, 0, len(f.Templates))
	for i, t := range f.Templates {
		path := fmt.Sprintf("templates[%d]", i)
		jt, err := t.jobTemplate(logger)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if err := jt.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		templates = append(templates, jt)
	}
	return templates, nil
}

func (t Template) jobTemplate(logger *slog.Logger) (*jobtemplate.JobTemplate, error) {
	jt := &jobtemplate.JobTemplate{
		Name:          t.Name,
		Label:         t.Label,
		NodeUsageMode: jobtemplate.NodeUsageMode(strings.ToUpper(t.NodeUsageMode)),
		Region:        t.Region,
		Datacenters:   t.Datacenters,
		EnvVars:       envVars(t.Env),
		Meta:          t.Meta,
	}

	var err error
	if jt.InstanceCap, err = jobtemplate.ParseInstanceCap(string(t.InstanceCap)); err != nil {
		return nil, err
	}
	if jt.IdleMinutes, err = jobtemplate.ParseIdleMinutes(string(t.IdleMinutes)); err != nil {
		return nil, err
	}
	if jt.AgentConnectTimeout, err = jobtemplate.ParseAgentConnectTimeout(string(t.AgentConnectTimeout), logger); err != nil {
		return nil, err
	}

	for i, task := range t.Tasks {
		tt, err := task.taskTemplate()
		if err != nil {
			return nil, fmt.Errorf("tasks[%d]: %w", i, err)
		}
		jt.TaskGroups = append(jt.TaskGroups, *tt)
	}
	return jt, nil
}

func (t Task) taskTemplate() (*jobtemplate.TaskTemplate, error) {
	tt, err := jobtemplate.NewTaskTemplate(lo.Ternary(t.Name == "", jobtemplate.DefaultTaskName, t.Name), t.Image)
	if err != nil {
		return nil, err
	}

	words, err := jobspec.ParseCommand(t.Command)
	if err != nil {
		return nil, &jobtemplate.ConfigError{Field: "command", Reason: err.Error()}
	}
	if len(words) > 0 {
		tt.Command = words[0]
		tt.Args = append(words[1:], t.Args...)
	} else {
		tt.Args = t.Args
	}

	if t.WorkingDir != "" {
		tt.WorkingDir = t.WorkingDir
	}
	if cpu, _ := t.CPU.positive(); cpu > 0 {
		tt.CPU = cpu
	}
	if mem, _ := t.MemoryMB.positive(); mem > 0 {
		tt.MemoryMB = mem
	}
	tt.EnvVars = envVars(t.Env)
	if t.Auth != nil {
		tt.Auth = &jobtemplate.RegistryAuth{
			Username:      t.Auth.Username,
			Password:      t.Auth.Password,
			ServerAddress: t.Auth.ServerAddress,
		}
	}
	tt.DownloadAgentJar = t.DownloadAgentJar
	return tt, nil
}

// envVars orders variables by key so that job specs are reproducible.
func envVars(env map[string]string) []jobtemplate.EnvVar {
	if len(env) == 0 {
		return nil
	}
	return lo.Map(slices.Sorted(maps.Keys(env)), func(key string, _ int) jobtemplate.EnvVar {
		return jobtemplate.EnvVar{Key: key, Value: env[key]}
	})
}
