// Package jobspec turns agent templates into scheduler job specifications.
// Building is pure: no network access, and the process environment is only
// read through RuntimeContext.LookupEnv.
package jobspec

import (
	"maps"
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/gammadia/nomadcloud/jobtemplate"
	"github.com/gammadia/nomadcloud/nomad"
	"github.com/samber/lo"
)

const (
	EnvSecret       = "JENKINS_SECRET"
	EnvAgentName    = "JENKINS_NAME"
	EnvProtocolOpts = "JNLP_PROTOCOL_OPTS"
	EnvURL          = "JENKINS_URL"
	EnvTunnel       = "JENKINS_TUNNEL"
	EnvHome         = "HOME"

	// ArtifactDestination is where the agent bootstrap artifact is downloaded.
	ArtifactDestination = "local/"
)

type RuntimeContext struct {
	// Secret is the agent connection secret.
	Secret string
	// AgentName is the planned agent name, also used as the job ID.
	AgentName string
	// ControllerURL is the controller callback URL.
	ControllerURL string
	// Tunnel is an optional host:port the agent connects through.
	Tunnel string
	// AgentJarURL is where tasks download the agent bootstrap artifact from.
	AgentJarURL string
	// Env holds per-agent overrides, applied over job level variables.
	Env map[string]string

	DefaultRegion      string
	DefaultDatacenters []string
	DefaultMeta        map[string]string

	// LookupEnv resolves ${VAR} macros, os.LookupEnv when nil.
	LookupEnv func(string) (string, bool)
}

var macro = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func (rc RuntimeContext) expand(s string) string {
	lookup := lo.Ternary(rc.LookupEnv == nil, os.LookupEnv, rc.LookupEnv)
	return macro.ReplaceAllStringFunc(s, func(m string) string {
		if v, ok := lookup(m[2 : len(m)-1]); ok {
			return v
		}
		return m
	})
}

func (rc RuntimeContext) controllerURL() string {
	if rc.ControllerURL == "" || strings.HasSuffix(rc.ControllerURL, "/") {
		return rc.ControllerURL
	}
	return rc.ControllerURL + "/"
}

// Build returns the job specification for one agent started from t.
func Build(t *jobtemplate.JobTemplate, rc RuntimeContext) *nomad.Job {
	resolved := t.Resolved()

	job := &nomad.Job{
		ID:          rc.AgentName,
		Name:        rc.AgentName,
		Type:        nomad.JobTypeBatch,
		Region:      lo.Ternary(resolved.Region != "", resolved.Region, rc.DefaultRegion),
		Datacenters: slices.Clone(lo.Ternary(len(resolved.Datacenters) > 0, resolved.Datacenters, rc.DefaultDatacenters)),
		Meta:        buildMeta(resolved, rc),
	}

	for _, task := range resolved.TaskGroups {
		nomadTask := buildTask(resolved, task, rc)
		job.TaskGroups = append(job.TaskGroups, &nomad.TaskGroup{
			Name:  nomadTask.Name,
			Count: 1,
			RestartPolicy: &nomad.RestartPolicy{
				Attempts: 0,
				Mode:     nomad.RestartModeFail,
			},
			Tasks: []*nomad.Task{nomadTask},
		})
	}

	return job
}

func buildMeta(t *jobtemplate.JobTemplate, rc RuntimeContext) map[string]string {
	meta := map[string]string{}
	maps.Copy(meta, rc.DefaultMeta)
	maps.Copy(meta, t.LabelsMap())
	maps.Copy(meta, t.Meta)
	if len(meta) == 0 {
		return nil
	}
	return meta
}

func buildEnv(t *jobtemplate.JobTemplate, task jobtemplate.TaskTemplate, rc RuntimeContext) map[string]string {
	env := map[string]string{
		EnvSecret:       rc.Secret,
		EnvAgentName:    rc.AgentName,
		EnvProtocolOpts: "",
		EnvURL:          rc.controllerURL(),
		EnvHome:         task.EffectiveWorkingDir(),
	}
	if strings.TrimSpace(rc.Tunnel) != "" {
		env[EnvTunnel] = rc.Tunnel
	}

	for _, e := range t.EnvVars {
		env[e.Key] = e.Value
	}
	maps.Copy(env, rc.Env)
	for _, e := range task.EnvVars {
		env[e.Key] = e.Value
	}
	return env
}

func buildTask(t *jobtemplate.JobTemplate, task jobtemplate.TaskTemplate, rc RuntimeContext) *nomad.Task {
	config := map[string]any{
		"image":        rc.expand(task.Image),
		"network_mode": "host",
	}
	if command := rc.expand(task.Command); command != "" {
		config["command"] = command
	}
	if len(task.Args) > 0 {
		replacer := strings.NewReplacer(
			jobtemplate.SecretPlaceholder, rc.Secret,
			jobtemplate.NamePlaceholder, rc.AgentName,
		)
		config["args"] = lo.Map(task.Args, func(arg string, _ int) string { return replacer.Replace(arg) })
	}
	if auth := buildAuth(task.Auth); auth != nil {
		config["auth"] = []map[string]string{auth}
	}

	nomadTask := &nomad.Task{
		Name:   rc.expand(task.Name),
		Driver: nomad.DriverDocker,
		Config: config,
		Env:    buildEnv(t, task, rc),
		Resources: &nomad.Resources{
			CPU:      task.CPU,
			MemoryMB: task.MemoryMB,
		},
	}

	if task.DownloadAgentJar {
		nomadTask.Artifacts = []*nomad.Artifact{{
			GetterSource: rc.AgentJarURL,
			RelativeDest: ArtifactDestination,
		}}
	}

	return nomadTask
}

func buildAuth(auth *jobtemplate.RegistryAuth) map[string]string {
	if auth == nil {
		return nil
	}
	out := lo.PickBy(map[string]string{
		"username":       auth.Username,
		"password":       auth.Password,
		"server_address": auth.ServerAddress,
	}, func(_ string, v string) bool { return v != "" })
	if len(out) == 0 {
		return nil
	}
	return out
}
