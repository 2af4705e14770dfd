package jobtemplate

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ParseInstanceCap parses an instance cap. Blank and negative values mean
// unbounded, reported as nil.
func ParseInstanceCap(s string) (*int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil, &ConfigError{Field: "instance-cap", Reason: fmt.Sprintf("'%s' is not an integer", s)}
	}
	if n < 0 {
		return nil, nil
	}
	return &n, nil
}

// ParseAgentConnectTimeout parses the agent connect timeout in seconds.
// Blank or non-positive values fall back to DefaultAgentConnectTimeout.
func ParseAgentConnectTimeout(s string, logger *slog.Logger) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DefaultAgentConnectTimeout, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, &ConfigError{Field: "agent-connect-timeout", Reason: fmt.Sprintf("'%s' is not an integer", s)}
	}
	if n <= 0 {
		lo.Ternary(logger == nil, slog.Default(), logger).Warn(
			"Agent connect timeout must be positive, using default",
			"value", n,
			"default", DefaultAgentConnectTimeout,
		)
		return DefaultAgentConnectTimeout, nil
	}
	return n, nil
}

// ParseIdleMinutes parses the idle retention in minutes. Blank means 0.
func ParseIdleMinutes(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, &ConfigError{Field: "idle-minutes", Reason: fmt.Sprintf("'%s' is not a non-negative integer", s)}
	}
	return n, nil
}

var envMacro = regexp.MustCompile(`\$\{env\.([A-Za-z_][A-Za-z0-9_.-]*)\}`)

func expandEnvMacros(s string, runEnv map[string]string) string {
	return envMacro.ReplaceAllStringFunc(s, func(m string) string {
		if v, ok := runEnv[envMacro.FindStringSubmatch(m)[1]]; ok {
			return v
		}
		return m
	})
}

// ForExecution returns a copy of the task with ${env.KEY} macros resolved
// against the variables of the run that requested the agent. Unknown keys are
// left untouched.
func (t TaskTemplate) ForExecution(runEnv map[string]string) TaskTemplate {
	c := t.Copy()
	if len(runEnv) == 0 {
		return c
	}
	c.Image = expandEnvMacros(c.Image, runEnv)
	c.Command = expandEnvMacros(c.Command, runEnv)
	c.Args = lo.Map(c.Args, func(arg string, _ int) string { return expandEnvMacros(arg, runEnv) })
	c.EnvVars = lo.Map(c.EnvVars, func(env EnvVar, _ int) EnvVar {
		return EnvVar{Key: env.Key, Value: expandEnvMacros(env.Value, runEnv)}
	})
	return c
}

// ForExecution applies TaskTemplate.ForExecution to every task.
func (t *JobTemplate) ForExecution(runEnv map[string]string) *JobTemplate {
	c := t.Copy()
	c.TaskGroups = lo.Map(c.TaskGroups, func(task TaskTemplate, _ int) TaskTemplate { return task.ForExecution(runEnv) })
	return c
}
