package config

import (
	"io"
	"log/slog"
	"testing"

	"github.com/gammadia/nomadcloud/jobtemplate"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

var invalidFiles = []struct {
	file     string
	expected string
}{
	{"testdata/invalid_image.yaml", "templates[0].tasks[0].image is required"},
	{"testdata/invalid_duplicate.yaml", "templates[1].name 'linux' is already used by templates[0]"},
	{"testdata/invalid_mode.yaml", "templates[0].node-usage-mode must be NORMAL or EXCLUSIVE"},
	{"testdata/invalid_cap.yaml", "templates[0]: invalid instance-cap: 'lots' is not an integer"},
	{"testdata/invalid_memory.yaml", "templates[0].tasks[0].memory-mb must be a positive integer"},
	{"testdata/invalid_env_keys.yaml", "templates[0].env[not valid] must be a valid environment variable identifier"},
}

func testOptions() ReadOptions {
	return ReadOptions{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestReadYAML(t *testing.T) {
	t.Setenv("NOMADCLOUD_TEST_TEAM", "Platform")
	options := testOptions()
	options.Params = map[string]string{"region": "eu-west"}

	templates, err := Read("testdata/templates.yaml", options)
	require.NoError(t, err)
	require.Len(t, templates, 2)

	linux := templates[0]
	assert.Equal(t, "linux", linux.Name)
	assert.Equal(t, "linux docker", linux.Label)
	assert.Equal(t, "eu-west", linux.Region)
	assert.Equal(t, []string{"dc1", "dc2"}, linux.Datacenters)
	assert.Equal(t, lo.ToPtr(5), linux.InstanceCap)
	assert.Equal(t, 0, linux.IdleMinutes)
	assert.Equal(t, jobtemplate.DefaultAgentConnectTimeout, linux.AgentConnectTimeout)
	assert.Equal(t, []jobtemplate.EnvVar{{Key: "GRADLE_OPTS", Value: "-Xmx1g"}}, linux.EnvVars)
	assert.Equal(t, map[string]string{"team": "platform"}, linux.Meta)

	require.Len(t, linux.TaskGroups, 1)
	task := linux.TaskGroups[0]
	assert.Equal(t, "jnlp", task.Name)
	assert.Equal(t, "jenkins/inbound-agent:${TAG}", task.Image)
	assert.Equal(t, "java", task.Command)
	assert.Equal(t, []string{"-jar", "/home/jenkins/agent.jar", "-secret", jobtemplate.SecretPlaceholder}, task.Args)
	assert.Equal(t, jobtemplate.DefaultWorkingDir, task.WorkingDir)
	assert.Equal(t, 500, task.CPU)
	assert.Equal(t, 1024, task.MemoryMB)
	assert.True(t, task.DownloadAgentJar)
	assert.Equal(t, &jobtemplate.RegistryAuth{Username: "bot", Password: "hunter2"}, task.Auth)

	gpu := templates[1]
	assert.Equal(t, jobtemplate.Exclusive, gpu.NodeUsageMode)
	assert.Nil(t, gpu.InstanceCap)
	assert.Empty(t, gpu.TaskGroups)
	assert.Equal(t, jobtemplate.DefaultAgentConnectTimeout, gpu.AgentConnectTimeout, "non-positive timeouts fall back to the default")
}

func TestReadYAMLDefaultParams(t *testing.T) {
	templates, err := Read("testdata/templates.yaml", testOptions())
	require.NoError(t, err)
	assert.Equal(t, "global", templates[0].Region)
}

func TestReadJSONC(t *testing.T) {
	templates, err := Read("testdata/templates.jsonc", testOptions())
	require.NoError(t, err)
	require.Len(t, templates, 1)

	windows := templates[0]
	assert.Equal(t, lo.ToPtr(2), windows.InstanceCap)
	assert.Equal(t, 15, windows.IdleMinutes)
	require.Len(t, windows.TaskGroups, 1)
	assert.Equal(t, jobtemplate.DefaultTaskName, windows.TaskGroups[0].Name)
	assert.Equal(t, `C:\jenkins`, windows.TaskGroups[0].WorkingDir)
	assert.Equal(t, jobtemplate.DefaultCPU, windows.TaskGroups[0].CPU)
}

func TestReadInvalidFiles(t *testing.T) {
	for _, tt := range invalidFiles {
		t.Run(tt.file, func(t *testing.T) {
			_, err := Read(tt.file, testOptions())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expected)

			var unmarshalErr UnmarshalError
			assert.ErrorAs(t, err, &unmarshalErr)
		})
	}
}

func TestReadUnsupportedExtension(t *testing.T) {
	_, err := Read("templates.toml", testOptions())
	assert.EqualError(t, err, "unsupported templates file extension '.toml'")
}

func TestParseTemplateError(t *testing.T) {
	_, err := Parse([]byte("templates: {{ .Missing"), FormatYAML, testOptions())
	assert.ErrorContains(t, err, "evaluate template")
}

func TestValueAcceptsNumbersAndStrings(t *testing.T) {
	var task Task
	require.NoError(t, yaml.Unmarshal([]byte("{ cpu: 200, memory-mb: '512' }"), &task))
	assert.Equal(t, Value("200"), task.CPU)
	assert.Equal(t, Value("512"), task.MemoryMB)

	var v Value
	require.NoError(t, v.UnmarshalJSON([]byte("42")))
	assert.Equal(t, Value("42"), v)
	require.NoError(t, v.UnmarshalJSON([]byte(`"7"`)))
	assert.Equal(t, Value("7"), v)
	require.NoError(t, v.UnmarshalJSON([]byte("null")))
	assert.Equal(t, Value(""), v)
}
