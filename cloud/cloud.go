package cloud

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gammadia/nomadcloud/agent"
	"github.com/gammadia/nomadcloud/jobspec"
	"github.com/gammadia/nomadcloud/jobtemplate"
	"github.com/gammadia/nomadcloud/namegen"
	"github.com/gammadia/nomadcloud/nomad"
	"github.com/gammadia/nomadcloud/registry"
	"github.com/samber/lo"
)

const (
	// Metadata keys set on every agent job.
	MetaCloud    = "nomadcloud/cloud"
	MetaInstance = "nomadcloud/instance"
	MetaTemplate = "nomadcloud/template"

	// ControllerURLEnv is read when no controller URL is configured.
	ControllerURLEnv = "NOMAD_JENKINS_URL"

	agentJarPath = "jnlpJars/slave.jar"
)

// InFlight tracks agents that were requested but are not online yet.
type InFlight interface {
	InProvisioning(label string) int
	// Add records the agents planned by a provisioning round.
	Add(planned ...*agent.Planned) error
}

type Connector func(nomad.Config) (nomad.Client, error)

// HTTPConnector connects to a Nomad HTTP API.
func HTTPConnector(config nomad.Config) (nomad.Client, error) {
	return nomad.NewClient(config)
}

type Config struct {
	Logger *slog.Logger
	Name   string
	// ServerURL is the scheduler API address.
	ServerURL string
	// ControllerURL is the URL agents connect back to.
	ControllerURL string
	// Tunnel is an optional host:port agents connect through.
	Tunnel             string
	DefaultRegion      string
	DefaultDatacenters []string
	DefaultMeta        map[string]string
	// ContainerCap bounds the number of live agent jobs of this cloud, 0 disables the check.
	ContainerCap     int
	RetentionTimeout time.Duration
	ConnectTimeout   time.Duration
	ReadTimeout      time.Duration
	// Filters run over templates before provisioning, DefaultChain when nil.
	Filters   jobtemplate.Chain
	Connector Connector
}

type Cloud struct {
	config   Config
	log      *slog.Logger
	instance namegen.ID
	inFlight InFlight
	dynamic  *registry.Registry

	// Provisioning rounds are serialized
	provisionMu sync.Mutex

	templatesMu sync.RWMutex
	templates   []*jobtemplate.JobTemplate

	clientMu sync.Mutex
	client   nomad.Client
}

// Cloud implements agent.Cloud
var _ agent.Cloud = (*Cloud)(nil)

func New(config Config, templates []*jobtemplate.JobTemplate, dynamic *registry.Registry, inFlight InFlight) (*Cloud, error) {
	if strings.TrimSpace(config.Name) == "" {
		return nil, fmt.Errorf("cloud name is required")
	}
	if config.Filters == nil {
		config.Filters = jobtemplate.DefaultChain()
	}
	if config.Connector == nil {
		config.Connector = HTTPConnector
	}
	if config.RetentionTimeout <= 0 {
		config.RetentionTimeout = agent.DefaultRetentionTimeout
	}
	for _, t := range templates {
		t.ApplyDefaults()
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("invalid template '%s': %w", t.Name, err)
		}
	}

	c := &Cloud{
		config:    config,
		instance:  namegen.Get(),
		inFlight:  inFlight,
		dynamic:   dynamic,
		templates: templates,
	}
	c.log = lo.Ternary(config.Logger == nil, slog.Default(), config.Logger).With("component", "cloud", "cloud", config.Name)
	return c, nil
}

func (c *Cloud) Name() string {
	return c.config.Name
}

// Connect returns the scheduler client, creating it on first use.
func (c *Cloud) Connect() (nomad.Client, error) {
	c.clientMu.Lock()
	defer c.clientMu.Unlock()

	if c.client != nil {
		return c.client, nil
	}
	client, err := c.config.Connector(nomad.Config{
		Address:        c.config.ServerURL,
		ConnectTimeout: c.config.ConnectTimeout,
		ReadTimeout:    c.config.ReadTimeout,
		Logger:         c.log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to scheduler: %w", err)
	}
	c.client = client
	return client, nil
}

// TestConnection checks that the scheduler answers.
func (c *Cloud) TestConnection(ctx context.Context) error {
	client, err := c.Connect()
	if err != nil {
		return err
	}
	if _, err := client.List(ctx); err != nil {
		return fmt.Errorf("failed to reach scheduler at '%s': %w", c.config.ServerURL, err)
	}
	return nil
}

// ControllerURL returns the controller URL with a trailing slash.
func (c *Cloud) ControllerURL() (string, error) {
	url := lo.Ternary(c.config.ControllerURL != "", c.config.ControllerURL, os.Getenv(ControllerURLEnv))
	if strings.TrimSpace(url) == "" {
		return "", fmt.Errorf("controller URL is not configured")
	}
	if !strings.HasSuffix(url, "/") {
		url += "/"
	}
	return url, nil
}

// AgentJarURL returns where agents download their bootstrap artifact from.
func (c *Cloud) AgentJarURL() (string, error) {
	url, err := c.ControllerURL()
	if err != nil {
		return "", err
	}
	return url + agentJarPath, nil
}

func (c *Cloud) cloudMeta() map[string]string {
	return map[string]string{MetaCloud: c.config.Name}
}

// JobSpec builds the job specification of an agent of this cloud.
func (c *Cloud) JobSpec(a *agent.Agent, secret string) (*nomad.Job, error) {
	controllerURL, err := c.ControllerURL()
	if err != nil {
		return nil, err
	}

	meta := map[string]string{}
	maps.Copy(meta, c.config.DefaultMeta)
	maps.Copy(meta, c.cloudMeta())
	meta[MetaInstance] = c.instance.String()
	if a.Template.Name != "" {
		meta[MetaTemplate] = a.Template.Name
	}

	return jobspec.Build(a.Template, jobspec.RuntimeContext{
		Secret:             secret,
		AgentName:          a.Name,
		ControllerURL:      controllerURL,
		Tunnel:             c.config.Tunnel,
		AgentJarURL:        controllerURL + agentJarPath,
		DefaultRegion:      c.config.DefaultRegion,
		DefaultDatacenters: c.config.DefaultDatacenters,
		DefaultMeta:        meta,
		Env:                a.Env,
	}), nil
}

// Agents lists the live agent jobs of this cloud.
func (c *Cloud) Agents(ctx context.Context) ([]*nomad.JobListStub, error) {
	client, err := c.Connect()
	if err != nil {
		return nil, err
	}
	jobs, err := client.List(ctx)
	if err != nil {
		return nil, err
	}
	cloudMeta := c.cloudMeta()
	return lo.Filter(jobs, func(j *nomad.JobListStub, _ int) bool { return j.Live() && j.HasMeta(cloudMeta) }), nil
}
