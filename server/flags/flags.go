package flags

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gammadia/nomadcloud/agent"
	"github.com/samber/lo"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	LogFormat         = "log-format"
	LogLevel          = "log-level"
	LogSource         = "log-source"
	Listen            = "listen"
	Scheduler         = "scheduler"
	Templates         = "templates"
	TemplatesParams   = "templates-params"
	CloudName         = "cloud-name"
	ControllerURL     = "controller-url"
	ControllerTunnel  = "controller-tunnel"
	ContainerCap      = "container-cap"
	RetentionTimeout  = "retention-timeout"
	PollInterval      = "poll-interval"
	PollAttempts      = "poll-attempts"
	ConnectInterval   = "connect-interval"
	DisconnectTimeout = "disconnect-timeout"
	ReapInterval      = "reap-interval"
	ShutdownTimeout   = "shutdown-timeout"

	NomadAddress        = "nomad-address"
	NomadConnectTimeout = "nomad-connect-timeout"
	NomadReadTimeout    = "nomad-read-timeout"
	NomadRegion         = "nomad-region"
	NomadDatacenters    = "nomad-datacenters"
	NomadMeta           = "nomad-meta"

	LocalNetwork = "local-network"
)

func init() {
	flags := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)

	// nomadcloud
	flags.String(LogFormat, "json", "log format (json, text)")
	flags.String(LogLevel, "INFO", "minimum log level")
	flags.Bool(LogSource, false, "add source code location to logs")
	flags.String(Listen, ":25374", "listening address of the HTTP API")
	flags.String(Scheduler, "nomad", "scheduler running the agents (nomad, local)")
	flags.String(Templates, "", "job templates file (.yaml, .yml, .json, .jsonc)")
	flags.StringToString(TemplatesParams, nil, "parameters available to the templates file as .Params")
	flags.String(CloudName, "nomad", "name of the cloud, recorded on every agent job")
	flags.String(ControllerURL, "", "URL agents connect back to, $NOMAD_JENKINS_URL when empty")
	flags.String(ControllerTunnel, "", "host:port agents connect through")
	flags.Int(ContainerCap, 0, "maximum number of live agent jobs, 0 for no limit")
	flags.Duration(RetentionTimeout, agent.DefaultRetentionTimeout, "how long single-use agents may stay idle")
	flags.Duration(PollInterval, agent.DefaultPollInterval, "delay between two job status polls")
	flags.Int(PollAttempts, agent.DefaultPollAttempts, "maximum number of job status polls")
	flags.Duration(ConnectInterval, agent.DefaultConnectInterval, "delay between two agent online checks")
	flags.Duration(DisconnectTimeout, agent.DefaultDisconnectTimeout, "how long to wait for agents to disconnect")
	flags.Duration(ReapInterval, 30*time.Second, "how often retention is checked")
	flags.Duration(ShutdownTimeout, 30*time.Second, "how long to wait for requests to complete on shutdown")

	// Nomad
	flags.String(NomadAddress, "http://127.0.0.1:4646", "address of the Nomad HTTP API")
	flags.Duration(NomadConnectTimeout, 10*time.Second, "timeout to connect to Nomad")
	flags.Duration(NomadReadTimeout, 30*time.Second, "timeout to read Nomad responses")
	flags.String(NomadRegion, "", "region of agent jobs not setting one")
	flags.StringSlice(NomadDatacenters, nil, "datacenters of agent jobs not setting any")
	flags.StringToString(NomadMeta, nil, "metadata added to every agent job")

	// Local
	flags.String(LocalNetwork, "", "docker network of local agents, host networking when empty")

	// Init
	if err := flags.Parse(os.Args[1:]); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}

	viper.SetEnvPrefix("nomadcloud")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	lo.Must0(viper.BindPFlags(flags))
}
