package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gammadia/nomadcloud/agent"
	"github.com/gammadia/nomadcloud/cloud"
	"github.com/gammadia/nomadcloud/jobtemplate"
	"github.com/gammadia/nomadcloud/nomad"
	"github.com/gammadia/nomadcloud/provisioner/local"
	"github.com/gammadia/nomadcloud/registry"
	"github.com/gammadia/nomadcloud/server/api"
	"github.com/gammadia/nomadcloud/server/book"
	"github.com/gammadia/nomadcloud/server/config"
	"github.com/gammadia/nomadcloud/server/flags"
	"github.com/gammadia/nomadcloud/server/log"
	"github.com/samber/lo"
	"github.com/spf13/viper"
)

// Versioning information set at build time
var version, commit = "dev", "n/a"

// Global context for shutdown cascading, cancelled by the signal handler.
var ctx, cancel = context.WithCancel(context.Background())

// wg tracks the HTTP server and the reaper; main exits once both are done.
var wg sync.WaitGroup

func main() {
	// Setup logger first as this will be used to report progress of the rest of the setup
	if err := log.Init(); err != nil {
		lo.Must(fmt.Fprintln(os.Stderr, err))
		os.Exit(1)
	}
	log.Info("nomadcloud starting up...", "version", version, "commit", commit)

	templates, err := readTemplates()
	if err != nil {
		log.Fatal("Failed to read templates", "error", err)
	}
	log.Info("Templates loaded", "count", len(templates))

	connector, err := createConnector()
	if err != nil {
		log.Fatal("Failed to create scheduler connector", "scheduler", viper.GetString(flags.Scheduler), "error", err)
	}

	agents := book.New(log.Base)
	nomadCloud, err := cloud.New(cloud.Config{
		Logger:             log.Base,
		Name:               viper.GetString(flags.CloudName),
		ServerURL:          viper.GetString(flags.NomadAddress),
		ControllerURL:      viper.GetString(flags.ControllerURL),
		Tunnel:             viper.GetString(flags.ControllerTunnel),
		DefaultRegion:      viper.GetString(flags.NomadRegion),
		DefaultDatacenters: viper.GetStringSlice(flags.NomadDatacenters),
		DefaultMeta:        viper.GetStringMapString(flags.NomadMeta),
		ContainerCap:       viper.GetInt(flags.ContainerCap),
		RetentionTimeout:   viper.GetDuration(flags.RetentionTimeout),
		ConnectTimeout:     viper.GetDuration(flags.NomadConnectTimeout),
		ReadTimeout:        viper.GetDuration(flags.NomadReadTimeout),
		Connector:          connector,
	}, templates, registry.New(), agents)
	if err != nil {
		log.Fatal("Failed to create cloud", "error", err)
	}
	if err := nomadCloud.TestConnection(ctx); err != nil {
		// Not fatal: the scheduler may come up after us
		log.Warn("Scheduler is not reachable", "error", err)
	}

	clouds := agent.CloudMap{nomadCloud.Name(): nomadCloud}
	terminator := agent.NewTerminator(clouds, agents, agent.TerminatorConfig{
		Logger:            log.Base,
		DisconnectTimeout: viper.GetDuration(flags.DisconnectTimeout),
		OnEvent:           agents.OnEvent,
	})
	launcher := agent.NewLauncher(clouds, agents, terminator, agent.LauncherConfig{
		Logger:          log.Base,
		PollInterval:    viper.GetDuration(flags.PollInterval),
		PollAttempts:    viper.GetInt(flags.PollAttempts),
		ConnectInterval: viper.GetDuration(flags.ConnectInterval),
		OnEvent:         agents.OnEvent,
	})

	handler := api.New(api.Config{
		Logger:     log.Base,
		Cloud:      nomadCloud,
		Book:       agents,
		Launcher:   launcher,
		Terminator: terminator,
		Version:    version,
		Context:    ctx,
	})

	// Setup signal handling for graceful shutdown
	setupInterrupts()

	// Reaper goroutine: terminates agents past their retention until ctx is cancelled.
	wg.Add(1)
	go func() {
		defer wg.Done()
		agents.Reap(ctx, viper.GetDuration(flags.ReapInterval), terminator.Terminate)
	}()

	// HTTP server goroutine. A nested goroutine shuts the server down on ctx
	// cancellation and waits for background launches to observe it.
	srv := &http.Server{
		Addr:    viper.GetString(flags.Listen),
		Handler: handler.Handler(),
	}
	wg.Add(1)
	go func() {
		defer wg.Done()

		stopped := make(chan struct{})
		go func() {
			defer close(stopped)
			<-ctx.Done()

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), viper.GetDuration(flags.ShutdownTimeout))
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn("HTTP server did not shut down cleanly", "error", err)
			}
			handler.Wait()
		}()

		log.Info("Server listening", "address", srv.Addr, "scheduler", viper.GetString(flags.Scheduler))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to serve", "error", err)
		}
		<-stopped
	}()

	// Block until both the HTTP server and the reaper have finished.
	wg.Wait()
	log.Info("Shutdown completed. Bye!")
}

func readTemplates() ([]*jobtemplate.JobTemplate, error) {
	file := viper.GetString(flags.Templates)
	if file == "" {
		log.Warn("No templates file configured, only dynamic templates will be available")
		return nil, nil
	}
	return config.Read(file, config.ReadOptions{
		Params: viper.GetStringMapString(flags.TemplatesParams),
		Logger: log.Base,
	})
}

// createConnector returns how the cloud reaches its scheduler.
func createConnector() (cloud.Connector, error) {
	switch scheduler := viper.GetString(flags.Scheduler); scheduler {
	case "nomad":
		return cloud.HTTPConnector, nil
	case "local":
		client, err := local.NewClient(local.Config{
			Logger:  log.Base,
			Network: viper.GetString(flags.LocalNetwork),
		})
		if err != nil {
			return nil, err
		}
		return func(nomad.Config) (nomad.Client, error) { return client, nil }, nil
	default:
		return nil, fmt.Errorf("unknown scheduler '%s'", scheduler)
	}
}

// setupInterrupts handles SIGINT and SIGTERM with a double-tap pattern:
// the first signal cancels ctx, the second forces an immediate exit.
func setupInterrupts() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sig
		log.Info("Shutdown signal received, attempting graceful shutdown")
		cancel()
		<-sig
		log.Warn("Second shutdown signal received, forcing exit")
		os.Exit(1)
	}()
}
