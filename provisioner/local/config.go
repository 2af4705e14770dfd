package local

import (
	"log/slog"

	"github.com/gammadia/nomadcloud/provisioner/internal"
)

type Config struct {
	// Logger to use
	Logger *slog.Logger
	// Docker API to run tasks on, dialed from the environment when nil
	Docker internal.DockerClient
	// Name of the docker network tasks join, host networking when empty
	Network string
}
