package internal

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// DockerClient abstracts the Docker SDK methods used to run agent tasks,
// enabling mock-based testing without a real Docker daemon.
type DockerClient interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerKill(ctx context.Context, containerID string, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
}

// EnsureImage pulls the image unless it is already present.
// Pulls are sequential from the caller's point of view to avoid pulling the same image twice.
func EnsureImage(ctx context.Context, docker DockerClient, ref string, options image.PullOptions, log *slog.Logger) error {
	list, err := RetryResultWithContext(ctx, 3, func() ([]image.Summary, error) {
		return docker.ImageList(ctx, image.ListOptions{
			Filters: filters.NewArgs(filters.Arg("reference", ref)),
		})
	})
	if err != nil {
		return fmt.Errorf("failed to list docker images: %w", err)
	}
	if len(list) > 0 {
		log.Debug("Image already present", "image", ref)
		return nil
	}

	log.Debug("Pulling image", "image", ref)
	reader, err := RetryResultWithContext(ctx, 4, func() (io.ReadCloser, error) {
		return docker.ImagePull(ctx, ref, options)
	})
	if err != nil {
		return fmt.Errorf("failed to pull docker image '%s': %w", ref, err)
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

// RemoveContainer kills and removes a container. Uses context.Background()
// so that cleanup isn't skipped when the caller's context is already cancelled.
func RemoveContainer(docker DockerClient, id string) error {
	ctx := context.Background()
	_ = docker.ContainerKill(ctx, id, "KILL")
	return Retry(3, func() error {
		return docker.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	})
}

// ListByLabel lists all containers, running or not, carrying the given label.
func ListByLabel(ctx context.Context, docker DockerClient, key, value string) ([]container.Summary, error) {
	filter := key
	if value != "" {
		filter += "=" + value
	}
	return RetryResultWithContext(ctx, 3, func() ([]container.Summary, error) {
		return docker.ContainerList(ctx, container.ListOptions{
			All:     true,
			Filters: filters.NewArgs(filters.Arg("label", filter)),
		})
	})
}
