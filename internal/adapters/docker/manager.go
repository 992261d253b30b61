package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/manthysbr/labrunner/internal/core/domain"
	"github.com/manthysbr/labrunner/internal/core/ports"
)

const (
	labelManaged   = "labrunner.managed"
	containerNamer = "labrunner-job-"
)

type Manager struct {
	cli    *client.Client
	logger *slog.Logger
}

// NewManager creates a Docker-backed container runtime from the environment
// (DOCKER_HOST and friends).
func NewManager(logger *slog.Logger) (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Manager{cli: cli, logger: logger}, nil
}

// Ensure Manager implements ContainerRuntime
var _ ports.ContainerRuntime = (*Manager)(nil)

// Ping verifies the daemon is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	if _, err := m.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

func (m *Manager) Close() error {
	return m.cli.Close()
}

func (m *Manager) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, err := m.cli.ImageInspect(ctx, ref)
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to inspect image %s: %w", ref, err)
}

func (m *Manager) BuildImage(ctx context.Context, contextDir string, ref string) error {
	buildCtx, err := archive.TarWithOptions(contextDir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("failed to archive build context %s: %w", contextDir, err)
	}
	defer buildCtx.Close()

	resp, err := m.cli.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:        []string{ref},
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return fmt.Errorf("failed to start image build: %w", err)
	}
	defer resp.Body.Close()

	// The daemon reports build failures inside the progress stream, not as
	// an HTTP error, so the stream has to be decoded to the end.
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("image build failed: %w", err)
	}
	return nil
}

func (m *Manager) Start(ctx context.Context, spec domain.ExecutionSpec) (ports.Execution, error) {
	labels := map[string]string{labelManaged: "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Args,
		Tty:          false,
		OpenStdin:    false,
		AttachStdout: true,
		AttachStderr: true,
		Labels:       labels,
	}

	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: spec.UploadsDir,
				Target: spec.MountPath,
			},
		},
	}

	name := ""
	if jobID := spec.Labels[domain.LabelJobID]; jobID != "" {
		name = containerNamer + jobID
	}

	resp, err := m.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("%w: %s", domain.ErrImageNotFound, spec.Image)
		}
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	// Attach before start so no early output is lost. The hijacked stream
	// outlives the request that launched it.
	attach, err := m.cli.ContainerAttach(context.WithoutCancel(ctx), resp.ID, container.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		m.remove(resp.ID)
		return nil, fmt.Errorf("failed to attach to container: %w", err)
	}

	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		attach.Close()
		m.remove(resp.ID)
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	m.logger.Info("container started", "container_id", resp.ID, "image", spec.Image, "job_id", spec.Labels[domain.LabelJobID])
	return newExecution(m.cli, resp.ID, attach.Reader, attach.Close), nil
}

func (m *Manager) remove(id string) {
	err := m.cli.ContainerRemove(context.Background(), id, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		m.logger.Warn("failed to remove container", "container_id", id, "error", err)
	}
}

// ReapOrphans removes stopped containers left behind by a previous process.
// Job state is in-memory, so such containers can never be finalized again.
func (m *Manager) ReapOrphans(ctx context.Context) (int, error) {
	containers, err := m.cli.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: makeFilters(map[string]string{
			"label": labelManaged + "=true",
		}),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list managed containers: %w", err)
	}

	reaped := 0
	for _, c := range containers {
		if c.State == "running" {
			continue
		}
		err := m.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true})
		if err != nil && !client.IsErrNotFound(err) {
			m.logger.Warn("failed to reap container", "container_id", c.ID, "error", err)
			continue
		}
		reaped++
	}
	return reaped, nil
}

// Helper to construct list filters
func makeFilters(m map[string]string) filters.Args {
	args := filters.NewArgs()
	for k, v := range m {
		args.Add(k, v)
	}
	return args
}
