package services

import (
	"context"
	"fmt"
	"log/slog"
	"path"

	"github.com/manthysbr/labrunner/internal/core/domain"
	"github.com/manthysbr/labrunner/internal/core/ports"
)

// ExecutionLauncher starts one isolated container per job run, with the
// shared uploads directory mounted read-write.
type ExecutionLauncher struct {
	logger     *slog.Logger
	runtime    ports.ContainerRuntime
	uploadsDir string
	mountPath  string
}

func NewExecutionLauncher(logger *slog.Logger, runtime ports.ContainerRuntime, uploadsDir, mountPath string) *ExecutionLauncher {
	return &ExecutionLauncher{
		logger:     logger,
		runtime:    runtime,
		uploadsDir: uploadsDir,
		mountPath:  mountPath,
	}
}

// Run starts pipeline for jobID with filenames (relative to the uploads
// directory) as arguments. It returns once the container is running; it
// never builds a missing image.
func (l *ExecutionLauncher) Run(ctx context.Context, pipeline domain.Pipeline, jobID domain.JobID, filenames []string) (ports.Execution, error) {
	launchErr := func(err error) error {
		return &domain.LaunchError{Job: jobID, Pipeline: pipeline.ID, Err: err}
	}

	exists, err := l.runtime.ImageExists(ctx, pipeline.ImageRef)
	if err != nil {
		return nil, launchErr(err)
	}
	if !exists {
		return nil, launchErr(fmt.Errorf("%w: %s", domain.ErrImageNotFound, pipeline.ImageRef))
	}

	spec := domain.ExecutionSpec{
		Image:      pipeline.ImageRef,
		Args:       l.containerArgs(filenames),
		UploadsDir: l.uploadsDir,
		MountPath:  l.mountPath,
		Labels: map[string]string{
			domain.LabelJobID:    string(jobID),
			domain.LabelPipeline: string(pipeline.ID),
		},
	}

	exec, err := l.runtime.Start(ctx, spec)
	if err != nil {
		return nil, launchErr(err)
	}

	l.logger.Info("execution launched",
		"job_id", jobID,
		"pipeline", pipeline.ID,
		"container_id", exec.ContainerID(),
	)
	return exec, nil
}

func (l *ExecutionLauncher) containerArgs(filenames []string) []string {
	args := make([]string, len(filenames))
	for i, name := range filenames {
		args[i] = path.Join(l.mountPath, name)
	}
	return args
}
