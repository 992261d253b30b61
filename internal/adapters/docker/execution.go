package docker

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/manthysbr/labrunner/internal/core/domain"
)

// execution is a started container with its attached output streams split
// into stdout and stderr.
type execution struct {
	cli         *client.Client
	id          string
	stdout      *io.PipeReader
	stderr      *io.PipeReader
	closeAttach func()
	closeOnce   sync.Once
}

// newExecution demultiplexes the attach stream (non-TTY containers frame
// stdout and stderr together) into two pipes. Both pipes close when the
// container's streams end.
func newExecution(cli *client.Client, id string, stream io.Reader, closeAttach func()) *execution {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()

	go func() {
		_, err := stdcopy.StdCopy(outW, errW, stream)
		outW.CloseWithError(err)
		errW.CloseWithError(err)
	}()

	return &execution{
		cli:         cli,
		id:          id,
		stdout:      outR,
		stderr:      errR,
		closeAttach: closeAttach,
	}
}

func (e *execution) ContainerID() string { return e.id }

func (e *execution) Stdout() io.Reader { return e.stdout }

func (e *execution) Stderr() io.Reader { return e.stderr }

func (e *execution) Wait(ctx context.Context) (int, error) {
	statusCh, errCh := e.cli.ContainerWait(ctx, e.id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return domain.ExitCodeUnknown, fmt.Errorf("failed waiting for container %s: %w", e.id, err)
	case status := <-statusCh:
		if status.Error != nil {
			return domain.ExitCodeUnknown, fmt.Errorf("container %s wait error: %s", e.id, status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

func (e *execution) Close(ctx context.Context) error {
	var err error
	e.closeOnce.Do(func() {
		if e.closeAttach != nil {
			e.closeAttach()
		}
		_ = e.stdout.Close()
		_ = e.stderr.Close()
		if e.cli == nil {
			return
		}
		rmErr := e.cli.ContainerRemove(ctx, e.id, container.RemoveOptions{Force: true})
		if rmErr != nil && !client.IsErrNotFound(rmErr) {
			err = fmt.Errorf("failed to remove container %s: %w", e.id, rmErr)
		}
	})
	return err
}
