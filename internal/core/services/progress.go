package services

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/manthysbr/labrunner/internal/core/domain"
	"github.com/manthysbr/labrunner/internal/core/ports"
)

// progressLine is the wire contract between a pipeline container and the
// orchestrator. Changing it breaks every existing pipeline. A line matches
// only as a whole; the title cannot contain ']'.
var progressLine = regexp.MustCompile(`^Steps: (\d+)/(\d+) \[([^\]]*)\]$`)

const (
	stderrTailBytes    = 4096
	stderrDrainTimeout = 5 * time.Second
	releaseTimeout     = 30 * time.Second
)

// ParseProgressLine extracts a progress event from one line of output.
// Lines that do not match the grammar, or carry numbers that do not fit an
// int, are reported as not matching.
func ParseProgressLine(line string) (domain.ProgressEvent, bool) {
	m := progressLine.FindStringSubmatch(line)
	if m == nil {
		return domain.ProgressEvent{}, false
	}
	current, err := strconv.Atoi(m[1])
	if err != nil {
		return domain.ProgressEvent{}, false
	}
	total, err := strconv.Atoi(m[2])
	if err != nil {
		return domain.ProgressEvent{}, false
	}
	return domain.ProgressEvent{CurrentStep: current, TotalSteps: total, Title: m[3]}, true
}

// ProgressMonitor follows running executions and feeds what they report
// into the job store.
type ProgressMonitor struct {
	logger     *slog.Logger
	store      *JobStore
	executions *ExecutionTable
	bus        *EventBus
}

func NewProgressMonitor(logger *slog.Logger, store *JobStore, executions *ExecutionTable, bus *EventBus) *ProgressMonitor {
	return &ProgressMonitor{
		logger:     logger,
		store:      store,
		executions: executions,
		bus:        bus,
	}
}

// Watch blocks until the execution's output ends, then finalizes the job
// and releases the execution. It finalizes exactly once, whatever the
// execution does. Cancelling ctx closes the execution, which ends its
// streams and finalizes the job as failed. The returned job is the terminal
// snapshot.
func (m *ProgressMonitor) Watch(ctx context.Context, jobID domain.JobID, execID domain.ExecutionID, exec ports.Execution) domain.Job {
	logger := m.logger.With("job_id", jobID, "container_id", exec.ContainerID())

	stop := context.AfterFunc(ctx, func() {
		logger.Warn("monitor cancelled, closing execution")
		closeCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := exec.Close(closeCtx); err != nil {
			logger.Warn("failed to close execution", "error", err)
		}
	})
	defer stop()

	tail := newTailBuffer(stderrTailBytes)
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		if _, err := io.Copy(tail, exec.Stderr()); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			logger.Warn("stderr stream ended with error", "error", err)
		}
	}()

	events := make(chan domain.ProgressEvent, 64)
	go m.scan(logger, jobID, exec.Stdout(), events)

	// Events are applied one at a time in stream order.
	for ev := range events {
		job, ok := m.store.UpdateProgress(jobID, ev.CurrentStep, ev.TotalSteps, ev.Title)
		if !ok {
			continue
		}
		m.bus.publishJob(EventTypeProgress, job, "")
	}

	exitCode, err := exec.Wait(ctx)
	if err != nil {
		logger.Error("exit status unavailable", "error", err)
		exitCode = domain.ExitCodeUnknown
	}

	select {
	case <-stderrDone:
	case <-time.After(stderrDrainTimeout):
		logger.Warn("stderr not drained before finalize")
	}

	job, ok := m.store.Finalize(jobID, exitCode, tail.String())
	if ok {
		m.bus.publishJob(EventTypeStatus, job, "")
		logger.Info("job finalized", "state", job.State, "exit_code", exitCode)
	} else {
		job, _ = m.store.Get(jobID)
	}

	m.release(logger, execID)
	return job
}

// scan reads stdout line by line and forwards progress events. Every other
// line is informational: it is logged and published, never stored.
func (m *ProgressMonitor) scan(logger *slog.Logger, jobID domain.JobID, stdout io.Reader, events chan<- domain.ProgressEvent) {
	defer close(events)

	reader := bufio.NewReader(stdout)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			line = strings.TrimRight(line, "\r\n")
			if ev, ok := ParseProgressLine(line); ok {
				events <- ev
			} else if line != "" {
				logger.Debug("pipeline output", "line", line)
				m.bus.Publish(Event{JobID: jobID, Type: EventTypeLog, Message: line})
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				logger.Warn("stdout stream ended with error", "error", err)
			}
			return
		}
	}
}

func (m *ProgressMonitor) release(logger *slog.Logger, execID domain.ExecutionID) {
	exec, ok := m.executions.Release(execID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := exec.Close(ctx); err != nil {
		logger.Warn("failed to release execution", "error", err)
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.ToValidUTF8(string(t.buf), "")
}
