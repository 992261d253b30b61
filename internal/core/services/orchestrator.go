package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/manthysbr/labrunner/internal/core/domain"
	"github.com/manthysbr/labrunner/internal/core/ports"
)

const archiveTimeout = 5 * time.Second

// Launcher starts executions. *ExecutionLauncher is the production one.
type Launcher interface {
	Run(ctx context.Context, pipeline domain.Pipeline, jobID domain.JobID, filenames []string) (ports.Execution, error)
}

// Orchestrator is the caller-facing API: list pipelines, create jobs, run
// them and query their status. It owns the background monitors.
type Orchestrator struct {
	logger     *slog.Logger
	registry   *PipelineRegistry
	store      *JobStore
	executions *ExecutionTable
	launcher   Launcher
	monitor    *ProgressMonitor
	uploads    *UploadStore
	bus        *EventBus
	archive    ports.JobArchive

	// ctx bounds the monitors; it is cancelled on shutdown.
	ctx      context.Context
	monitors sync.WaitGroup
}

func NewOrchestrator(
	ctx context.Context,
	logger *slog.Logger,
	registry *PipelineRegistry,
	store *JobStore,
	executions *ExecutionTable,
	launcher Launcher,
	uploads *UploadStore,
	bus *EventBus,
	archive ports.JobArchive,
) *Orchestrator {
	return &Orchestrator{
		logger:     logger,
		registry:   registry,
		store:      store,
		executions: executions,
		launcher:   launcher,
		monitor:    NewProgressMonitor(logger, store, executions, bus),
		uploads:    uploads,
		bus:        bus,
		archive:    archive,
		ctx:        ctx,
	}
}

func (o *Orchestrator) ListPipelines() []domain.Pipeline {
	return o.registry.List()
}

func (o *Orchestrator) GetPipeline(id domain.PipelineID) (domain.Pipeline, error) {
	return o.registry.Get(id)
}

// UploadedFile is one file of a submission.
type UploadedFile struct {
	Name    string
	Content io.Reader
}

// SubmitUploads saves files as "<jobId>_<name>" in the uploads directory
// and creates the job for them. Nothing is kept when any file fails.
func (o *Orchestrator) SubmitUploads(ctx context.Context, files []UploadedFile) (domain.Job, error) {
	if len(files) == 0 {
		return domain.Job{}, fmt.Errorf("%w: no input files", domain.ErrInvalidInput)
	}

	id := o.store.NewID()
	paths := make([]string, 0, len(files))
	for _, f := range files {
		p, err := o.uploads.Save(string(id), f.Name, f.Content)
		if err != nil {
			o.uploads.Remove(paths...)
			return domain.Job{}, err
		}
		paths = append(paths, p)
	}

	job, err := o.store.CreateWithID(id, paths)
	if err != nil {
		o.uploads.Remove(paths...)
		return domain.Job{}, err
	}
	o.created(ctx, job)
	return job, nil
}

// CreateJob registers files already present in the uploads directory as a
// new job.
func (o *Orchestrator) CreateJob(ctx context.Context, inputPaths []string) (domain.JobID, error) {
	if len(inputPaths) == 0 {
		return "", fmt.Errorf("%w: no input files", domain.ErrInvalidInput)
	}
	for _, p := range inputPaths {
		if _, err := o.uploads.RelativePath(p); err != nil {
			return "", err
		}
	}

	job := o.store.Create(inputPaths)
	o.created(ctx, job)
	return job.ID, nil
}

func (o *Orchestrator) created(ctx context.Context, job domain.Job) {
	o.logger.Info("job created", "job_id", job.ID, "inputs", len(job.InputPaths))
	o.bus.publishJob(EventTypeStatus, job, "")
	o.save(ctx, job)
}

// RunJob launches pipelineID for jobID. The job becomes running only once the
// container has started; on any error the job is left as it was.
func (o *Orchestrator) RunJob(ctx context.Context, jobID domain.JobID, pipelineID domain.PipelineID) error {
	job, err := o.store.Get(jobID)
	if err != nil {
		return err
	}
	pipeline, err := o.registry.Get(pipelineID)
	if err != nil {
		return err
	}

	if err := o.store.BeginLaunch(jobID); err != nil {
		return err
	}

	filenames := make([]string, len(job.InputPaths))
	for i, p := range job.InputPaths {
		rel, err := o.uploads.RelativePath(p)
		if err != nil {
			o.store.AbortLaunch(jobID)
			return err
		}
		filenames[i] = rel
	}

	exec, err := o.launcher.Run(ctx, pipeline, jobID, filenames)
	if err != nil {
		o.store.AbortLaunch(jobID)
		o.logger.Error("launch failed", "job_id", jobID, "pipeline", pipelineID, "error", err)
		return err
	}

	execID := o.executions.Register(exec)
	running, err := o.store.TransitionToRunning(jobID, pipelineID, execID)
	if err != nil {
		// Unreachable while the launch reservation is held; never leave a
		// container without a monitor.
		o.executions.Release(execID)
		_ = exec.Close(context.WithoutCancel(ctx))
		return err
	}

	o.logger.Info("job running", "job_id", jobID, "pipeline", pipelineID, "container_id", exec.ContainerID())
	o.bus.publishJob(EventTypeStatus, running, "")
	o.save(ctx, running)

	o.monitors.Add(1)
	go o.watch(jobID, execID, exec)
	return nil
}

func (o *Orchestrator) watch(jobID domain.JobID, execID domain.ExecutionID, exec ports.Execution) {
	defer o.monitors.Done()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("progress monitor panicked", "job_id", jobID, "panic", r)
			if job, ok := o.store.Finalize(jobID, domain.ExitCodeUnknown, ""); ok {
				o.bus.publishJob(EventTypeStatus, job, "")
				o.save(context.Background(), job)
			}
			if handle, ok := o.executions.Release(execID); ok {
				ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
				defer cancel()
				if err := handle.Close(ctx); err != nil {
					o.logger.Warn("failed to release execution", "job_id", jobID, "error", err)
				}
			}
		}
	}()

	final := o.monitor.Watch(o.ctx, jobID, execID, exec)
	o.save(context.Background(), final)
}

// GetJobStatus returns a consistent snapshot of the job's state and progress.
func (o *Orchestrator) GetJobStatus(jobID domain.JobID) (domain.JobStatus, error) {
	job, err := o.store.Get(jobID)
	if err != nil {
		return domain.JobStatus{}, err
	}
	return job.Status(), nil
}

func (o *Orchestrator) GetJob(jobID domain.JobID) (domain.Job, error) {
	return o.store.Get(jobID)
}

// ListJobs returns all jobs, optionally only those in one of states.
func (o *Orchestrator) ListJobs(states ...domain.JobState) []domain.Job {
	jobs := o.store.List()
	if len(states) == 0 {
		return jobs
	}
	wanted := make(map[domain.JobState]bool, len(states))
	for _, s := range states {
		wanted[s] = true
	}
	out := jobs[:0]
	for _, j := range jobs {
		if wanted[j.State] {
			out = append(out, j)
		}
	}
	return out
}

// History returns archived job snapshots, including those of earlier runs
// of the process.
func (o *Orchestrator) History(ctx context.Context) ([]domain.Job, error) {
	if o.archive == nil {
		return []domain.Job{}, nil
	}
	return o.archive.ListJobs(ctx)
}

// Subscribe streams events for one job.
func (o *Orchestrator) Subscribe(jobID domain.JobID) (<-chan Event, func()) {
	return o.bus.Subscribe(jobID)
}

// Uploads exposes the upload store to the HTTP layer.
func (o *Orchestrator) Uploads() *UploadStore {
	return o.uploads
}

// ActiveExecutions returns how many executions are being monitored.
func (o *Orchestrator) ActiveExecutions() int {
	return o.executions.Len()
}

// Wait blocks until every monitor has finalized its job or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.monitors.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) save(ctx context.Context, job domain.Job) {
	if o.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()
	if err := o.archive.SaveJob(ctx, job); err != nil {
		o.logger.Error("failed to archive job", "job_id", job.ID, "error", err)
	}
}
