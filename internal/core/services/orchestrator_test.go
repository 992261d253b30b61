package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/manthysbr/labrunner/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockArchive struct {
	mock.Mock
	mu    sync.Mutex
	saved []domain.Job
}

func (m *MockArchive) SaveJob(ctx context.Context, job domain.Job) error {
	m.mu.Lock()
	m.saved = append(m.saved, job)
	m.mu.Unlock()
	return m.Called(ctx, job).Error(0)
}

func (m *MockArchive) GetJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(domain.Job), args.Error(1)
}

func (m *MockArchive) ListJobs(ctx context.Context) ([]domain.Job, error) {
	args := m.Called(ctx)
	return args.Get(0).([]domain.Job), args.Error(1)
}

func (m *MockArchive) States() []domain.JobState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.JobState, len(m.saved))
	for i, j := range m.saved {
		out[i] = j.State
	}
	return out
}

type orchestratorFixture struct {
	orch    *Orchestrator
	runtime *MockRuntime
	archive *MockArchive
	uploads *UploadStore
	cancel  context.CancelFunc
}

func newOrchestratorFixture(t *testing.T) *orchestratorFixture {
	t.Helper()
	logger := testLogger()

	root := t.TempDir()
	writePipeline(t, root, "p1", map[string]string{"Dockerfile": validDockerfile})

	rt := new(MockRuntime)
	rt.On("BuildImage", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	reg, err := BuildRegistry(context.Background(), logger, rt, RegistryConfig{Dir: root})
	require.NoError(t, err)

	uploads, err := NewUploadStore(filepath.Join(t.TempDir(), "uploads"))
	require.NoError(t, err)

	archive := new(MockArchive)
	archive.On("SaveJob", mock.Anything, mock.Anything).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	orch := NewOrchestrator(ctx, logger, reg, NewJobStore(), NewExecutionTable(),
		NewExecutionLauncher(logger, rt, uploads.Dir(), "/uploads"),
		uploads, NewEventBus(logger), archive)

	return &orchestratorFixture{orch: orch, runtime: rt, archive: archive, uploads: uploads, cancel: cancel}
}

func (f *orchestratorFixture) upload(t *testing.T, name string) string {
	t.Helper()
	path, err := f.uploads.Save("pending", name, strings.NewReader("a,b\n1,2\n"))
	require.NoError(t, err)
	return path
}

func (f *orchestratorFixture) waitMonitors(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.orch.Wait(ctx))
}

func TestOrchestrator_RunToCompletion(t *testing.T) {
	f := newOrchestratorFixture(t)
	exec := newFakeExecution("c-1")
	f.runtime.On("ImageExists", mock.Anything, "p1-image").Return(true, nil)
	f.runtime.On("Start", mock.Anything, mock.Anything).Return(exec, nil)

	input := f.upload(t, "sales.csv")
	jobID, err := f.orch.CreateJob(context.Background(), []string{input})
	require.NoError(t, err)

	status, err := f.orch.GetJobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateUploaded, status.State)

	require.NoError(t, f.orch.RunJob(context.Background(), jobID, "p1"))

	status, _ = f.orch.GetJobStatus(jobID)
	assert.Equal(t, domain.JobStateRunning, status.State)
	assert.Equal(t, domain.PipelineID("p1"), status.PipelineID)
	assert.Equal(t, 1, f.orch.ActiveExecutions())

	spec := f.runtime.Calls[len(f.runtime.Calls)-1].Arguments.Get(1).(domain.ExecutionSpec)
	assert.Equal(t, []string{"/uploads/pending_sales.csv"}, spec.Args)

	exec.Emit("Steps: 1/2 [Half]")
	require.Eventually(t, func() bool {
		s, _ := f.orch.GetJobStatus(jobID)
		return s.Progress.Percent == 50
	}, 2*time.Second, 10*time.Millisecond)

	exec.Exit(0)
	f.waitMonitors(t)

	status, _ = f.orch.GetJobStatus(jobID)
	assert.Equal(t, domain.JobStateCompleted, status.State)
	assert.Equal(t, 100, status.Progress.Percent)
	assert.Equal(t, 0, f.orch.ActiveExecutions())

	// A finished job cannot be run again.
	assert.ErrorIs(t, f.orch.RunJob(context.Background(), jobID, "p1"), domain.ErrConflict)

	assert.Equal(t, []domain.JobState{
		domain.JobStateUploaded,
		domain.JobStateRunning,
		domain.JobStateCompleted,
	}, f.archive.States())
}

func TestOrchestrator_RunJobErrors(t *testing.T) {
	f := newOrchestratorFixture(t)
	jobID, err := f.orch.CreateJob(context.Background(), []string{f.upload(t, "a.csv")})
	require.NoError(t, err)

	assert.ErrorIs(t, f.orch.RunJob(context.Background(), "missing", "p1"), domain.ErrJobNotFound)
	assert.ErrorIs(t, f.orch.RunJob(context.Background(), jobID, "nope"), domain.ErrPipelineNotFound)

	status, _ := f.orch.GetJobStatus(jobID)
	assert.Equal(t, domain.JobStateUploaded, status.State)
}

func TestOrchestrator_LaunchFailureLeavesJobUploaded(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.runtime.On("ImageExists", mock.Anything, "p1-image").Return(false, nil).Once()

	jobID, err := f.orch.CreateJob(context.Background(), []string{f.upload(t, "a.csv")})
	require.NoError(t, err)

	err = f.orch.RunJob(context.Background(), jobID, "p1")
	assert.ErrorIs(t, err, domain.ErrImageNotFound)

	job, _ := f.orch.GetJob(jobID)
	assert.Equal(t, domain.JobStateUploaded, job.State)
	assert.Nil(t, job.ExecutionID)
	assert.Empty(t, job.PipelineID)

	// The job can be retried once the image exists.
	exec := newFakeExecution("c-2")
	f.runtime.On("ImageExists", mock.Anything, "p1-image").Return(true, nil)
	f.runtime.On("Start", mock.Anything, mock.Anything).Return(exec, nil)
	require.NoError(t, f.orch.RunJob(context.Background(), jobID, "p1"))

	exec.Exit(3)
	f.waitMonitors(t)
	status, _ := f.orch.GetJobStatus(jobID)
	assert.Equal(t, domain.JobStateError, status.State)
	assert.Equal(t, "Pipeline exited with code 3", status.Progress.StatusText)
}

func TestOrchestrator_ConcurrentRunsLaunchOnce(t *testing.T) {
	f := newOrchestratorFixture(t)
	exec := newFakeExecution("c-1")
	f.runtime.On("ImageExists", mock.Anything, mock.Anything).Return(true, nil)
	f.runtime.On("Start", mock.Anything, mock.Anything).Return(exec, nil).Once()

	jobID, err := f.orch.CreateJob(context.Background(), []string{f.upload(t, "a.csv")})
	require.NoError(t, err)

	const callers = 20
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.orch.RunJob(context.Background(), jobID, "p1")
		}(i)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrConflict):
			conflicts++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, callers-1, conflicts)
	f.runtime.AssertNumberOfCalls(t, "Start", 1)

	exec.Exit(0)
	f.waitMonitors(t)
}

func TestOrchestrator_CreateJobValidation(t *testing.T) {
	f := newOrchestratorFixture(t)

	_, err := f.orch.CreateJob(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.orch.CreateJob(context.Background(), []string{"/etc/passwd"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.orch.CreateJob(context.Background(), []string{"relative.csv"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	assert.Empty(t, f.orch.ListJobs())
}

func TestOrchestrator_ListJobsByState(t *testing.T) {
	f := newOrchestratorFixture(t)
	exec := newFakeExecution("c-1")
	f.runtime.On("ImageExists", mock.Anything, mock.Anything).Return(true, nil)
	f.runtime.On("Start", mock.Anything, mock.Anything).Return(exec, nil)

	idle, err := f.orch.CreateJob(context.Background(), []string{f.upload(t, "a.csv")})
	require.NoError(t, err)
	busy, err := f.orch.CreateJob(context.Background(), []string{f.upload(t, "b.csv")})
	require.NoError(t, err)
	require.NoError(t, f.orch.RunJob(context.Background(), busy, "p1"))

	assert.Len(t, f.orch.ListJobs(), 2)

	uploaded := f.orch.ListJobs(domain.JobStateUploaded)
	require.Len(t, uploaded, 1)
	assert.Equal(t, idle, uploaded[0].ID)

	running := f.orch.ListJobs(domain.JobStateRunning, domain.JobStateCompleted)
	require.Len(t, running, 1)
	assert.Equal(t, busy, running[0].ID)

	exec.Exit(0)
	f.waitMonitors(t)
}

func TestOrchestrator_ShutdownFinalizesRunningJobs(t *testing.T) {
	f := newOrchestratorFixture(t)
	exec := newFakeExecution("c-1")
	f.runtime.On("ImageExists", mock.Anything, mock.Anything).Return(true, nil)
	f.runtime.On("Start", mock.Anything, mock.Anything).Return(exec, nil)

	jobID, err := f.orch.CreateJob(context.Background(), []string{f.upload(t, "a.csv")})
	require.NoError(t, err)
	require.NoError(t, f.orch.RunJob(context.Background(), jobID, "p1"))

	// The container keeps writing until its streams are closed under it.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			if _, err := io.WriteString(exec.stdoutW, "still working\n"); err != nil {
				return
			}
		}
	}()
	exec.Emit("Steps: 1/4 [Load]")
	require.Eventually(t, func() bool {
		s, _ := f.orch.GetJobStatus(jobID)
		return s.Progress.Percent == 25
	}, 2*time.Second, 10*time.Millisecond)

	f.cancel()
	f.waitMonitors(t)

	status, _ := f.orch.GetJobStatus(jobID)
	assert.Equal(t, domain.JobStateError, status.State)
	assert.Equal(t, 25, status.Progress.Percent)
	assert.True(t, exec.Closed())
	assert.Equal(t, 0, f.orch.ActiveExecutions())

	select {
	case <-writerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("container output was not cut off")
	}
}

func TestOrchestrator_MonitorPanicReleasesExecution(t *testing.T) {
	f := newOrchestratorFixture(t)
	exec := &brokenStdoutExecution{fakeExecution: newFakeExecution("c-1")}
	f.runtime.On("ImageExists", mock.Anything, mock.Anything).Return(true, nil)
	f.runtime.On("Start", mock.Anything, mock.Anything).Return(exec, nil)

	jobID, err := f.orch.CreateJob(context.Background(), []string{f.upload(t, "a.csv")})
	require.NoError(t, err)
	require.NoError(t, f.orch.RunJob(context.Background(), jobID, "p1"))
	f.waitMonitors(t)

	job, err := f.orch.GetJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateError, job.State)
	assert.Nil(t, job.ExecutionID)
	assert.True(t, exec.Closed())
	assert.Equal(t, 0, f.orch.ActiveExecutions())
	assert.Contains(t, f.archive.States(), domain.JobStateError)
}

func TestOrchestrator_StatusReadsStayConsistent(t *testing.T) {
	for _, exitCode := range []int{0, 1} {
		t.Run(fmt.Sprintf("exit %d", exitCode), func(t *testing.T) {
			f := newOrchestratorFixture(t)
			exec := newFakeExecution("c-1")
			f.runtime.On("ImageExists", mock.Anything, mock.Anything).Return(true, nil)
			f.runtime.On("Start", mock.Anything, mock.Anything).Return(exec, nil)

			jobID, err := f.orch.CreateJob(context.Background(), []string{f.upload(t, "a.csv")})
			require.NoError(t, err)
			require.NoError(t, f.orch.RunJob(context.Background(), jobID, "p1"))

			const readers = 8
			stop := make(chan struct{})
			problems := make(chan string, readers)
			var wg sync.WaitGroup
			for i := 0; i < readers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					last := -1
					for {
						s, err := f.orch.GetJobStatus(jobID)
						if err != nil {
							problems <- err.Error()
							return
						}
						p := s.Progress
						switch {
						case p.Percent < 0 || p.Percent > 100:
							problems <- fmt.Sprintf("percent out of range: %d", p.Percent)
							return
						case s.State == domain.JobStateRunning && p.Percent < last:
							problems <- fmt.Sprintf("percent went back from %d to %d", last, p.Percent)
							return
						case s.State == domain.JobStateCompleted && p.Percent != 100:
							problems <- fmt.Sprintf("completed at %d%%", p.Percent)
							return
						case s.State == domain.JobStateError && (p.StatusText == "" || len([]rune(p.StatusText)) > maxStatusText):
							problems <- fmt.Sprintf("bad failure summary of %d runes", len([]rune(p.StatusText)))
							return
						}
						if s.State == domain.JobStateRunning {
							last = p.Percent
						}
						select {
						case <-stop:
							return
						default:
						}
					}
				}()
			}

			const steps = 200
			for i := 1; i <= steps; i++ {
				exec.Emit(fmt.Sprintf("Steps: %d/%d [Step %d]", i, steps, i))
			}
			if exitCode != 0 {
				exec.EmitStderr(strings.Repeat("x", 1000) + "\n")
			}
			exec.Exit(exitCode)
			f.waitMonitors(t)

			close(stop)
			wg.Wait()
			close(problems)
			for p := range problems {
				t.Error(p)
			}

			status, _ := f.orch.GetJobStatus(jobID)
			if exitCode == 0 {
				assert.Equal(t, domain.JobStateCompleted, status.State)
			} else {
				assert.Equal(t, domain.JobStateError, status.State)
			}
		})
	}
}

func TestOrchestrator_History(t *testing.T) {
	f := newOrchestratorFixture(t)
	archived := []domain.Job{{ID: "old", State: domain.JobStateCompleted}}
	f.archive.On("ListJobs", mock.Anything).Return(archived, nil)

	got, err := f.orch.History(context.Background())
	require.NoError(t, err)
	assert.Equal(t, archived, got)
}

func TestOrchestrator_SubmitUploads(t *testing.T) {
	f := newOrchestratorFixture(t)

	job, err := f.orch.SubmitUploads(context.Background(), []UploadedFile{
		{Name: "sales.csv", Content: strings.NewReader("a\n")},
		{Name: "../costs.csv", Content: strings.NewReader("b\n")},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateUploaded, job.State)
	assert.Equal(t, []string{
		filepath.Join(f.uploads.Dir(), string(job.ID)+"_sales.csv"),
		filepath.Join(f.uploads.Dir(), string(job.ID)+"_costs.csv"),
	}, job.InputPaths)

	_, err = f.orch.SubmitUploads(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.orch.SubmitUploads(context.Background(), []UploadedFile{
		{Name: "ok.csv", Content: strings.NewReader("a\n")},
		{Name: "..", Content: strings.NewReader("b\n")},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Len(t, f.orch.ListJobs(), 1)

	entries, err := os.ReadDir(f.uploads.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 2, "files of a rejected submission are removed")
}
