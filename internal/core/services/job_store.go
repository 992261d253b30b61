package services

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/manthysbr/labrunner/internal/core/domain"
)

// maxStatusText bounds the diagnostic recorded on a failed job.
const maxStatusText = 250

// JobStore is the in-memory table of job records. A single mutex guards the
// whole table; every read returns a copy taken under that mutex.
type JobStore struct {
	mu        sync.Mutex
	jobs      map[domain.JobID]*domain.Job
	launching map[domain.JobID]struct{}
	now       func() time.Time
	newID     func() string
}

func NewJobStore() *JobStore {
	return &JobStore{
		jobs:      make(map[domain.JobID]*domain.Job),
		launching: make(map[domain.JobID]struct{}),
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}
}

// Create stores a new job in state uploaded and returns a snapshot of it.
// Ids are never reused: records are never removed from the table.
func (s *JobStore) Create(inputPaths []string) domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := domain.JobID(s.newID())
	for {
		if _, taken := s.jobs[id]; !taken {
			break
		}
		id = domain.JobID(s.newID())
	}
	return s.insert(id, inputPaths)
}

// CreateWithID stores a new job under an id chosen by the caller, for inputs
// that were saved under that id before the job existed.
func (s *JobStore) CreateWithID(id domain.JobID, inputPaths []string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.jobs[id]; taken || id == "" {
		return domain.Job{}, domain.ErrConflict
	}
	return s.insert(id, inputPaths), nil
}

// NewID returns a fresh id that no stored job uses.
func (s *JobStore) NewID() domain.JobID {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		id := domain.JobID(s.newID())
		if _, taken := s.jobs[id]; !taken {
			return id
		}
	}
}

func (s *JobStore) insert(id domain.JobID, inputPaths []string) domain.Job {
	now := s.now()
	job := &domain.Job{
		ID:         id,
		InputPaths: append([]string(nil), inputPaths...),
		State:      domain.JobStateUploaded,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.jobs[id] = job
	return job.Clone()
}

func (s *JobStore) Get(id domain.JobID) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return job.Clone(), nil
}

// List returns snapshots of all jobs, oldest first.
func (s *JobStore) List() []domain.Job {
	s.mu.Lock()
	out := make([]domain.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// BeginLaunch reserves the job for a single launch attempt. While reserved,
// further reservations fail with ErrConflict. The reservation does not
// change the visible state.
func (s *JobStore) BeginLaunch(id domain.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if job.State != domain.JobStateUploaded {
		return domain.ErrConflict
	}
	if _, busy := s.launching[id]; busy {
		return domain.ErrConflict
	}
	s.launching[id] = struct{}{}
	return nil
}

// AbortLaunch drops a reservation after a failed launch, leaving the job
// exactly as it was.
func (s *JobStore) AbortLaunch(id domain.JobID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.launching, id)
}

// TransitionToRunning binds the job to its pipeline and execution.
func (s *JobStore) TransitionToRunning(id domain.JobID, pipelineID domain.PipelineID, execID domain.ExecutionID) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrJobNotFound
	}
	if job.State == domain.JobStateRunning || job.State.IsTerminal() {
		return domain.Job{}, domain.ErrConflict
	}
	delete(s.launching, id)

	now := s.now()
	job.PipelineID = pipelineID
	job.ExecutionID = &execID
	job.State = domain.JobStateRunning
	job.StartedAt = &now
	job.UpdatedAt = now
	return job.Clone(), nil
}

// UpdateProgress applies one progress event. It reports whether the record
// changed; updates for jobs that are not running are dropped.
func (s *JobStore) UpdateProgress(id domain.JobID, current, total int, title string) (domain.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.State != domain.JobStateRunning {
		return domain.Job{}, false
	}

	percent := percentOf(current, total)
	if percent < job.Progress.Percent {
		percent = job.Progress.Percent
	}

	job.Progress = domain.Progress{
		CurrentStep: current,
		TotalSteps:  total,
		Percent:     percent,
		StatusText:  title,
	}
	job.UpdatedAt = s.now()
	return job.Clone(), true
}

// Finalize moves a running job to its terminal state and clears its
// execution reference. It applies at most once per job.
func (s *JobStore) Finalize(id domain.JobID, exitCode int, stderrTail string) (domain.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok || job.State != domain.JobStateRunning {
		return domain.Job{}, false
	}

	now := s.now()
	code := exitCode
	job.ExitCode = &code
	job.ExecutionID = nil
	job.FinishedAt = &now
	job.UpdatedAt = now

	if exitCode == 0 {
		job.State = domain.JobStateCompleted
		job.Progress.Percent = 100
		job.Progress.StatusText = "Completed"
	} else {
		job.State = domain.JobStateError
		job.Progress.StatusText = failureSummary(exitCode, stderrTail)
	}
	return job.Clone(), true
}

func percentOf(current, total int) int {
	if total <= 0 || current <= 0 {
		return 0
	}
	p := int(int64(current) * 100 / int64(total))
	if p > 100 {
		return 100
	}
	return p
}

// failureSummary condenses the stderr tail into at most maxStatusText
// characters, keeping the end where the error usually is.
func failureSummary(exitCode int, tail string) string {
	tail = strings.TrimSpace(tail)
	if tail == "" {
		if exitCode == domain.ExitCodeUnknown {
			return "Pipeline execution ended without a readable exit status"
		}
		return fmt.Sprintf("Pipeline exited with code %d", exitCode)
	}

	runes := []rune(tail)
	if len(runes) <= maxStatusText {
		return tail
	}
	return "..." + string(runes[len(runes)-(maxStatusText-3):])
}
