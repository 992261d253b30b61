package domain

import (
	"time"
)

type JobID string

type JobState string

const (
	JobStateUploaded  JobState = "uploaded"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateError     JobState = "error"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateError
}

// Progress is the last structured progress reported by an execution.
type Progress struct {
	CurrentStep int    `json:"current_step"`
	TotalSteps  int    `json:"total_steps"`
	Percent     int    `json:"percent"`
	StatusText  string `json:"status_text"`
}

// Job is one user-initiated unit of work: a set of uploaded inputs,
// optionally bound to a pipeline and a live execution.
type Job struct {
	ID          JobID        `json:"id"`
	InputPaths  []string     `json:"input_paths"`
	PipelineID  PipelineID   `json:"pipeline_id,omitempty"`
	State       JobState     `json:"state"`
	Progress    Progress     `json:"progress"`
	ExecutionID *ExecutionID `json:"execution_id,omitempty"`
	ExitCode    *int         `json:"exit_code,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	FinishedAt  *time.Time   `json:"finished_at,omitempty"`
}

// Clone returns a deep copy safe to hand out of the job store.
func (j Job) Clone() Job {
	cp := j
	cp.InputPaths = append([]string(nil), j.InputPaths...)
	if j.ExecutionID != nil {
		id := *j.ExecutionID
		cp.ExecutionID = &id
	}
	if j.ExitCode != nil {
		code := *j.ExitCode
		cp.ExitCode = &code
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		cp.FinishedAt = &t
	}
	return cp
}

// JobStatus is the read-only projection served to status queries.
type JobStatus struct {
	ID         JobID      `json:"id"`
	State      JobState   `json:"state"`
	PipelineID PipelineID `json:"pipeline_id,omitempty"`
	Progress   Progress   `json:"progress"`
}

// Status projects the job onto its externally visible status.
func (j Job) Status() JobStatus {
	return JobStatus{
		ID:         j.ID,
		State:      j.State,
		PipelineID: j.PipelineID,
		Progress:   j.Progress,
	}
}
