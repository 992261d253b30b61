package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrJobNotFound      = fmt.Errorf("job %w", ErrNotFound)
	ErrPipelineNotFound = fmt.Errorf("pipeline %w", ErrNotFound)
	ErrConflict         = errors.New("job is not eligible for a new run")
	ErrImageNotFound    = errors.New("pipeline image not found")
	ErrInvalidInput     = errors.New("invalid job input")
)

// ValidationError reports a pipeline directory that failed the compliance check.
type ValidationError struct {
	Pipeline PipelineID
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("pipeline %s failed validation: %s", e.Pipeline, e.Reason)
}

// BuildError reports a failed image build for a pipeline.
type BuildError struct {
	Pipeline PipelineID
	Image    string
	Err      error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("pipeline %s: build of image %s failed: %v", e.Pipeline, e.Image, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// LaunchError reports that the container runtime could not start an execution.
// The job it was launched for is left in its prior state.
type LaunchError struct {
	Job      JobID
	Pipeline PipelineID
	Err      error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch of pipeline %s for job %s failed: %v", e.Pipeline, e.Job, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }
