package domain

// ExecutionID references a live execution in the execution table.
// Jobs hold the id, never the handle itself.
type ExecutionID string

// ExitCodeUnknown marks an execution whose exit status could not be read.
const ExitCodeUnknown = -1

// ExecutionSpec describes one container invocation.
type ExecutionSpec struct {
	Image      string            `json:"image"`
	Args       []string          `json:"args"`
	UploadsDir string            `json:"uploads_dir"`
	MountPath  string            `json:"mount_path"`
	Labels     map[string]string `json:"labels"`
}

// ProgressEvent is one parsed "Steps: <current>/<total> [<title>]" line.
type ProgressEvent struct {
	CurrentStep int
	TotalSteps  int
	Title       string
}

// Label keys set on every container started for a job.
const (
	LabelJobID    = "labrunner.job_id"
	LabelPipeline = "labrunner.pipeline"
)
