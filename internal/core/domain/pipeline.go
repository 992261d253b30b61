package domain

// PipelineID is the pipeline's directory name under the pipelines root.
type PipelineID string

// Pipeline is a validated, built, containerized analysis unit.
// Descriptors are created once at startup and never mutated.
type Pipeline struct {
	ID       PipelineID     `json:"id"`
	ImageRef string         `json:"image"`
	Metadata map[string]any `json:"metadata"`
	Dir      string         `json:"-"`
}

// DefaultImageRef derives the image tag used when a manifest does not name one.
func DefaultImageRef(id PipelineID) string {
	return string(id) + "-image"
}
