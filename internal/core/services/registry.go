package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/manthysbr/labrunner/internal/core/domain"
	"gopkg.in/yaml.v3"
)

// EntrypointDeclaration must appear in a pipeline's build descriptor.
const EntrypointDeclaration = "ENTRYPOINT"

// Manifest file names, in lookup order.
var manifestFiles = []string{"manifest.json", "manifest.yaml", "manifest.yml"}

// ImageBuilder is the slice of the container runtime the registry needs.
type ImageBuilder interface {
	ImageExists(ctx context.Context, ref string) (bool, error)
	BuildImage(ctx context.Context, contextDir string, ref string) error
}

type RegistryConfig struct {
	Dir             string
	BuildDescriptor string
	SkipBuild       bool
}

// PipelineRegistry is the catalog of pipelines that passed validation and
// whose image was built. It is built once and never mutated afterwards, so
// reads need no locking.
type PipelineRegistry struct {
	pipelines []domain.Pipeline
	byID      map[domain.PipelineID]domain.Pipeline
	rejected  map[domain.PipelineID]error
}

// BuildRegistry scans cfg.Dir and returns the catalog. Problems with a single
// pipeline exclude that pipeline and never abort the scan; only an unreadable
// root is an error.
func BuildRegistry(ctx context.Context, logger *slog.Logger, builder ImageBuilder, cfg RegistryConfig) (*PipelineRegistry, error) {
	r := &PipelineRegistry{
		byID:     make(map[domain.PipelineID]domain.Pipeline),
		rejected: make(map[domain.PipelineID]error),
	}

	if cfg.BuildDescriptor == "" {
		cfg.BuildDescriptor = "Dockerfile"
	}

	entries, err := os.ReadDir(cfg.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("pipelines directory not found, catalog is empty", "dir", cfg.Dir)
			return r, nil
		}
		return nil, fmt.Errorf("failed to read pipelines dir %q: %w", cfg.Dir, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := domain.PipelineID(entry.Name())
		dir := filepath.Join(cfg.Dir, entry.Name())

		pipeline, err := loadPipeline(id, dir, cfg.BuildDescriptor)
		if err != nil {
			logger.Warn("pipeline excluded", "pipeline", id, "error", err)
			r.rejected[id] = err
			continue
		}

		if cfg.SkipBuild {
			exists, err := builder.ImageExists(ctx, pipeline.ImageRef)
			if err != nil || !exists {
				logger.Warn("pipeline image not present, runs will fail until it is built",
					"pipeline", id, "image", pipeline.ImageRef, "error", err)
			}
		} else {
			logger.Info("building pipeline image", "pipeline", id, "image", pipeline.ImageRef)
			if err := builder.BuildImage(ctx, dir, pipeline.ImageRef); err != nil {
				buildErr := &domain.BuildError{Pipeline: id, Image: pipeline.ImageRef, Err: err}
				logger.Error("pipeline excluded", "pipeline", id, "error", buildErr)
				r.rejected[id] = buildErr
				continue
			}
		}

		r.pipelines = append(r.pipelines, pipeline)
		r.byID[id] = pipeline
		logger.Info("pipeline registered", "pipeline", id, "image", pipeline.ImageRef)
	}

	sort.Slice(r.pipelines, func(i, j int) bool { return r.pipelines[i].ID < r.pipelines[j].ID })
	if len(r.pipelines) == 0 {
		logger.Warn("no pipelines available", "dir", cfg.Dir)
	}
	return r, nil
}

// loadPipeline applies the compliance check and reads the optional manifest.
func loadPipeline(id domain.PipelineID, dir, descriptor string) (domain.Pipeline, error) {
	data, err := os.ReadFile(filepath.Join(dir, descriptor))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.Pipeline{}, &domain.ValidationError{Pipeline: id, Reason: "missing " + descriptor}
		}
		return domain.Pipeline{}, &domain.ValidationError{Pipeline: id, Reason: fmt.Sprintf("unreadable %s: %v", descriptor, err)}
	}
	if !strings.Contains(string(data), EntrypointDeclaration) {
		return domain.Pipeline{}, &domain.ValidationError{Pipeline: id, Reason: descriptor + " declares no " + EntrypointDeclaration}
	}

	metadata, err := loadManifest(dir)
	if err != nil {
		return domain.Pipeline{}, fmt.Errorf("pipeline %s: %w", id, err)
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["id"] = string(id)

	image := domain.DefaultImageRef(id)
	if name, ok := metadata["image_name"].(string); ok && strings.TrimSpace(name) != "" {
		image = strings.TrimSpace(name)
	}

	return domain.Pipeline{
		ID:       id,
		ImageRef: image,
		Metadata: metadata,
		Dir:      dir,
	}, nil
}

// loadManifest returns nil metadata when no manifest is present.
func loadManifest(dir string) (map[string]any, error) {
	for _, name := range manifestFiles {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}

		var metadata map[string]any
		if strings.HasSuffix(name, ".json") {
			err = json.Unmarshal(data, &metadata)
		} else {
			err = yaml.Unmarshal(data, &metadata)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", name, err)
		}
		return metadata, nil
	}
	return nil, nil
}

// List returns the catalog sorted by id. The slice is shared; callers must
// not modify it.
func (r *PipelineRegistry) List() []domain.Pipeline {
	return r.pipelines
}

func (r *PipelineRegistry) Get(id domain.PipelineID) (domain.Pipeline, error) {
	p, ok := r.byID[id]
	if !ok {
		return domain.Pipeline{}, domain.ErrPipelineNotFound
	}
	return p, nil
}

// Rejected returns why each excluded pipeline was left out of the catalog.
func (r *PipelineRegistry) Rejected() map[domain.PipelineID]error {
	out := make(map[domain.PipelineID]error, len(r.rejected))
	for id, err := range r.rejected {
		out[id] = err
	}
	return out
}
