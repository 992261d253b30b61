package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the labrunner kernel.
type Config struct {
	Server    ServerConfig
	Pipelines PipelinesConfig
	Uploads   UploadsConfig
	Archive   ArchiveConfig
	LogLevel  slog.Level
}

type ServerConfig struct {
	Addr            string
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

type PipelinesConfig struct {
	// Dir is the pipelines root; each immediate subdirectory is a candidate.
	Dir string
	// BuildDescriptor is the file that must exist in every pipeline directory.
	BuildDescriptor string
	// SkipBuild trusts existing images instead of building at startup.
	SkipBuild bool
}

type UploadsConfig struct {
	// Dir is the host directory bind-mounted into every execution.
	Dir string
	// MountPath is where Dir appears inside the container.
	MountPath string
	MaxBytes  int64
}

type ArchiveConfig struct {
	// DBPath is the DuckDB file; empty means in-memory.
	DBPath string
}

// Load reads configuration from environment variables and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:            envString("LABRUNNER_HTTP_ADDR", ":8080"),
			AllowedOrigins:  envList("LABRUNNER_CORS_ORIGINS", []string{"http://localhost:5173"}),
			ShutdownTimeout: envDuration("LABRUNNER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Pipelines: PipelinesConfig{
			Dir:             envString("LABRUNNER_PIPELINES_DIR", "./pipelines"),
			BuildDescriptor: envString("LABRUNNER_BUILD_DESCRIPTOR", "Dockerfile"),
			SkipBuild:       envBool("LABRUNNER_SKIP_BUILD", false),
		},
		Uploads: UploadsConfig{
			Dir:       envString("LABRUNNER_UPLOADS_DIR", "./uploads"),
			MountPath: envString("LABRUNNER_CONTAINER_UPLOADS", "/uploads"),
			MaxBytes:  int64(envInt("LABRUNNER_MAX_UPLOAD_MB", 512)) << 20,
		},
		Archive: ArchiveConfig{
			DBPath: envString("LABRUNNER_DB_PATH", "labrunner.db"),
		},
		LogLevel: envLevel("LABRUNNER_LOG_LEVEL", slog.LevelInfo),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required values and resolves directories to absolute
// paths, which the container runtime requires for bind mounts.
func (c *Config) Validate() error {
	if c.Pipelines.Dir == "" {
		return fmt.Errorf("LABRUNNER_PIPELINES_DIR is required")
	}
	if c.Uploads.Dir == "" {
		return fmt.Errorf("LABRUNNER_UPLOADS_DIR is required")
	}
	if c.Pipelines.BuildDescriptor == "" || strings.ContainsRune(c.Pipelines.BuildDescriptor, filepath.Separator) {
		return fmt.Errorf("LABRUNNER_BUILD_DESCRIPTOR must be a plain file name, got %q", c.Pipelines.BuildDescriptor)
	}
	if !strings.HasPrefix(c.Uploads.MountPath, "/") {
		return fmt.Errorf("LABRUNNER_CONTAINER_UPLOADS must be an absolute container path, got %q", c.Uploads.MountPath)
	}
	if c.Uploads.MaxBytes <= 0 {
		return fmt.Errorf("LABRUNNER_MAX_UPLOAD_MB must be positive")
	}

	var err error
	if c.Pipelines.Dir, err = filepath.Abs(c.Pipelines.Dir); err != nil {
		return fmt.Errorf("resolve pipelines dir: %w", err)
	}
	if c.Uploads.Dir, err = filepath.Abs(c.Uploads.Dir); err != nil {
		return fmt.Errorf("resolve uploads dir: %w", err)
	}
	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envLevel(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(v)); err != nil {
		return defaultVal
	}
	return lvl
}
