package services

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/manthysbr/labrunner/internal/core/domain"
)

// UploadStore saves uploaded files into the shared uploads directory, the
// one directory every execution sees at its mount path.
type UploadStore struct {
	baseDir string
}

func NewUploadStore(baseDir string) (*UploadStore, error) {
	s := &UploadStore{baseDir: baseDir}
	if err := s.ensureDir(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *UploadStore) ensureDir() error {
	if err := os.MkdirAll(s.baseDir, 0777); err != nil {
		return fmt.Errorf("failed to create uploads dir: %w", err)
	}
	// Containers may run as a different uid and write results next to inputs.
	if err := os.Chmod(s.baseDir, 0777); err != nil {
		return fmt.Errorf("failed to chmod uploads dir: %w", err)
	}
	return nil
}

// Dir returns the absolute uploads directory.
func (s *UploadStore) Dir() string {
	return s.baseDir
}

// Save writes r as "<prefix>_<name>" and returns the absolute path.
// The original name is reduced to its base name first.
func (s *UploadStore) Save(prefix string, name string, r io.Reader) (string, error) {
	clean := SanitizeFilename(name)
	if clean == "" {
		return "", fmt.Errorf("%w: empty file name", domain.ErrInvalidInput)
	}

	path := filepath.Join(s.baseDir, prefix+"_"+clean)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to create upload file: %w", err)
	}

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("failed writing upload file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("failed closing upload file: %w", err)
	}
	return path, nil
}

// Remove deletes files saved for a request that did not produce a job.
func (s *UploadStore) Remove(paths ...string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}

// RelativePath returns path relative to the uploads directory, with forward
// slashes. Paths outside the directory are rejected.
func (s *UploadStore) RelativePath(path string) (string, error) {
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("%w: %q is not absolute", domain.ErrInvalidInput, path)
	}
	rel, err := filepath.Rel(s.baseDir, filepath.Clean(path))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q is outside the uploads directory", domain.ErrInvalidInput, path)
	}
	return filepath.ToSlash(rel), nil
}

// SanitizeFilename strips directory components and characters that are
// unsafe in a container argument.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	return out
}
