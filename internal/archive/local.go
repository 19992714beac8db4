package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalArchive copies backups into a directory on the receiver host.
type LocalArchive struct {
	baseDir string
}

func NewLocalArchive(baseDir string) *LocalArchive {
	if baseDir == "" {
		baseDir = "."
	}
	return &LocalArchive{baseDir: baseDir}
}

func (a *LocalArchive) Store(ctx context.Context, name string, r io.Reader) (string, error) {
	path := filepath.Join(a.baseDir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}

	// Write to a temp name and rename so a crash mid-copy never leaves a
	// half-written file under the final name.
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmpPath)

	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write archive data: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("failed to finalize archive file: %w", err)
	}
	return path, nil
}

func (a *LocalArchive) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(a.baseDir, name))
}

func (a *LocalArchive) Delete(ctx context.Context, name string) error {
	return os.Remove(filepath.Join(a.baseDir, name))
}

func (a *LocalArchive) Location() string {
	return a.baseDir
}
