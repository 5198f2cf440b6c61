// Package local implements a local filesystem media store.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the parameters for the local filesystem media store.
type Config struct {
	// BaseDir is the root directory where downloads are stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// MediaStore moves finished downloads into a directory tree under BaseDir.
type MediaStore struct {
	baseDir string
}

// New creates a local filesystem-backed media store. It verifies up front
// that BaseDir exists and is writable.
func New(cfg Config) (*MediaStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &MediaStore{
		baseDir: cfg.BaseDir,
	}, nil
}

// Publish moves the downloaded temp file at srcPath to relPath under BaseDir
// and returns a file:// URI. The move is a rename when both paths share a
// filesystem, so a crash never leaves a half-written final file. When relPath
// already exists the name is disambiguated with a numeric suffix.
func (s *MediaStore) Publish(_ context.Context, relPath, srcPath string) (string, error) {
	if strings.TrimSpace(relPath) == "" {
		return "", fmt.Errorf("relative path is required")
	}

	fullPath := filepath.Join(s.baseDir, relPath)

	// Verify the target stays within baseDir to prevent path traversal.
	cleanBaseDir := filepath.Clean(s.baseDir)
	cleanFullPath := filepath.Clean(fullPath)
	if !strings.HasPrefix(cleanFullPath, cleanBaseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	if err := os.MkdirAll(filepath.Dir(cleanFullPath), 0o750); err != nil {
		return "", fmt.Errorf("failed to create parent directories: %w", err)
	}

	finalPath, err := availablePath(cleanFullPath)
	if err != nil {
		return "", err
	}
	if err := move(srcPath, finalPath); err != nil {
		return "", fmt.Errorf("failed to place file: %w", err)
	}
	return fmt.Sprintf("file://%s", finalPath), nil
}

// availablePath returns path itself when free, otherwise name-1.ext,
// name-2.ext and so on.
func availablePath(path string) (string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path, nil
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for i := 1; i <= 1000; i++ {
		candidate := fmt.Sprintf("%s-%d%s", stem, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no available name for %s", path)
}

// move renames srcPath to dstPath, falling back to copy-and-delete when the
// paths are on different filesystems.
func move(srcPath, dstPath string) error {
	if err := os.Rename(srcPath, dstPath); err == nil {
		return nil
	}
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer src.Close()
	dst, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(dstPath)
		return fmt.Errorf("copy: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(dstPath)
		return fmt.Errorf("close destination: %w", err)
	}
	return os.Remove(srcPath)
}
