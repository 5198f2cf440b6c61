// Package session persists run snapshots so an interrupted harvest can be
// resumed later.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mediaharvest/harvester/internal/harvest"
)

var validRunID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// FileStoreConfig controls the JSON file snapshot store.
type FileStoreConfig struct {
	// Dir is the directory snapshots are written to, one file per run.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// FileStore keeps one pretty-printed JSON file per run under Dir.
type FileStore struct {
	dir string
}

// NewFileStore creates the snapshot directory when missing.
func NewFileStore(cfg FileStoreConfig) (*FileStore, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("session directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	return &FileStore{dir: cfg.Dir}, nil
}

// Save writes the snapshot atomically. A crash mid-save leaves the previous
// snapshot intact.
func (s *FileStore) Save(_ context.Context, snap harvest.Snapshot) error {
	if !validRunID.MatchString(snap.RunID) {
		return fmt.Errorf("invalid run id %q", snap.RunID)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	final := s.path(snap.RunID)
	tmp, err := os.CreateTemp(s.dir, "snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close snapshot temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot for a run.
func (s *FileStore) Load(_ context.Context, runID string) (harvest.Snapshot, error) {
	if !validRunID.MatchString(runID) {
		return harvest.Snapshot{}, fmt.Errorf("invalid run id %q", runID)
	}
	data, err := os.ReadFile(s.path(runID))
	if err != nil {
		return harvest.Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	var snap harvest.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return harvest.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

// List returns the run IDs that have a saved snapshot.
func (s *FileStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read session directory: %w", err)
	}
	var runs []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "run-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		runs = append(runs, strings.TrimSuffix(strings.TrimPrefix(name, "run-"), ".json"))
	}
	return runs, nil
}

func (s *FileStore) path(runID string) string {
	return filepath.Join(s.dir, "run-"+runID+".json")
}
