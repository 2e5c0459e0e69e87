// Package healthstore persists monitor snapshots so tool health survives a
// restart.
package healthstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opentalon/orchestra/internal/monitor"
)

// ErrNotFound is returned by Load when nothing has been saved yet.
var ErrNotFound = errors.New("healthstore: no snapshot saved")

type Store interface {
	Save(ctx context.Context, snap monitor.Snapshot) error
	Load(ctx context.Context) (monitor.Snapshot, error)
}

// FileStore keeps the snapshot as a JSON document on disk.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load(_ context.Context) (monitor.Snapshot, error) {
	var snap monitor.Snapshot
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return snap, ErrNotFound
		}
		return snap, fmt.Errorf("healthstore: read %s: %w", s.path, err)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("healthstore: decode %s: %w", s.path, err)
	}
	return snap, nil
}

// Save writes to a temporary file and renames it over the target so a crash
// never leaves a truncated snapshot behind.
func (s *FileStore) Save(_ context.Context, snap monitor.Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("healthstore: %w", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("healthstore: encode: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("healthstore: write: %w", err)
	}
	return os.Rename(tmp, s.path)
}
