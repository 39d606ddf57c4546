// Package state persists the strategy snapshot with crash-atomic
// writes: serialize to a temp file, fsync, rename over the destination.
// Each symbol has exactly one process, so no locking is needed.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	apperrors "grid_trader/pkg/errors"

	"grid_trader/internal/strategy"
)

// Store is the single-writer snapshot store for one symbol.
type Store struct {
	path string
}

// NewStore creates the store, ensuring the parent directory exists.
func NewStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &Store{path: path}, nil
}

// Save writes the snapshot atomically. After any crash the file holds
// either the previous or the new state, never a partial write.
func (s *Store) Save(st *strategy.State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp state file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to rename state file: %w", err)
	}
	return nil
}

// Load reads the snapshot. A missing file returns (nil, nil): the
// engine starts fresh. A file that exists but does not parse is fatal;
// the operator must inspect it, the engine never silently resets.
func (s *Store) Load() (*strategy.State, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var st strategy.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", apperrors.ErrStateCorrupt, s.path, err)
	}
	if st.SchemaVersion != strategy.SchemaVersion {
		return nil, fmt.Errorf("%w: unsupported schema version %d", apperrors.ErrStateCorrupt, st.SchemaVersion)
	}
	return &st, nil
}

// Path returns the snapshot location.
func (s *Store) Path() string {
	return s.path
}
