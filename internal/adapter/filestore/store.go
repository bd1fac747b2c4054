// Package filestore implements the checkpoint store port as a single JSON
// file written atomically via temp-file rename.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Strob0t/PipeForge/internal/port/statestore"
)

// Store persists checkpoint state to one JSON file.
type Store struct {
	path string
}

// New creates a Store writing to the given path. Parent directories are
// created on first save.
func New(path string) *Store {
	return &Store{path: path}
}

// Load reads and validates the persisted state. A missing file returns
// statestore.ErrNotFound; an unreadable or inconsistent file returns an error
// wrapping statestore.ErrCorrupt so resume can refuse to proceed.
func (s *Store) Load(_ context.Context) (*statestore.State, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, statestore.ErrNotFound
		}
		return nil, fmt.Errorf("read checkpoint %s: %w", s.path, err)
	}

	var st statestore.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %v: %w", s.path, err, statestore.ErrCorrupt)
	}
	if st.Milestones == nil {
		st.Milestones = make(map[int]*statestore.MilestoneState)
	}
	if err := st.Validate(); err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", s.path, err)
	}

	return &st, nil
}

// Save persists the state atomically: write to a temp file in the same
// directory, fsync, then rename over the target.
func (s *Store) Save(_ context.Context, st *statestore.State) error {
	st.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".checkpoint-*.json")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp checkpoint: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}
