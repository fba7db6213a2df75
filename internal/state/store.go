// Package state implements session state persistence to the filesystem.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/smileynet/pipecheck/internal/session"
)

// Compile-time check: FileStore satisfies session.StateStore.
var _ session.StateStore = (*FileStore)(nil)

// ErrInvalidID indicates a run ID is empty or contains path traversal components.
var ErrInvalidID = errors.New("state: invalid run ID")

// ErrEmpty is returned by Latest when no session has been saved.
var ErrEmpty = errors.New("state: no saved sessions")

// FileStore persists session state as JSON files under a base directory.
type FileStore struct {
	baseDir string
}

// NewFileStore creates a FileStore that saves state under baseDir.
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{baseDir: baseDir}
}

// Save writes the session state to a JSON file named by its run ID.
func (s *FileStore) Save(st session.State) error {
	p, err := s.path(st.ID)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		return fmt.Errorf("state: creating directory: %w", err)
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshaling: %w", err)
	}

	// Write then rename so a crash mid-write never leaves a truncated file.
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("state: writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("state: renaming %s: %w", tmp, err)
	}
	return nil
}

// Load reads session state for the given run ID.
// Returns (state, true, nil) if found, (zero, false, nil) if not found.
func (s *FileStore) Load(id string) (session.State, bool, error) {
	p, err := s.path(id)
	if err != nil {
		return session.State{}, false, err
	}

	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return session.State{}, false, nil
		}
		return session.State{}, false, fmt.Errorf("state: reading %s: %w", p, err)
	}

	var st session.State
	if err := json.Unmarshal(data, &st); err != nil {
		return session.State{}, false, fmt.Errorf("state: parsing %s: %w", p, err)
	}
	return st, true, nil
}

// Remove deletes the state file for the given run ID.
func (s *FileStore) Remove(id string) error {
	p, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("state: removing %s: %w", p, err)
	}
	return nil
}

// List returns every saved session, most recent first.
func (s *FileStore) List() ([]session.State, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("state: reading %s: %w", s.baseDir, err)
	}

	var states []session.State
	for _, e := range entries {
		id, ok := strings.CutSuffix(e.Name(), ".json")
		if !ok || e.IsDir() {
			continue
		}
		st, found, err := s.Load(id)
		if err != nil {
			return nil, err
		}
		if found {
			states = append(states, st)
		}
	}
	sort.SliceStable(states, func(i, j int) bool {
		return states[i].StartedAt.After(states[j].StartedAt)
	})
	return states, nil
}

// Latest returns the most recently started session.
func (s *FileStore) Latest() (session.State, error) {
	states, err := s.List()
	if err != nil {
		return session.State{}, err
	}
	if len(states) == 0 {
		return session.State{}, ErrEmpty
	}
	return states[0], nil
}

// path returns the filesystem path for a session state file.
// It rejects IDs that are empty, dot-segments, or contain path separators.
func (s *FileStore) path(id string) (string, error) {
	if id == "" || id == "." || id == ".." || id != filepath.Base(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return filepath.Join(s.baseDir, id+".json"), nil
}
