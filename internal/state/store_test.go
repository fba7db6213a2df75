package state

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/smileynet/pipecheck/internal/harness"
	"github.com/smileynet/pipecheck/internal/schedule"
	"github.com/smileynet/pipecheck/internal/session"
)

func TestFileStore_SaveAndLoad(t *testing.T) {
	// Given a state to persist
	dir := t.TempDir()
	store := NewFileStore(filepath.Join(dir, "sessions"))

	st := session.State{
		ID:     "0b7c1f2e-run",
		Suites: []string{"suites/pipeline.yaml"},
		Groups: []session.GroupResult{
			{Group: "TestMyPipeline", Status: session.GroupPassed, Report: &harness.Report{
				Group:    "TestMyPipeline",
				Outcomes: []harness.Outcome{{Step: "pipeline", Kind: schedule.PipelineStep, Status: harness.StatusPassed}},
			}},
			{Group: "TestOther", Status: session.GroupPending},
		},
		StartedAt: time.Now().Truncate(time.Second),
		Status:    session.StatusRunning,
	}

	// When Save is called
	if err := store.Save(st); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// Then Load returns the same state
	loaded, found, err := store.Load("0b7c1f2e-run")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !found {
		t.Fatal("Load() found = false, want true")
	}
	if loaded.ID != st.ID {
		t.Errorf("ID = %q, want %q", loaded.ID, st.ID)
	}
	if len(loaded.Groups) != 2 {
		t.Fatalf("Groups len = %d, want 2", len(loaded.Groups))
	}
	if loaded.Groups[0].Report == nil || len(loaded.Groups[0].Report.Outcomes) != 1 {
		t.Errorf("Report = %+v, want one outcome", loaded.Groups[0].Report)
	}
	if loaded.Status != session.StatusRunning {
		t.Errorf("Status = %q, want %q", loaded.Status, session.StatusRunning)
	}
	if !loaded.StartedAt.Equal(st.StartedAt) {
		t.Errorf("StartedAt = %v, want %v", loaded.StartedAt, st.StartedAt)
	}
	if _, err := os.Stat(filepath.Join(dir, "sessions", "0b7c1f2e-run.json.tmp")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("temporary file left behind: %v", err)
	}
}

func TestFileStore_LoadNotFound(t *testing.T) {
	// Given an empty store
	store := NewFileStore(t.TempDir())

	// When Load is called for a nonexistent ID
	_, found, err := store.Load("nonexistent")

	// Then it returns not found
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if found {
		t.Error("Load() found = true, want false")
	}
}

func TestFileStore_LoadCorrupt(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, _, err := NewFileStore(dir).Load("bad")

	if err == nil {
		t.Error("Load() of corrupt file should fail")
	}
}

func TestFileStore_Remove(t *testing.T) {
	// Given a saved state
	store := NewFileStore(t.TempDir())
	if err := store.Save(session.State{ID: "r1", Status: session.StatusPassed}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// When Remove is called
	if err := store.Remove("r1"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}

	// Then Load returns not found
	_, found, _ := store.Load("r1")
	if found {
		t.Error("Load() found = true after Remove, want false")
	}

	// And removing again is not an error
	if err := store.Remove("r1"); err != nil {
		t.Errorf("Remove(missing) error = %v, want nil", err)
	}
}

func TestFileStore_ListAndLatest(t *testing.T) {
	// Given sessions saved out of start order plus a stray file
	dir := t.TempDir()
	store := NewFileStore(dir)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, id := range []string{"middle", "newest", "oldest"} {
		offset := map[string]time.Duration{"oldest": 0, "middle": time.Minute, "newest": 2 * time.Minute}[id]
		if err := store.Save(session.State{ID: id, StartedAt: base.Add(offset), Status: session.StatusPassed}); err != nil {
			t.Fatalf("Save(%d) error = %v", i, err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	// When listed
	states, err := store.List()

	// Then newest comes first and non-state files are ignored
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	var ids []string
	for _, s := range states {
		ids = append(ids, s.ID)
	}
	if len(ids) != 3 || ids[0] != "newest" || ids[2] != "oldest" {
		t.Errorf("List() ids = %v, want [newest middle oldest]", ids)
	}
	latest, err := store.Latest()
	if err != nil || latest.ID != "newest" {
		t.Errorf("Latest() = (%q, %v), want newest", latest.ID, err)
	}
}

func TestFileStore_LatestEmpty(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "missing"))

	_, err := store.Latest()

	if !errors.Is(err, ErrEmpty) {
		t.Errorf("Latest() error = %v, want ErrEmpty", err)
	}
}

func TestFileStore_PathTraversal(t *testing.T) {
	store := NewFileStore(t.TempDir())

	tests := []struct {
		name string
		id   string
	}{
		{name: "parent traversal", id: "../../etc/passwd"},
		{name: "slash in id", id: "foo/bar"},
		{name: "empty id", id: ""},
		{name: "dot dot", id: ".."},
		{name: "current dir", id: "."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// When Save is called with an invalid ID
			err := store.Save(session.State{ID: tt.id})

			// Then it returns ErrInvalidID
			if !errors.Is(err, ErrInvalidID) {
				t.Errorf("Save(%q) error = %v, want ErrInvalidID", tt.id, err)
			}

			// When Load is called
			_, _, err = store.Load(tt.id)

			// Then it returns ErrInvalidID
			if !errors.Is(err, ErrInvalidID) {
				t.Errorf("Load(%q) error = %v, want ErrInvalidID", tt.id, err)
			}

			// When Remove is called
			err = store.Remove(tt.id)

			// Then it returns ErrInvalidID
			if !errors.Is(err, ErrInvalidID) {
				t.Errorf("Remove(%q) error = %v, want ErrInvalidID", tt.id, err)
			}
		})
	}
}
