package workdir

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestCreate(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		setup   func(m *Manager)
		wantErr error
	}{
		{name: "fresh id", id: "run1-TestMyPipeline"},
		{name: "empty id", id: "", wantErr: ErrInvalidID},
		{name: "traversal", id: "..", wantErr: ErrInvalidID},
		{name: "slash", id: "a/b", wantErr: ErrInvalidID},
		{name: "flag-like", id: "-rf", wantErr: ErrInvalidID},
		{
			name:    "existing",
			id:      "dup",
			setup:   func(m *Manager) { _, _ = m.Create("dup") },
			wantErr: ErrAlreadyExists,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given a manager under a temp base
			m := NewManager(t.TempDir())
			if tt.setup != nil {
				tt.setup(m)
			}

			// When Create is called
			dir, err := m.Create(tt.id)

			// Then it succeeds or fails with the sentinel
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Create(%q) error = %v, want %v", tt.id, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Create(%q) error = %v", tt.id, err)
			}
			if !filepath.IsAbs(dir) {
				t.Errorf("Create() = %q, want absolute path", dir)
			}
			if !m.Exists(tt.id) {
				t.Error("Exists() should be true after Create")
			}
		})
	}
}

func TestRemove(t *testing.T) {
	// Given an existing directory with content
	m := NewManager(t.TempDir())
	dir, err := m.Create("r")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "f"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	// When removed twice
	if err := m.Remove("r"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	err = m.Remove("r")

	// Then the second removal reports not found
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("second Remove() error = %v, want ErrNotFound", err)
	}
	if m.Exists("r") {
		t.Error("directory should be gone")
	}
}

func TestList(t *testing.T) {
	base := t.TempDir()
	m := NewManager(base)
	for _, id := range []string{"b", "a"} {
		if _, err := m.Create(id); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(base, "stray.txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	ids, err := m.List()

	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Errorf("List() = %v, want [a b]", ids)
	}
}

func TestList_MissingBase(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "nope"))
	ids, err := m.List()
	if err != nil || len(ids) != 0 {
		t.Errorf("List() = (%v, %v), want empty", ids, err)
	}
}

func TestID(t *testing.T) {
	if got := ID("run1", "Test My/Pipeline"); got != "run1-Test_My_Pipeline" {
		t.Errorf("ID() = %q", got)
	}
	if got := ID("", "g"); got != "g" {
		t.Errorf("ID() = %q", got)
	}
	if err := validateID(ID("run", "../../etc")); err != nil {
		t.Errorf("sanitized id rejected: %v", err)
	}
}

func TestCopyFixtures(t *testing.T) {
	// Given a source tree with an executable and a nested directory
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "pipeline"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(src, "data", "in"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "data", "in", "input.txt"), []byte("42\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	dst := t.TempDir()

	// When the fixtures are copied
	err := CopyFixtures(src, dst, []string{"pipeline", "data"})

	// Then files keep their relative paths and modes
	if err != nil {
		t.Fatalf("CopyFixtures() error = %v", err)
	}
	info, err := os.Stat(filepath.Join(dst, "pipeline"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0o100 == 0 {
		t.Errorf("pipeline mode = %v, want executable", info.Mode())
	}
	data, err := os.ReadFile(filepath.Join(dst, "data", "in", "input.txt"))
	if err != nil || string(data) != "42\n" {
		t.Errorf("nested fixture = (%q, %v)", data, err)
	}
}

func TestCopyFixtures_Rejects(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	for _, f := range []string{"../escape", "/etc/passwd", "missing"} {
		if err := CopyFixtures(src, dst, []string{f}); err == nil {
			t.Errorf("CopyFixtures(%q) should fail", f)
		}
	}
}
