// Package workdir manages per-group scratch working directories and the
// fixtures copied into them.
package workdir

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"
)

// Sentinel errors for caller-checkable conditions.
var (
	ErrAlreadyExists = errors.New("workdir: already exists")
	ErrNotFound      = errors.New("workdir: not found")
	ErrInvalidID     = errors.New("workdir: invalid id")
)

// validateID checks that id is safe for use as a single path component.
// Rejects empty, path traversal (/ \ . ..), and flag-like IDs (starting with -).
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: cannot be empty", ErrInvalidID)
	}
	if strings.HasPrefix(id, "-") {
		return fmt.Errorf("%w: %q (must not start with -)", ErrInvalidID, id)
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// ID builds a directory id from a run id and a group name, replacing
// anything that is not a letter, digit, '-' or '_' with '_'.
func ID(runID, group string) string {
	clean := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			return r
		}
		return '_'
	}, group)
	if runID == "" {
		return clean
	}
	return runID + "-" + clean
}

// Manager manages scratch directories under a base directory.
type Manager struct {
	baseDir string
}

// NewManager creates a Manager rooted at baseDir. An empty baseDir uses
// <os temp dir>/pipecheck.
func NewManager(baseDir string) *Manager {
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "pipecheck")
	}
	return &Manager{baseDir: baseDir}
}

// Path returns the directory for id.
func (m *Manager) Path(id string) string {
	return filepath.Join(m.baseDir, id)
}

// Create makes an empty directory for id and returns its absolute path.
func (m *Manager) Create(id string) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}
	dir := m.Path(id)
	if _, err := os.Stat(dir); err == nil {
		return "", fmt.Errorf("workdir %q: %w", id, ErrAlreadyExists)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("workdir: mkdir %s: %w", dir, err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("workdir: %w", err)
	}
	return abs, nil
}

// Exists reports whether a directory for id exists.
func (m *Manager) Exists(id string) bool {
	if validateID(id) != nil {
		return false
	}
	info, err := os.Stat(m.Path(id))
	return err == nil && info.IsDir()
}

// Remove deletes the directory for id and everything in it.
func (m *Manager) Remove(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	dir := m.Path(id)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("workdir %q: %w", id, ErrNotFound)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("workdir: removing %s: %w", dir, err)
	}
	return nil
}

// List returns the ids of all directories under the base directory, sorted.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("workdir: reading %s: %w", m.baseDir, err)
	}
	ids := []string{}
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// CopyFixtures copies each fixture (a file or directory relative to srcDir)
// into dst, keeping its relative path and file modes.
func CopyFixtures(srcDir, dst string, fixtures []string) error {
	for _, f := range fixtures {
		rel := filepath.Clean(f)
		if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return fmt.Errorf("workdir: fixture %q escapes %s", f, srcDir)
		}
		if err := copyTree(filepath.Join(srcDir, rel), filepath.Join(dst, rel)); err != nil {
			return fmt.Errorf("workdir: fixture %q: %w", f, err)
		}
	}
	return nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			return fmt.Errorf("%s: unsupported file type %s", path, info.Mode().Type())
		}
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
