// Package history indexes finished sessions in a SQLite database so past runs
// can be listed and compared without reading every state file.
package history

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/smileynet/pipecheck/internal/session"
)

// Compile-time check: Store satisfies session.HistoryRecorder.
var _ session.HistoryRecorder = (*Store)(nil)

// ErrNotFound is returned by Get for an unknown run ID.
var ErrNotFound = errors.New("history: run not found")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	status      TEXT NOT NULL,
	suites      TEXT NOT NULL,
	total       INTEGER NOT NULL,
	passed      INTEGER NOT NULL,
	failed      INTEGER NOT NULL,
	errored     INTEGER NOT NULL,
	skipped     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
CREATE TABLE IF NOT EXISTS group_results (
	run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	position    INTEGER NOT NULL,
	suite       TEXT NOT NULL,
	name        TEXT NOT NULL,
	status      TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	error       TEXT NOT NULL,
	PRIMARY KEY (run_id, position)
);
`

// Run is one indexed session.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     session.Status
	Suites     []string
	Total      int
	Passed     int
	Failed     int
	Errored    int
	Skipped    int
	Groups     []Group // Populated by Get only.
}

// Duration is the wall-clock time of the session.
func (r Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Group is the indexed outcome of one group in a run.
type Group struct {
	Suite    string
	Name     string
	Status   session.GroupStatus
	Duration time.Duration
	Error    string
}

// Store is a SQLite-backed run index.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("history: empty database path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("history: creating directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=ON&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("history: opening %s: %w", path, err)
	}
	if path == ":memory:" {
		// Each new connection to :memory: is a separate empty database.
		db.SetMaxOpenConns(1)
	}
	s := &Store{db: db, path: path}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("history: migrating: %w", err)
	}
	return nil
}

// Record stores or replaces the index entry for a session.
func (s *Store) Record(st session.State) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("history: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT OR REPLACE INTO runs
		(id, started_at, finished_at, status, suites, total, passed, failed, errored, skipped)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, unixNano(st.StartedAt), unixNano(st.FinishedAt), string(st.Status),
		strings.Join(st.Suites, "\n"), len(st.Groups),
		st.Count(session.GroupPassed), st.Count(session.GroupFailed),
		st.Count(session.GroupError), st.Count(session.GroupSkipped))
	if err != nil {
		return fmt.Errorf("history: recording run %s: %w", st.ID, err)
	}
	if _, err := tx.Exec(`DELETE FROM group_results WHERE run_id = ?`, st.ID); err != nil {
		return fmt.Errorf("history: clearing groups of %s: %w", st.ID, err)
	}
	for i, g := range st.Groups {
		var d time.Duration
		if g.Report != nil {
			d = g.Report.Duration
		}
		_, err := tx.Exec(`INSERT INTO group_results
			(run_id, position, suite, name, status, duration_ms, error)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			st.ID, i, g.Suite, g.Group, string(g.Status), d.Milliseconds(), g.Error)
		if err != nil {
			return fmt.Errorf("history: recording group %s: %w", g.Group, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("history: commit: %w", err)
	}
	return nil
}

// List returns up to limit runs, most recent first. A status filters the
// runs; limit <= 0 means no limit.
func (s *Store) List(limit int, status session.Status) ([]Run, error) {
	query := `SELECT id, started_at, finished_at, status, suites, total, passed, failed, errored, skipped FROM runs`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY started_at DESC, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: listing runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: listing runs: %w", err)
	}
	return runs, nil
}

// Get returns a run with its groups.
func (s *Store) Get(id string) (Run, error) {
	row := s.db.QueryRow(`SELECT id, started_at, finished_at, status, suites, total, passed, failed, errored, skipped
		FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Run{}, err
	}

	rows, err := s.db.Query(`SELECT suite, name, status, duration_ms, error
		FROM group_results WHERE run_id = ? ORDER BY position`, id)
	if err != nil {
		return Run{}, fmt.Errorf("history: reading groups of %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			g      Group
			status string
			ms     int64
		)
		if err := rows.Scan(&g.Suite, &g.Name, &status, &ms, &g.Error); err != nil {
			return Run{}, fmt.Errorf("history: scanning group: %w", err)
		}
		g.Status = session.GroupStatus(status)
		g.Duration = time.Duration(ms) * time.Millisecond
		r.Groups = append(r.Groups, g)
	}
	if err := rows.Err(); err != nil {
		return Run{}, fmt.Errorf("history: reading groups of %s: %w", id, err)
	}
	return r, nil
}

// Prune deletes all but the keep most recent runs and returns how many were
// removed.
func (s *Store) Prune(keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.Exec(`DELETE FROM runs WHERE id NOT IN
		(SELECT id FROM runs ORDER BY started_at DESC, id LIMIT ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("history: pruning: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("history: pruning: %w", err)
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		r                 Run
		started, finished int64
		status, suites    string
	)
	err := sc.Scan(&r.ID, &started, &finished, &status, &suites,
		&r.Total, &r.Passed, &r.Failed, &r.Errored, &r.Skipped)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("history: scanning run: %w", err)
	}
	r.StartedAt = fromUnixNano(started)
	r.FinishedAt = fromUnixNano(finished)
	r.Status = session.Status(status)
	if suites != "" {
		r.Suites = strings.Split(suites, "\n")
	}
	return r, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
