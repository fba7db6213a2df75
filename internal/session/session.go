// Package session runs every group of one or more suites in sequence and
// persists the combined result.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/smileynet/pipecheck/internal/harness"
	"github.com/smileynet/pipecheck/internal/process"
	"github.com/smileynet/pipecheck/internal/schedule"
	"github.com/smileynet/pipecheck/internal/suite"
	"github.com/smileynet/pipecheck/internal/workdir"
)

// Sentinel errors for caller-checkable conditions.
var (
	ErrNoGroups       = errors.New("session: no groups to run")
	ErrUnknownFailure = errors.New("session: unknown failure mode")
)

// FailureMode decides what happens to the remaining groups after one fails.
type FailureMode string

const (
	FailureContinue FailureMode = "continue"
	FailureAbort    FailureMode = "abort"
)

// ParseFailureMode validates a failure mode name. Empty means continue.
func ParseFailureMode(s string) (FailureMode, error) {
	switch FailureMode(s) {
	case "", FailureContinue:
		return FailureContinue, nil
	case FailureAbort:
		return FailureAbort, nil
	default:
		return "", fmt.Errorf("%w: %q (must be abort or continue)", ErrUnknownFailure, s)
	}
}

// GroupRunner executes one harness group. *harness.Harness satisfies it.
type GroupRunner interface {
	Run(ctx context.Context, g harness.Group) (*harness.Report, error)
}

// Workspace provides scratch directories. *workdir.Manager satisfies it.
type Workspace interface {
	Create(id string) (string, error)
	Remove(id string) error
}

// StateStore persists session state between runs.
type StateStore interface {
	Save(state State) error
}

// HistoryRecorder indexes finished sessions.
type HistoryRecorder interface {
	Record(state State) error
}

// Callback receives session lifecycle events for display.
type Callback interface {
	OnSessionStart(runID string, groups []string)
	OnGroupStart(group string)
	OnGroupComplete(result GroupResult)
	OnGroupFail(group string, err error)
	OnSessionComplete(state State)
}

// Status represents the state of a session.
type Status string

const (
	StatusRunning Status = "running"
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusAborted Status = "aborted"
)

// GroupStatus represents the outcome of one group.
type GroupStatus string

const (
	GroupPending GroupStatus = "pending"
	GroupRunning GroupStatus = "running"
	GroupPassed  GroupStatus = "passed"
	GroupFailed  GroupStatus = "failed"  // At least one step failed.
	GroupError   GroupStatus = "error"   // Collection or setup failed; no step ran.
	GroupSkipped GroupStatus = "skipped" // Not run because the session aborted.
)

// GroupResult records the outcome of a single group within a session.
type GroupResult struct {
	Suite  string          `json:"suite"`
	Group  string          `json:"group"`
	Status GroupStatus     `json:"status"`
	Dir    string          `json:"dir,omitempty"`
	Report *harness.Report `json:"report,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// State holds the complete session state for persistence.
type State struct {
	ID         string        `json:"id"`
	Suites     []string      `json:"suites"`
	Groups     []GroupResult `json:"groups"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at,omitzero"`
	Status     Status        `json:"status"`
}

// Count returns how many groups ended with status s.
func (s State) Count(status GroupStatus) int {
	n := 0
	for _, g := range s.Groups {
		if g.Status == status {
			n++
		}
	}
	return n
}

// Passed reports whether the session finished with every group passing.
func (s State) Passed() bool {
	return s.Status == StatusPassed
}

// Config holds session settings.
type Config struct {
	FailureMode  FailureMode
	KeepWorkdirs bool // Keep scratch directories of passing groups too.
}

// Runner runs sessions: sequential group execution with failure handling,
// scratch directory lifecycle and state persistence.
type Runner struct {
	groups     GroupRunner
	caseRunner harness.PipelineRunner
	workspace  Workspace
	store      StateStore
	history    HistoryRecorder
	config     Config
	callback   Callback
	logger     *log.Logger
	newID      func() string
}

// Option configures a Runner.
type Option func(*Runner)

// WithWorkspace sets the scratch directory provider.
func WithWorkspace(w Workspace) Option { return func(r *Runner) { r.workspace = w } }

// WithStateStore sets where session state is saved.
func WithStateStore(s StateStore) Option { return func(r *Runner) { r.store = s } }

// WithHistory sets the history index.
func WithHistory(h HistoryRecorder) Option { return func(r *Runner) { r.history = h } }

// WithConfig sets the session config.
func WithConfig(c Config) Option { return func(r *Runner) { r.config = c } }

// WithCallback sets the lifecycle callback.
func WithCallback(c Callback) Option { return func(r *Runner) { r.callback = c } }

// WithCaseRunner sets the runner used for case `run` commands.
func WithCaseRunner(p harness.PipelineRunner) Option { return func(r *Runner) { r.caseRunner = p } }

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithIDFunc overrides run id generation.
func WithIDFunc(f func() string) Option { return func(r *Runner) { r.newID = f } }

// NewRunner creates a session Runner.
func NewRunner(groups GroupRunner, opts ...Option) *Runner {
	r := &Runner{
		groups:   groups,
		config:   Config{FailureMode: FailureContinue},
		callback: NopCallback{},
		logger:   log.New(io.Discard),
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.workspace == nil {
		r.workspace = workdir.NewManager("")
	}
	if r.caseRunner == nil {
		r.caseRunner = process.NewRunner(process.WithLogger(r.logger))
	}
	return r
}

type plannedGroup struct {
	suite *suite.Suite
	group suite.Group
	dirID string // Scratch directory id, unique within the run.
}

// Run executes every group of suites in order. The returned error covers only
// problems outside the groups themselves (for example a failing state store);
// group failures are reported through the State.
func (r *Runner) Run(ctx context.Context, suites []*suite.Suite) (State, error) {
	var planned []plannedGroup
	state := State{ID: r.newID(), StartedAt: time.Now(), Status: StatusRunning}
	for _, s := range suites {
		state.Suites = append(state.Suites, s.Path)
		for _, g := range s.Groups {
			dirID := workdir.ID(shortID(state.ID), fmt.Sprintf("%02d-%s", len(planned)+1, g.Name))
			planned = append(planned, plannedGroup{suite: s, group: g, dirID: dirID})
			state.Groups = append(state.Groups, GroupResult{Suite: s.Path, Group: g.Name, Status: GroupPending})
		}
	}
	if len(planned) == 0 {
		return state, ErrNoGroups
	}

	names := make([]string, len(planned))
	for i, p := range planned {
		names[i] = p.group.Name
	}
	r.callback.OnSessionStart(state.ID, names)
	r.logger.Info("session started", "run_id", state.ID, "groups", len(planned))

	aborted := false
	for i, p := range planned {
		result := &state.Groups[i]
		if aborted || ctx.Err() != nil {
			result.Status = GroupSkipped
			continue
		}

		r.callback.OnGroupStart(p.group.Name)
		result.Status = GroupRunning
		r.runGroup(ctx, p, result)

		switch result.Status {
		case GroupError:
			r.callback.OnGroupFail(p.group.Name, errors.New(result.Error))
		default:
			r.callback.OnGroupComplete(*result)
		}
		if result.Status != GroupPassed && r.config.FailureMode == FailureAbort {
			r.logger.Warn("aborting session after group failure", "group", p.group.Name)
			aborted = true
		}
		if r.store != nil {
			if err := r.store.Save(state); err != nil {
				r.logger.Error("saving session state", "run_id", state.ID, "err", err)
			}
		}
	}

	state.FinishedAt = time.Now()
	state.Status = finalStatus(state, aborted)

	var errs []error
	if r.store != nil {
		if err := r.store.Save(state); err != nil {
			errs = append(errs, fmt.Errorf("session: saving state: %w", err))
		}
	}
	if r.history != nil {
		if err := r.history.Record(state); err != nil {
			errs = append(errs, fmt.Errorf("session: recording history: %w", err))
		}
	}
	r.callback.OnSessionComplete(state)
	r.logger.Info("session finished", "run_id", state.ID, "status", state.Status)
	return state, errors.Join(errs...)
}

// runGroup prepares the working directory, runs the group and fills result.
func (r *Runner) runGroup(ctx context.Context, p plannedGroup, result *GroupResult) {
	dir, created, err := r.prepareDir(p)
	if err != nil {
		result.Status = GroupError
		result.Error = err.Error()
		return
	}
	result.Dir = dir

	report, err := r.groups.Run(ctx, p.suite.Build(p.group, dir, r.caseRunner))
	if err != nil {
		result.Status = GroupError
		var de *schedule.DeclarationError
		if errors.As(err, &de) {
			result.Error = fmt.Sprintf("collected 0 items / 1 error: %v", err)
		} else {
			result.Error = err.Error()
		}
		r.cleanup(p, created, false)
		return
	}

	result.Report = report
	result.Status = GroupPassed
	if !report.Passed() {
		result.Status = GroupFailed
		result.Error = report.Err().Error()
	}
	r.cleanup(p, created, result.Status == GroupPassed)
}

// prepareDir returns the group's working directory, creating a scratch one
// when the suite does not name one, and copies fixtures into it.
func (r *Runner) prepareDir(p plannedGroup) (string, bool, error) {
	var (
		dir     string
		created bool
	)
	if p.group.Workdir != "" {
		dir = p.group.Workdir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(p.suite.Dir(), dir)
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			return "", false, fmt.Errorf("resolving workdir: %w", err)
		}
		dir = abs
	} else {
		d, err := r.workspace.Create(p.dirID)
		if err != nil {
			return "", false, fmt.Errorf("creating workdir: %w", err)
		}
		dir, created = d, true
	}

	if err := workdir.CopyFixtures(p.suite.Dir(), dir, p.group.Fixtures); err != nil {
		return dir, created, err
	}
	return dir, created, nil
}

// cleanup removes scratch directories of passing groups. Failing groups keep
// theirs for inspection.
func (r *Runner) cleanup(p plannedGroup, created, passed bool) {
	if !created || r.config.KeepWorkdirs || !passed {
		return
	}
	if err := r.workspace.Remove(p.dirID); err != nil {
		r.logger.Warn("removing workdir", "group", p.group.Name, "err", err)
	}
}

func finalStatus(s State, aborted bool) Status {
	if aborted {
		return StatusAborted
	}
	for _, g := range s.Groups {
		if g.Status != GroupPassed {
			return StatusFailed
		}
	}
	return StatusPassed
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// NopCallback ignores all events.
type NopCallback struct{}

func (NopCallback) OnSessionStart(string, []string) {}
func (NopCallback) OnGroupStart(string)             {}
func (NopCallback) OnGroupComplete(GroupResult)     {}
func (NopCallback) OnGroupFail(string, error)       {}
func (NopCallback) OnSessionComplete(State)         {}
