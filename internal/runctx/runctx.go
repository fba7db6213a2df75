// Package runctx holds the outcome of a group's single pipeline execution and
// shares it read-only with the group's cases.
package runctx

import (
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/smileynet/pipecheck/internal/process"
)

var (
	// ErrNotRun is returned by accessors before the pipeline step has recorded a result.
	ErrNotRun = errors.New("runctx: pipeline has not run")
	// ErrAlreadyRecorded is returned when a second result is recorded for the same run.
	ErrAlreadyRecorded = errors.New("runctx: pipeline result already recorded")
)

// Context is the per-group, per-run view of the pipeline outcome.
// It is safe for concurrent readers.
type Context struct {
	group   string
	dir     string
	timeout time.Duration

	mu       sync.RWMutex
	ran      bool
	launched bool
	result   process.Result
	err      error
}

// Recorder is the only handle able to write into a Context.
type Recorder struct {
	ctx *Context
}

// Option configures a Context.
type Option func(*Context)

// WithTimeout sets the group's effective command timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Context) { c.timeout = d }
}

// New creates an empty Context for one run of group in dir, and the Recorder
// the pipeline step uses to fill it.
func New(group, dir string, opts ...Option) (*Context, *Recorder) {
	c := &Context{group: group, dir: dir}
	for _, opt := range opts {
		opt(c)
	}
	return c, &Recorder{ctx: c}
}

// Record stores the pipeline outcome. err is the error returned by the process
// runner, if any. Only the first call succeeds.
func (r *Recorder) Record(res process.Result, err error) error {
	c := r.ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ran {
		return ErrAlreadyRecorded
	}
	var le *process.LaunchError
	c.ran = true
	c.launched = !errors.As(err, &le)
	c.result = res
	c.err = err
	return nil
}

// Group returns the name of the group this context belongs to.
func (c *Context) Group() string { return c.group }

// Dir returns the working directory the pipeline runs in.
func (c *Context) Dir() string { return c.dir }

// Timeout returns the limit applied to the group's commands. Zero means none.
func (c *Context) Timeout() time.Duration { return c.timeout }

// Path joins rel onto the working directory.
func (c *Context) Path(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(c.dir, rel)
}

// Ran reports whether the pipeline step has recorded an outcome, successful or not.
func (c *Context) Ran() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ran
}

// Result returns the recorded result and the runner's error. Before the
// pipeline step it returns ErrNotRun.
func (c *Context) Result() (process.Result, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.ran {
		return process.Result{}, ErrNotRun
	}
	return c.result, c.err
}

// Err returns the pipeline step's failure (launch error, timeout), nil after
// a clean run, or ErrNotRun.
func (c *Context) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.ran {
		return ErrNotRun
	}
	return c.err
}

// ExitCode returns the process exit status. A timed-out run reports
// process.ExitCodeTimedOut. If the pipeline never started, the launch
// error is returned instead.
func (c *Context) ExitCode() (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch {
	case !c.ran:
		return 0, ErrNotRun
	case !c.launched:
		return 0, c.err
	}
	return c.result.ExitCode, nil
}

// Stdout returns captured standard output, empty until the pipeline has run.
func (c *Context) Stdout() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.result.Stdout
}

// Stderr returns captured standard error, empty until the pipeline has run.
func (c *Context) Stderr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.result.Stderr
}

// TimedOut reports whether the pipeline was killed on timeout.
func (c *Context) TimedOut() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.result.TimedOut
}
