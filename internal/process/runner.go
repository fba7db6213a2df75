package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
)

// DefaultGracePeriod is how long a timed-out process may take to exit after
// SIGTERM before it is killed.
const DefaultGracePeriod = 3 * time.Second

// DefaultShell runs Command.Shell strings.
var DefaultShell = []string{"/bin/sh", "-c"}

// Runner executes pipeline commands. A Runner holds no per-execution state and
// may be reused; each Execute call owns its own process, buffers and timer.
type Runner struct {
	shell      []string
	grace      time.Duration
	logger     *log.Logger
	cmdBuilder func(c Command) (*exec.Cmd, error)
}

// Option configures a Runner.
type Option func(*Runner)

// WithShell sets the shell argv prefix used for Command.Shell (e.g. "bash", "-c").
func WithShell(argv ...string) Option {
	return func(r *Runner) {
		if len(argv) > 0 {
			r.shell = argv
		}
	}
}

// WithGracePeriod sets the interval between SIGTERM and SIGKILL on timeout.
func WithGracePeriod(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.grace = d
		}
	}
}

// WithLogger sets the logger for launch and termination events.
func WithLogger(l *log.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRunner creates a Runner with the given options.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		shell:  DefaultShell,
		grace:  DefaultGracePeriod,
		logger: log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cmdBuilder == nil {
		r.cmdBuilder = r.defaultCmdBuilder
	}
	return r
}

// Execute runs c to completion, timeout, or context cancellation and returns
// the captured result. Stdout and stderr are drained concurrently into
// separate buffers while the process runs.
//
// A command that cannot be started yields a *LaunchError and a zero Result.
// A command that outlives c.Timeout is terminated (SIGTERM to its process
// group, then SIGKILL after the grace period) and yields a *TimeoutError
// together with whatever output was captured, ExitCode set to ExitCodeTimedOut.
// A non-zero exit is not an error.
func (r *Runner) Execute(ctx context.Context, c Command) (Result, error) {
	if err := c.Validate(); err != nil {
		return Result{}, &LaunchError{Command: c.String(), Err: err}
	}

	cmd, err := r.cmdBuilder(c)
	if err != nil {
		return Result{}, &LaunchError{Command: c.String(), Err: err}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = r.grace
	setProcessGroup(cmd)

	r.logger.Debug("launching pipeline", "cmd", c.String(), "dir", c.Dir, "timeout", c.Timeout)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, &LaunchError{Command: c.String(), Err: err}
	}
	pid := cmd.Process.Pid

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var expired <-chan time.Time
	if c.Timeout > 0 {
		timer := time.NewTimer(c.Timeout)
		defer timer.Stop()
		expired = timer.C
	}

	var (
		waitErr  error
		timedOut bool
		ctxErr   error
	)
	select {
	case waitErr = <-waitCh:
	case <-expired:
		timedOut = true
		r.logger.Warn("pipeline exceeded timeout, terminating", "cmd", c.String(), "pid", pid, "timeout", c.Timeout)
		waitErr = r.terminate(pid, waitCh)
	case <-ctx.Done():
		ctxErr = ctx.Err()
		r.logger.Warn("pipeline cancelled, terminating", "cmd", c.String(), "pid", pid)
		waitErr = r.terminate(pid, waitCh)
	}

	result := Result{
		Stdout:    capture(&stdout, c.StripANSI),
		Stderr:    capture(&stderr, c.StripANSI),
		Duration:  time.Since(start),
		StartedAt: start,
		Pid:       pid,
	}

	if timedOut {
		result.ExitCode = ExitCodeTimedOut
		result.TimedOut = true
		return result, &TimeoutError{Command: c.String(), Timeout: c.Timeout}
	}

	result.ExitCode = exitStatus(cmd.ProcessState)
	if ctxErr != nil {
		return result, fmt.Errorf("process: %q interrupted: %w", c.String(), ctxErr)
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil, errors.As(waitErr, &exitErr):
	case errors.Is(waitErr, exec.ErrWaitDelay):
		// A descendant kept a stream open after the process exited.
		r.logger.Debug("pipeline output closed after wait delay", "cmd", c.String(), "pid", pid)
	default:
		return result, fmt.Errorf("process: waiting for %q: %w", c.String(), waitErr)
	}

	r.logger.Debug("pipeline exited", "cmd", c.String(), "exit_code", result.ExitCode, "duration", result.Duration)
	return result, nil
}

// terminate stops the process group led by pid: SIGTERM first, SIGKILL once
// the grace period lapses. Descendants that left the group are swept as well.
// It returns the error from the pending Wait.
func (r *Runner) terminate(pid int, waitCh <-chan error) error {
	stragglers := descendants(pid)

	if err := terminateGroup(pid); err != nil {
		r.logger.Debug("terminate signal failed", "pid", pid, "err", err)
	}

	grace := time.NewTimer(r.grace)
	defer grace.Stop()

	select {
	case err := <-waitCh:
		sweep(stragglers)
		return err
	case <-grace.C:
	}

	r.logger.Warn("pipeline ignored SIGTERM, killing", "pid", pid, "grace", r.grace)
	if err := killGroup(pid); err != nil {
		r.logger.Debug("kill signal failed", "pid", pid, "err", err)
	}
	if n := sweep(stragglers); n > 0 {
		r.logger.Debug("killed stray descendants", "pid", pid, "count", n)
	}
	return <-waitCh
}

// defaultCmdBuilder creates the exec.Cmd for c, using the shell for Shell commands.
func (r *Runner) defaultCmdBuilder(c Command) (*exec.Cmd, error) {
	var cmd *exec.Cmd
	if c.Shell != "" {
		args := make([]string, 0, len(r.shell))
		args = append(args, r.shell[1:]...)
		args = append(args, c.Shell)
		cmd = exec.Command(r.shell[0], args...)
	} else {
		cmd = exec.Command(c.Argv[0], c.Argv[1:]...)
	}
	cmd.Dir = c.Dir

	env, err := buildEnv(c)
	if err != nil {
		return nil, err
	}
	cmd.Env = env
	return cmd, nil
}

// buildEnv returns nil (inherit) unless the command customizes its environment.
func buildEnv(c Command) ([]string, error) {
	if !c.CleanEnv && len(c.EnvFiles) == 0 && len(c.Env) == 0 {
		return nil, nil
	}

	env := []string{}
	if !c.CleanEnv {
		env = append(env, os.Environ()...)
	}
	if len(c.EnvFiles) > 0 {
		vars, err := godotenv.Read(c.EnvFiles...)
		if err != nil {
			return nil, fmt.Errorf("reading env files: %w", err)
		}
		env = appendVars(env, vars)
	}
	return appendVars(env, c.Env), nil
}

// appendVars appends KEY=VALUE pairs in key order. Later entries win in exec.Cmd.
func appendVars(env []string, vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	return env
}

func capture(buf *bytes.Buffer, strip bool) string {
	s := buf.String()
	if strip && strings.Contains(s, "\x1b") {
		return stripansi.Strip(s)
	}
	return s
}
