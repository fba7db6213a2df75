// Package process launches one external pipeline command, captures its
// output streams, and enforces a wall-clock timeout.
package process

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ExitCodeTimedOut is reported in Result.ExitCode when the process was killed
// on timeout. Real exit statuses are never negative.
const ExitCodeTimedOut = -1

// Command is the immutable description of a pipeline invocation.
// Exactly one of Shell or Argv must be set.
type Command struct {
	Shell     string            // Command line interpreted by the runner's shell.
	Argv      []string          // Explicit argument vector, run without a shell.
	Timeout   time.Duration     // Zero means unbounded.
	Dir       string            // Working directory (empty = current directory).
	Env       map[string]string // Extra environment variables, applied last.
	EnvFiles  []string          // dotenv files loaded before Env.
	CleanEnv  bool              // Start from an empty environment instead of inheriting.
	StripANSI bool              // Strip ANSI escape sequences from captured streams.
}

// ErrNoCommand indicates a Command with neither Shell nor Argv.
var ErrNoCommand = errors.New("process: command is empty")

// Validate checks that the command is runnable in principle.
func (c Command) Validate() error {
	hasShell := strings.TrimSpace(c.Shell) != ""
	hasArgv := len(c.Argv) > 0
	switch {
	case !hasShell && !hasArgv:
		return ErrNoCommand
	case hasShell && hasArgv:
		return errors.New("process: command sets both shell and argv")
	case hasArgv && c.Argv[0] == "":
		return errors.New("process: argv[0] is empty")
	case c.Timeout < 0:
		return fmt.Errorf("process: timeout must not be negative, got %v", c.Timeout)
	}
	return nil
}

// String renders the command for logs and error messages.
func (c Command) String() string {
	if c.Shell != "" {
		return c.Shell
	}
	parts := make([]string, len(c.Argv))
	for i, a := range c.Argv {
		if a == "" || strings.ContainsAny(a, " \t\n\"'") {
			parts[i] = strconv.Quote(a)
		} else {
			parts[i] = a
		}
	}
	return strings.Join(parts, " ")
}

// Result is the outcome of one pipeline execution. It is immutable once returned.
type Result struct {
	ExitCode  int           `json:"exit_code"`
	TimedOut  bool          `json:"timed_out"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	Duration  time.Duration `json:"duration"`
	StartedAt time.Time     `json:"started_at"`
	Pid       int           `json:"pid"`
}

// LaunchError indicates the command could not be started at all.
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("process: cannot launch %q: %s", e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// TimeoutError indicates the process ran past its configured timeout and was killed.
type TimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("process: %q is taking longer than %s seconds",
		e.Command, strconv.FormatFloat(e.Timeout.Seconds(), 'f', -1, 64))
}

// TimeoutSeconds converts a fractional number of seconds to a Duration.
// Non-positive values mean unbounded and return zero.
func TimeoutSeconds(seconds float64) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
