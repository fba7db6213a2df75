// Package pipetest runs functional tests of an external command-line pipeline
// from ordinary Go tests.
//
// A Group declares one pipeline command and a set of cases. Cases marked
// BeforeRun run first, then the pipeline runs exactly once, then cases marked
// AfterRun inspect its exit code, output streams and files:
//
//	func TestMyPipeline(t *testing.T) {
//		pipetest.Run(t, pipetest.Group{
//			Command: pipetest.Command{Shell: "python3 pipeline", Timeout: pipetest.Seconds(5)},
//			Cases: []pipetest.Case{
//				pipetest.BeforeRun("TestPrepExecutable", prep, pipetest.Order(1)),
//				pipetest.AfterRun("TestExitCode", func(t *testing.T, rc *pipetest.Context) {
//					code, err := rc.ExitCode()
//					require.NoError(t, err)
//					assert.Equal(t, 0, code)
//				}),
//			},
//		})
//	}
//
// Each step becomes a subtest, so failures are reported per case and a
// failing case never stops the rest of the schedule. Subtests must not call
// t.Parallel.
package pipetest

import (
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/charmbracelet/log"

	"github.com/smileynet/pipecheck/internal/harness"
	"github.com/smileynet/pipecheck/internal/phase"
	"github.com/smileynet/pipecheck/internal/process"
	"github.com/smileynet/pipecheck/internal/runctx"
	"github.com/smileynet/pipecheck/internal/schedule"
)

type (
	// Command describes the pipeline invocation.
	Command = process.Command
	// Result is the captured outcome of the pipeline.
	Result = process.Result
	// Context gives cases read access to the pipeline outcome.
	Context = runctx.Context
	// Report is the per-step outcome of a Run.
	Report = harness.Report
	// Option configures a phase mark.
	Option = phase.Option
	// DeclarationError reports misuse of phase marks.
	DeclarationError = schedule.DeclarationError
)

var (
	// ErrNotRun is returned by Context accessors before the pipeline has run.
	ErrNotRun = runctx.ErrNotRun
)

// ExitCodeTimedOut is the exit code reported for a pipeline killed on timeout.
const ExitCodeTimedOut = process.ExitCodeTimedOut

// Seconds converts a fractional number of seconds into a Command timeout.
func Seconds(s float64) time.Duration {
	return process.TimeoutSeconds(s)
}

// Order sets an explicit ordering key within a phase.
func Order(n int) Option {
	return phase.WithOrder(n)
}

// CaseFunc is the body of a case.
type CaseFunc func(t *testing.T, rc *Context)

// Case is a named callable of a Group with optional phase marks.
type Case struct {
	Name  string
	Fn    CaseFunc
	Marks []phase.Annotation
}

// Test declares an unmarked case. It runs after the after-run cases.
func Test(name string, fn CaseFunc) Case {
	return Case{Name: name, Fn: fn}
}

// BeforeRun declares a case that runs before the pipeline.
func BeforeRun(name string, fn CaseFunc, opts ...Option) Case {
	return Test(name, fn).BeforeRun(opts...)
}

// AfterRun declares a case that runs after the pipeline.
func AfterRun(name string, fn CaseFunc, opts ...Option) Case {
	return Test(name, fn).AfterRun(opts...)
}

// BeforeRun returns a copy of c marked for the before-run phase.
func (c Case) BeforeRun(opts ...Option) Case {
	c.Marks = append(append([]phase.Annotation(nil), c.Marks...), phase.Before(opts...))
	return c
}

// AfterRun returns a copy of c marked for the after-run phase.
func (c Case) AfterRun(opts ...Option) Case {
	c.Marks = append(append([]phase.Annotation(nil), c.Marks...), phase.After(opts...))
	return c
}

// IsTestName reports whether name follows the go test naming rule: "Test"
// followed by nothing or by a rune that is not a lower-case letter.
// Only such cases may carry an explicit order.
func IsTestName(name string) bool {
	if !strings.HasPrefix(name, "Test") {
		return false
	}
	if len(name) == len("Test") {
		return true
	}
	r, _ := utf8.DecodeRuneInString(name[len("Test"):])
	return !unicode.IsLower(r)
}

// Group is one pipeline and the cases that bracket it.
type Group struct {
	Name        string        // Defaults to t.Name().
	Command     Command       // Dir defaults to a fresh t.TempDir().
	Cases       []Case
	GracePeriod time.Duration // Interval between SIGTERM and SIGKILL on timeout; zero uses the default.
	Shell       []string      // Shell argv prefix for Command.Shell; nil uses /bin/sh -c.
}

// Plan returns the step names of g in execution order without running anything.
func Plan(g Group) ([]string, error) {
	steps, err := harness.Plan(toHarness(g))
	if err != nil {
		return nil, err
	}
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.Name()
	}
	return names, nil
}

// Run executes g as subtests of t and returns the per-step report.
// An invalid phase mark fails t before any step runs.
func Run(t *testing.T, g Group) *Report {
	t.Helper()
	if g.Name == "" {
		g.Name = t.Name()
	}
	if g.Command.Dir == "" {
		g.Command.Dir = t.TempDir()
	}

	logger := log.NewWithOptions(testWriter{t}, log.Options{Level: log.WarnLevel, Prefix: g.Name})
	runner := process.NewRunner(
		process.WithGracePeriod(g.GracePeriod),
		process.WithShell(g.Shell...),
		process.WithLogger(logger),
	)
	h := harness.New(harness.WithRunner(runner), harness.WithLogger(logger))

	exec, err := h.Prepare(toHarness(g))
	if err != nil {
		t.Fatalf("%s: collected 0 items / 1 error\n%v", g.Name, err)
		return nil
	}

	ctx := t.Context()
	outcomes := make([]harness.Outcome, 0, len(exec.Steps()))
	for _, step := range exec.Steps() {
		if step.Kind == schedule.PipelineStep {
			var out harness.Outcome
			t.Run(step.Name(), func(t *testing.T) {
				out = exec.RunPipeline(ctx)
				if out.Err != nil {
					t.Fatal(out.Err)
				}
			})
			outcomes = append(outcomes, out)
			continue
		}

		fn := g.Cases[step.Case.Position].Fn
		out := harness.Outcome{Step: step.Name(), Kind: step.Kind, Phase: step.Phase}
		start := time.Now()
		t.Run(step.Name(), func(t *testing.T) {
			defer func() {
				switch {
				case t.Skipped():
					out.Status = harness.StatusSkipped
				case t.Failed():
					out.Status = harness.StatusFailed
				default:
					out.Status = harness.StatusPassed
				}
			}()
			if fn != nil {
				fn(t, exec.Context())
			}
		})
		out.Duration = time.Since(start)
		outcomes = append(outcomes, out)
	}
	return exec.Report(outcomes)
}

func toHarness(g Group) harness.Group {
	cases := make([]harness.Case, len(g.Cases))
	for i, c := range g.Cases {
		cases[i] = harness.Case{Name: c.Name, IsTest: IsTestName(c.Name), Marks: c.Marks}
	}
	return harness.Group{Name: g.Name, Command: g.Command, Cases: cases}
}

// testWriter routes log lines into the test log.
type testWriter struct {
	t *testing.T
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func (c Case) String() string {
	if len(c.Marks) == 0 {
		return c.Name
	}
	marks := make([]string, len(c.Marks))
	for i, m := range c.Marks {
		marks[i] = m.String()
	}
	return fmt.Sprintf("%s [%s]", c.Name, strings.Join(marks, ", "))
}
