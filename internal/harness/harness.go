// Package harness executes a planned test group: before-run cases, exactly one
// pipeline execution, then after-run cases, reporting each step individually.
package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/smileynet/pipecheck/internal/phase"
	"github.com/smileynet/pipecheck/internal/process"
	"github.com/smileynet/pipecheck/internal/runctx"
	"github.com/smileynet/pipecheck/internal/schedule"
)

// PipelineRunner executes the group's pipeline command.
// Defined here (the consumer); *process.Runner satisfies it.
type PipelineRunner interface {
	Execute(ctx context.Context, c process.Command) (process.Result, error)
}

// CaseFunc is the body of a case. A nil return passes the case; ErrSkip skips it;
// any other error fails it.
type CaseFunc func(ctx context.Context, rc *runctx.Context) error

// ErrSkip may be returned (or wrapped) by a CaseFunc to mark the case skipped.
var ErrSkip = errors.New("harness: case skipped")

// Case is a declared callable of a group.
type Case struct {
	Name   string
	IsTest bool
	Marks  []phase.Annotation
	Body   CaseFunc
}

// Group is a named set of cases around one pipeline command.
type Group struct {
	Name    string
	Command process.Command
	Cases   []Case
}

// Harness executes groups.
type Harness struct {
	runner         PipelineRunner
	statusCallback StatusCallback
	logger         *log.Logger
	defaultTimeout time.Duration
}

// Option configures a Harness.
type Option func(*Harness)

// New creates a Harness. Without WithRunner it uses a default process.Runner.
func New(opts ...Option) *Harness {
	h := &Harness{
		statusCallback: func(StatusUpdate) {},
		logger:         log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.runner == nil {
		h.runner = process.NewRunner(process.WithLogger(h.logger))
	}
	return h
}

// WithRunner sets the pipeline runner.
func WithRunner(r PipelineRunner) Option {
	return func(h *Harness) { h.runner = r }
}

// WithStatusCallback sets the callback for progress updates.
func WithStatusCallback(cb StatusCallback) Option {
	return func(h *Harness) {
		if cb != nil {
			h.statusCallback = cb
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(h *Harness) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithDefaultTimeout applies d to groups whose command sets no timeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(h *Harness) { h.defaultTimeout = d }
}

// Plan validates g and returns its step order without executing anything.
func Plan(g Group) ([]schedule.Step, error) {
	cases := make([]schedule.Case, len(g.Cases))
	for i, c := range g.Cases {
		cases[i] = schedule.Case{Name: c.Name, Position: i, IsTest: c.IsTest, Marks: c.Marks}
	}
	return schedule.Plan(g.Name, cases)
}

// Execution is one planned run of a group. It owns a fresh run context, so
// two executions of the same group never share a result.
type Execution struct {
	h       *Harness
	group   Group
	steps   []schedule.Step
	bodies  map[int]CaseFunc
	rc      *runctx.Context
	rec     *runctx.Recorder
	started time.Time
	result  *process.Result
}

// Prepare plans g. A *schedule.DeclarationError means nothing in the group may run.
func (h *Harness) Prepare(g Group) (*Execution, error) {
	steps, err := Plan(g)
	if err != nil {
		h.logger.Error("group rejected", "group", g.Name, "err", err)
		return nil, err
	}
	if g.Command.Timeout == 0 {
		g.Command.Timeout = h.defaultTimeout
	}
	bodies := make(map[int]CaseFunc, len(g.Cases))
	for i, c := range g.Cases {
		bodies[i] = c.Body
	}
	rc, rec := runctx.New(g.Name, g.Command.Dir, runctx.WithTimeout(g.Command.Timeout))
	return &Execution{h: h, group: g, steps: steps, bodies: bodies, rc: rc, rec: rec}, nil
}

// Steps returns the planned steps.
func (e *Execution) Steps() []schedule.Step { return e.steps }

// Context returns the run context shared with the group's cases.
func (e *Execution) Context() *runctx.Context { return e.rc }

// RunPipeline executes the group's command once and records the result.
// Launch and timeout failures are reported as StatusError on the pipeline step.
func (e *Execution) RunPipeline(ctx context.Context) Outcome {
	e.markStarted()
	step := schedule.Step{Kind: schedule.PipelineStep, Phase: phase.Unannotated}
	progress := e.progress(step)
	e.h.notify(StatusUpdate{Group: e.group.Name, Step: step.Name(), Kind: step.Kind, Status: StatusRunning, Progress: progress})

	start := time.Now()
	res, err := e.h.runner.Execute(ctx, e.group.Command)
	if recErr := e.rec.Record(res, err); recErr != nil {
		err = errors.Join(err, recErr)
	}

	var le *process.LaunchError
	if !errors.As(err, &le) {
		e.result = &res
	}

	out := Outcome{Step: step.Name(), Kind: step.Kind, Phase: step.Phase, Status: StatusPassed, Duration: time.Since(start)}
	if err != nil {
		out.Status = StatusError
		out.Err = err
		out.Message = err.Error()
		e.h.logger.Warn("pipeline step failed", "group", e.group.Name, "err", err)
	} else {
		e.h.logger.Info("pipeline finished", "group", e.group.Name, "exit_code", res.ExitCode, "duration", res.Duration)
	}
	e.h.notify(StatusUpdate{
		Group: e.group.Name, Step: step.Name(), Kind: step.Kind,
		Status: out.Status, Progress: progress, Err: err, Result: e.result,
	})
	return out
}

// RunCase executes a case step's body with the run context.
func (e *Execution) RunCase(ctx context.Context, step schedule.Step) Outcome {
	e.markStarted()
	progress := e.progress(step)
	e.h.notify(StatusUpdate{Group: e.group.Name, Step: step.Name(), Kind: step.Kind, Phase: step.Phase, Status: StatusRunning, Progress: progress})

	start := time.Now()
	err := e.call(ctx, e.bodies[step.Case.Position])

	out := Outcome{Step: step.Name(), Kind: step.Kind, Phase: step.Phase, Duration: time.Since(start)}
	var pe *panicError
	switch {
	case err == nil:
		out.Status = StatusPassed
	case errors.Is(err, ErrSkip):
		out.Status = StatusSkipped
		out.Message = err.Error()
	case errors.As(err, &pe):
		out.Status = StatusError
		out.Err = err
		out.Message = err.Error()
	default:
		out.Status = StatusFailed
		out.Err = err
		out.Message = err.Error()
	}
	e.h.logger.Debug("case finished", "group", e.group.Name, "case", step.Name(), "status", out.Status)
	e.h.notify(StatusUpdate{
		Group: e.group.Name, Step: step.Name(), Kind: step.Kind, Phase: step.Phase,
		Status: out.Status, Progress: progress, Err: out.Err,
	})
	return out
}

// Skip records step as skipped without running it.
func (e *Execution) Skip(step schedule.Step, reason string) Outcome {
	out := Outcome{Step: step.Name(), Kind: step.Kind, Phase: step.Phase, Status: StatusSkipped, Message: reason}
	e.h.notify(StatusUpdate{
		Group: e.group.Name, Step: step.Name(), Kind: step.Kind, Phase: step.Phase,
		Status: StatusSkipped, Progress: e.progress(step),
	})
	return out
}

// Report assembles the group report from outcomes collected by the caller.
func (e *Execution) Report(outcomes []Outcome) *Report {
	return &Report{
		Group:     e.group.Name,
		Dir:       e.rc.Dir(),
		Outcomes:  outcomes,
		Result:    e.result,
		StartedAt: e.started,
		Duration:  time.Since(e.started),
	}
}

// Run executes g from start to finish. Steps run strictly in planned order
// and a failing step does not stop the ones after it. Only a cancelled ctx
// stops the schedule early; the remaining steps are reported as skipped.
//
// A declaration error is returned as-is with a nil report: no step runs.
func (h *Harness) Run(ctx context.Context, g Group) (*Report, error) {
	exec, err := h.Prepare(g)
	if err != nil {
		return nil, err
	}
	h.logger.Info("running group", "group", g.Name, "cases", schedule.CaseCount(exec.steps))

	outcomes := make([]Outcome, 0, len(exec.steps))
	for _, step := range exec.steps {
		if ctx.Err() != nil {
			outcomes = append(outcomes, exec.Skip(step, "interrupted"))
			continue
		}
		if step.Kind == schedule.PipelineStep {
			outcomes = append(outcomes, exec.RunPipeline(ctx))
		} else {
			outcomes = append(outcomes, exec.RunCase(ctx, step))
		}
	}
	return exec.Report(outcomes), nil
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("case panicked: %v", e.value)
}

func (e *Execution) call(ctx context.Context, body CaseFunc) (err error) {
	if body == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return body(ctx, e.rc)
}

func (e *Execution) markStarted() {
	if e.started.IsZero() {
		e.started = time.Now()
	}
}

func (e *Execution) progress(step schedule.Step) string {
	for i, s := range e.steps {
		if s.Kind == step.Kind && s.Case.Position == step.Case.Position && s.Name() == step.Name() {
			return fmt.Sprintf("%d/%d", i+1, len(e.steps))
		}
	}
	return fmt.Sprintf("?/%d", len(e.steps))
}

// notify fires the status callback.
func (h *Harness) notify(su StatusUpdate) {
	h.statusCallback(su)
}
