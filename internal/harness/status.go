package harness

import (
	"fmt"
	"strings"
	"time"

	"github.com/smileynet/pipecheck/internal/phase"
	"github.com/smileynet/pipecheck/internal/process"
	"github.com/smileynet/pipecheck/internal/schedule"
)

// Status represents the current state of a step.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"  // A case's own check did not hold.
	StatusError   Status = "error"   // The pipeline could not run or timed out, or a case panicked.
	StatusSkipped Status = "skipped" // Not reached, or skipped by the case itself.
)

// Done reports whether s is a terminal status.
func (s Status) Done() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusError, StatusSkipped:
		return true
	default:
		return false
	}
}

// StatusUpdate carries progress information for a single step.
type StatusUpdate struct {
	Group    string            // The group being executed.
	Step     string            // Case name, or schedule.PipelineStepName.
	Kind     schedule.StepKind // Case or pipeline.
	Phase    phase.Kind        // Phase bucket of the step.
	Status   Status            // Current step status.
	Progress string            // Human-readable progress (e.g. "2/5").
	Err      error             // Populated on failed/error.
	Result   *process.Result   // Populated when the pipeline step completes, nil otherwise.
}

// StatusCallback receives step progress updates.
type StatusCallback func(StatusUpdate)

// Outcome is the final result of one executed (or skipped) step.
type Outcome struct {
	Step     string            `json:"step"`
	Kind     schedule.StepKind `json:"kind"`
	Phase    phase.Kind        `json:"phase"`
	Status   Status            `json:"status"`
	Message  string            `json:"message,omitempty"`
	Duration time.Duration     `json:"duration"`
	Err      error             `json:"-"`
}

// Report is the outcome of executing one group.
type Report struct {
	Group     string          `json:"group"`
	Dir       string          `json:"dir"`
	Outcomes  []Outcome       `json:"outcomes"`
	Result    *process.Result `json:"result,omitempty"` // nil if the pipeline never launched.
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration"`
}

// Passed reports whether every step passed or was skipped by its own choice.
func (r *Report) Passed() bool {
	for _, o := range r.Outcomes {
		if o.Status == StatusFailed || o.Status == StatusError {
			return false
		}
	}
	return true
}

// Count returns how many outcomes have status s.
func (r *Report) Count(s Status) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == s {
			n++
		}
	}
	return n
}

// Pipeline returns the pipeline step's outcome.
func (r *Report) Pipeline() (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Kind == schedule.PipelineStep {
			return o, true
		}
	}
	return Outcome{}, false
}

// Err returns a *GroupError when any step failed, nil otherwise.
func (r *Report) Err() error {
	var failed []Outcome
	for _, o := range r.Outcomes {
		if o.Status == StatusFailed || o.Status == StatusError {
			failed = append(failed, o)
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return &GroupError{Group: r.Group, Failed: failed}
}

// GroupError summarizes the failed steps of one group.
type GroupError struct {
	Group  string
	Failed []Outcome
}

func (e *GroupError) Error() string {
	names := make([]string, len(e.Failed))
	for i, o := range e.Failed {
		names[i] = o.Step
	}
	return fmt.Sprintf("group %q: %d step(s) failed: %s", e.Group, len(e.Failed), strings.Join(names, ", "))
}

// Unwrap exposes the underlying step errors to errors.Is and errors.As.
func (e *GroupError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, o := range e.Failed {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errs
}
