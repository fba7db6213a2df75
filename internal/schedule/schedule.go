// Package schedule orders the declared cases of a test group into the
// before-run, pipeline, after-run sequence.
package schedule

import (
	"fmt"
	"sort"

	"github.com/smileynet/pipecheck/internal/phase"
)

// Case is a callable declared inside a test group, as enumerated by the collaborator.
type Case struct {
	Name     string
	Position int               // Declaration index within the group.
	IsTest   bool              // Whether the collaborator's detection convention recognizes it.
	Marks    []phase.Annotation // Phase annotations attached at declaration.
}

// StepKind distinguishes scheduled test cases from the synthetic pipeline step.
type StepKind int

const (
	CaseStep     StepKind = iota // A declared test case.
	PipelineStep                 // The single pipeline execution.
)

func (k StepKind) String() string {
	switch k {
	case CaseStep:
		return "case"
	case PipelineStep:
		return "pipeline"
	default:
		return "unknown"
	}
}

// MarshalText encodes the step kind by name.
func (k StepKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes "case" or "pipeline".
func (k *StepKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "case":
		*k = CaseStep
	case "pipeline":
		*k = PipelineStep
	default:
		return fmt.Errorf("schedule: invalid step kind %q", b)
	}
	return nil
}

// PipelineStepName is the display name of the synthetic pipeline step.
const PipelineStepName = "pipeline"

// Step is one entry of a planned schedule.
type Step struct {
	Kind  StepKind
	Phase phase.Kind // Phase bucket the step belongs to (Unannotated for the pipeline step and plain cases).
	Case  Case       // Zero for the pipeline step.
}

// Name returns the case name, or PipelineStepName for the pipeline step.
func (s Step) Name() string {
	if s.Kind == PipelineStep {
		return PipelineStepName
	}
	return s.Case.Name
}

// DeclarationError reports misuse of phase annotations, detected before anything runs.
type DeclarationError struct {
	Group  string
	Case   string
	Reason string
}

func (e *DeclarationError) Error() string {
	if e.Group == "" {
		return fmt.Sprintf("declaration: %s: %s", e.Case, e.Reason)
	}
	return fmt.Sprintf("declaration: %s::%s: %s", e.Group, e.Case, e.Reason)
}

// Resolve returns the phase a case belongs to after validating its marks.
// Non-test callables without an explicit order resolve to Unannotated and are never scheduled.
func Resolve(group string, c Case) (phase.Kind, error) {
	switch len(c.Marks) {
	case 0:
		return phase.Unannotated, nil
	case 1:
	default:
		reason := fmt.Sprintf("cannot mark a callable with %s more than once", c.Marks[0].Kind)
		if hasBothKinds(c.Marks) {
			reason = "cannot mark a callable with both before_run and after_run"
		}
		return phase.Unannotated, &DeclarationError{Group: group, Case: c.Name, Reason: reason}
	}

	mark := c.Marks[0]
	if mark.Kind != phase.BeforeRun && mark.Kind != phase.AfterRun {
		return phase.Unannotated, nil
	}
	if !c.IsTest {
		if _, ok := mark.Order(); ok {
			return phase.Unannotated, &DeclarationError{
				Group:  group,
				Case:   c.Name,
				Reason: fmt.Sprintf("cannot decorate non-test callable %q with an explicit order", c.Name),
			}
		}
		return phase.Unannotated, nil
	}
	return mark.Kind, nil
}

func hasBothKinds(marks []phase.Annotation) bool {
	var before, after bool
	for _, m := range marks {
		switch m.Kind {
		case phase.BeforeRun:
			before = true
		case phase.AfterRun:
			after = true
		}
	}
	return before && after
}

// Plan validates every case of a group and returns the ordered steps:
// sorted before-run cases, one pipeline step, sorted after-run cases, then
// unannotated test cases in declaration order. Any DeclarationError aborts the
// whole group and no steps are returned.
func Plan(group string, cases []Case) ([]Step, error) {
	var before, after, plain []Case
	for _, c := range cases {
		k, err := Resolve(group, c)
		if err != nil {
			return nil, err
		}
		switch {
		case k == phase.BeforeRun:
			before = append(before, c)
		case k == phase.AfterRun:
			after = append(after, c)
		case c.IsTest:
			plain = append(plain, c)
		}
	}

	sortBucket(before)
	sortBucket(after)
	sort.SliceStable(plain, func(i, j int) bool { return plain[i].Position < plain[j].Position })

	steps := make([]Step, 0, len(before)+len(after)+len(plain)+1)
	for _, c := range before {
		steps = append(steps, Step{Kind: CaseStep, Phase: phase.BeforeRun, Case: c})
	}
	steps = append(steps, Step{Kind: PipelineStep, Phase: phase.Unannotated})
	for _, c := range after {
		steps = append(steps, Step{Kind: CaseStep, Phase: phase.AfterRun, Case: c})
	}
	for _, c := range plain {
		steps = append(steps, Step{Kind: CaseStep, Phase: phase.Unannotated, Case: c})
	}
	return steps, nil
}

// sortBucket orders explicitly-ordered cases by key first, then the rest by
// declaration position. Ties on equal keys fall back to declaration position.
func sortBucket(cases []Case) {
	sort.SliceStable(cases, func(i, j int) bool {
		oi, hasI := cases[i].Marks[0].Order()
		oj, hasJ := cases[j].Marks[0].Order()
		if hasI != hasJ {
			return hasI
		}
		if hasI && oi != oj {
			return oi < oj
		}
		return cases[i].Position < cases[j].Position
	})
}

// CaseCount returns the number of test-case steps (excluding the pipeline step).
func CaseCount(steps []Step) int {
	n := 0
	for _, s := range steps {
		if s.Kind == CaseStep {
			n++
		}
	}
	return n
}
