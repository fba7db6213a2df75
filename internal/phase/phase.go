// Package phase defines the before-run/after-run annotations attached to test cases.
package phase

import (
	"fmt"
	"strings"
)

// Kind places a test case relative to the single pipeline execution of its group.
type Kind int

const (
	Unannotated Kind = iota // No phase mark; left to the collaborator's default order.
	BeforeRun               // Runs before the pipeline executes.
	AfterRun                // Runs after the pipeline executes.
)

func (k Kind) String() string {
	switch k {
	case Unannotated:
		return "unannotated"
	case BeforeRun:
		return "before_run"
	case AfterRun:
		return "after_run"
	default:
		return "unknown"
	}
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name accepted by ParseKind.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseKind converts a suite-file phase name ("before_run", "after_run", or empty)
// to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unannotated":
		return Unannotated, nil
	case "before_run", "before-run", "before":
		return BeforeRun, nil
	case "after_run", "after-run", "after":
		return AfterRun, nil
	default:
		return Unannotated, fmt.Errorf("phase: invalid kind %q (must be before_run or after_run)", s)
	}
}

// Annotation is the metadata tag attached to a test case at declaration time.
// The zero value is an Unannotated mark.
type Annotation struct {
	Kind     Kind
	order    int
	hasOrder bool
}

// Option configures an Annotation.
type Option func(*Annotation)

// WithOrder attaches an explicit ordering key. Lower keys run first; negative keys are allowed.
func WithOrder(n int) Option {
	return func(a *Annotation) {
		a.order = n
		a.hasOrder = true
	}
}

// Before returns a BeforeRun annotation.
func Before(opts ...Option) Annotation {
	return newAnnotation(BeforeRun, opts)
}

// After returns an AfterRun annotation.
func After(opts ...Option) Annotation {
	return newAnnotation(AfterRun, opts)
}

func newAnnotation(k Kind, opts []Option) Annotation {
	a := Annotation{Kind: k}
	for _, opt := range opts {
		opt(&a)
	}
	return a
}

// Order returns the explicit ordering key and whether one was supplied.
func (a Annotation) Order() (int, bool) {
	return a.order, a.hasOrder
}

func (a Annotation) String() string {
	if a.hasOrder {
		return fmt.Sprintf("%s(order=%d)", a.Kind, a.order)
	}
	return a.Kind.String()
}
