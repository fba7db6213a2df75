// Package check evaluates declarative expectations against a pipeline run.
package check

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/smileynet/pipecheck/internal/runctx"
)

// Stream holds expectations on one captured output stream.
type Stream struct {
	Contains    []string `yaml:"contains,omitempty" toml:"contains,omitempty" json:"contains,omitempty"`
	NotContains []string `yaml:"not_contains,omitempty" toml:"not_contains,omitempty" json:"not_contains,omitempty"`
	Equals      *string  `yaml:"equals,omitempty" toml:"equals,omitempty" json:"equals,omitempty"`
	Matches     string   `yaml:"matches,omitempty" toml:"matches,omitempty" json:"matches,omitempty"` // Regular expression.
	Empty       *bool    `yaml:"empty,omitempty" toml:"empty,omitempty" json:"empty,omitempty"`
}

// File holds expectations on a file relative to the group working directory.
type File struct {
	Path     string   `yaml:"path" toml:"path" json:"path"`
	Exists   *bool    `yaml:"exists,omitempty" toml:"exists,omitempty" json:"exists,omitempty"`
	Equals   *string  `yaml:"equals,omitempty" toml:"equals,omitempty" json:"equals,omitempty"`
	Contains []string `yaml:"contains,omitempty" toml:"contains,omitempty" json:"contains,omitempty"`
}

// Expect is the set of assertions a suite case makes. Nil fields are not checked.
type Expect struct {
	ExitCode *int    `yaml:"exit_code,omitempty" toml:"exit_code,omitempty" json:"exit_code,omitempty"`
	TimedOut *bool   `yaml:"timed_out,omitempty" toml:"timed_out,omitempty" json:"timed_out,omitempty"`
	Stdout   *Stream `yaml:"stdout,omitempty" toml:"stdout,omitempty" json:"stdout,omitempty"`
	Stderr   *Stream `yaml:"stderr,omitempty" toml:"stderr,omitempty" json:"stderr,omitempty"`
	Files    []File  `yaml:"files,omitempty" toml:"files,omitempty" json:"files,omitempty"`
}

// NeedsResult reports whether e inspects the pipeline result (as opposed to files only).
func (e Expect) NeedsResult() bool {
	return e.ExitCode != nil || e.TimedOut != nil || e.Stdout != nil || e.Stderr != nil
}

// Empty reports whether e asserts nothing.
func (e Expect) Empty() bool {
	return !e.NeedsResult() && len(e.Files) == 0
}

// Validate checks that e is well-formed (valid regular expressions, file paths set).
func (e Expect) Validate() error {
	streams := []struct {
		name string
		s    *Stream
	}{{"stdout", e.Stdout}, {"stderr", e.Stderr}}
	for _, st := range streams {
		if st.s == nil || st.s.Matches == "" {
			continue
		}
		if _, err := regexp.Compile(st.s.Matches); err != nil {
			return fmt.Errorf("%s.matches: %w", st.name, err)
		}
	}
	for i, f := range e.Files {
		if strings.TrimSpace(f.Path) == "" {
			return fmt.Errorf("files[%d]: path is required", i)
		}
	}
	return nil
}

// Failure is an assertion failure of a single case.
type Failure struct {
	Case     string
	Problems []string
}

func (f *Failure) Error() string {
	if len(f.Problems) == 1 {
		return fmt.Sprintf("case %q: %s", f.Case, f.Problems[0])
	}
	var b strings.Builder
	fmt.Fprintf(&b, "case %q: %d problems", f.Case, len(f.Problems))
	for _, p := range f.Problems {
		b.WriteString("\n- ")
		b.WriteString(p)
	}
	return b.String()
}

// Evaluate checks e against rc and returns a *Failure naming every unmet
// expectation, or nil.
func Evaluate(name string, e Expect, rc *runctx.Context) error {
	var problems []string
	if e.NeedsResult() {
		problems = append(problems, checkResult(e, rc)...)
	}
	for _, f := range e.Files {
		problems = append(problems, checkFile(f, rc)...)
	}
	if len(problems) == 0 {
		return nil
	}
	return &Failure{Case: name, Problems: problems}
}

func checkResult(e Expect, rc *runctx.Context) []string {
	if !rc.Ran() {
		return []string{"pipeline has not run yet"}
	}

	var problems []string
	if e.TimedOut != nil && rc.TimedOut() != *e.TimedOut {
		if rc.TimedOut() {
			problems = append(problems, "pipeline timed out")
		} else {
			problems = append(problems, "expected the pipeline to time out, but it exited")
		}
	}
	if e.ExitCode != nil {
		code, err := rc.ExitCode()
		switch {
		case err != nil:
			problems = append(problems, fmt.Sprintf("exit code unavailable: %v", err))
		case code != *e.ExitCode:
			problems = append(problems, fmt.Sprintf("exit code = %d, want %d", code, *e.ExitCode))
		}
	}
	if e.Stdout != nil {
		problems = append(problems, checkStream("stdout", *e.Stdout, rc.Stdout())...)
	}
	if e.Stderr != nil {
		problems = append(problems, checkStream("stderr", *e.Stderr, rc.Stderr())...)
	}
	return problems
}

func checkStream(label string, s Stream, got string) []string {
	var problems []string
	if s.Equals != nil && got != *s.Equals {
		problems = append(problems, fmt.Sprintf("%s differs:\n%s", label, Diff(*s.Equals, got)))
	}
	for _, want := range s.Contains {
		if !strings.Contains(got, want) {
			problems = append(problems, fmt.Sprintf("%s does not contain %q", label, want))
		}
	}
	for _, bad := range s.NotContains {
		if strings.Contains(got, bad) {
			problems = append(problems, fmt.Sprintf("%s contains %q", label, bad))
		}
	}
	if s.Matches != "" {
		re, err := regexp.Compile(s.Matches)
		switch {
		case err != nil:
			problems = append(problems, fmt.Sprintf("%s.matches: %v", label, err))
		case !re.MatchString(got):
			problems = append(problems, fmt.Sprintf("%s does not match /%s/", label, s.Matches))
		}
	}
	if s.Empty != nil && (got == "") != *s.Empty {
		if *s.Empty {
			problems = append(problems, fmt.Sprintf("%s is not empty: %q", label, truncate(got, 80)))
		} else {
			problems = append(problems, fmt.Sprintf("%s is empty", label))
		}
	}
	return problems
}

func checkFile(f File, rc *runctx.Context) []string {
	path := rc.Path(f.Path)
	data, err := os.ReadFile(path)
	exists := err == nil
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return []string{fmt.Sprintf("reading %s: %v", f.Path, err)}
	}

	if f.Exists != nil && !*f.Exists {
		if exists {
			return []string{fmt.Sprintf("file %s exists, want absent", f.Path)}
		}
		return nil
	}
	if !exists {
		return []string{fmt.Sprintf("file %s does not exist", f.Path)}
	}

	var problems []string
	got := string(data)
	if f.Equals != nil && got != *f.Equals {
		problems = append(problems, fmt.Sprintf("file %s differs:\n%s", f.Path, Diff(*f.Equals, got)))
	}
	for _, want := range f.Contains {
		if !strings.Contains(got, want) {
			problems = append(problems, fmt.Sprintf("file %s does not contain %q", f.Path, want))
		}
	}
	return problems
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
