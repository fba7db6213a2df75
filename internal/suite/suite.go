// Package suite loads declarative pipeline test suites from YAML or TOML files
// and turns them into executable harness groups.
package suite

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/smileynet/pipecheck/internal/check"
	"github.com/smileynet/pipecheck/internal/phase"
	"github.com/smileynet/pipecheck/internal/process"
)

// Suite is a parsed suite file.
type Suite struct {
	Path    string  `yaml:"-" toml:"-"`
	Version int     `yaml:"version,omitempty" toml:"version,omitempty"`
	Groups  []Group `yaml:"groups" toml:"groups"`
}

// Group declares one pipeline command and the cases around it.
type Group struct {
	Name      string            `yaml:"name" toml:"name"`
	Command   string            `yaml:"command,omitempty" toml:"command,omitempty"`
	Argv      []string          `yaml:"argv,omitempty" toml:"argv,omitempty"`
	Timeout   float64           `yaml:"timeout,omitempty" toml:"timeout,omitempty"` // Seconds; zero means unbounded.
	Workdir   string            `yaml:"workdir,omitempty" toml:"workdir,omitempty"` // Empty means a fresh scratch directory.
	Env       map[string]string `yaml:"env,omitempty" toml:"env,omitempty"`
	EnvFile   StringList        `yaml:"env_file,omitempty" toml:"env_file,omitempty"`
	CleanEnv  bool              `yaml:"clean_env,omitempty" toml:"clean_env,omitempty"`
	StripANSI bool              `yaml:"strip_ansi,omitempty" toml:"strip_ansi,omitempty"`
	Fixtures  []string          `yaml:"fixtures,omitempty" toml:"fixtures,omitempty"`
	Cases     []Case            `yaml:"cases,omitempty" toml:"cases,omitempty"`
}

// Case is one declared case of a group.
type Case struct {
	Name      string       `yaml:"name" toml:"name"`
	BeforeRun Mark         `yaml:"before_run,omitempty" toml:"before_run,omitempty"`
	AfterRun  Mark         `yaml:"after_run,omitempty" toml:"after_run,omitempty"`
	Run       string       `yaml:"run,omitempty" toml:"run,omitempty"` // Shell command run in the working directory before checking.
	Expect    check.Expect `yaml:"expect,omitempty" toml:"expect,omitempty"`
}

// IsTestName reports whether a suite case name follows the test convention:
// it starts with "test", in any letter case.
func IsTestName(name string) bool {
	return len(name) >= 4 && strings.EqualFold(name[:4], "test")
}

// IsTest reports whether c is recognized as a test case.
func (c Case) IsTest() bool {
	return IsTestName(c.Name)
}

// Marks returns the phase annotations declared on c.
func (c Case) Marks() []phase.Annotation {
	var marks []phase.Annotation
	if c.BeforeRun.Set {
		marks = append(marks, phase.Before(c.BeforeRun.options()...))
	}
	if c.AfterRun.Set {
		marks = append(marks, phase.After(c.AfterRun.options()...))
	}
	return marks
}

// Phase returns the declared phase, ignoring validity. Used for display.
func (c Case) Phase() phase.Kind {
	switch {
	case c.BeforeRun.Set:
		return phase.BeforeRun
	case c.AfterRun.Set:
		return phase.AfterRun
	default:
		return phase.Unannotated
	}
}

// PipelineCommand builds the pipeline command of g. Relative env files are resolved
// against baseDir; dir is the working directory.
func (g Group) PipelineCommand(baseDir, dir string) process.Command {
	files := make([]string, len(g.EnvFile))
	for i, f := range g.EnvFile {
		files[i] = resolve(baseDir, f)
	}
	return process.Command{
		Shell:     g.Command,
		Argv:      g.Argv,
		Timeout:   process.TimeoutSeconds(g.Timeout),
		Dir:       dir,
		Env:       g.Env,
		EnvFiles:  files,
		CleanEnv:  g.CleanEnv,
		StripANSI: g.StripANSI,
	}
}

// Mark is a before_run/after_run declaration. In a suite file it is written
// either as a boolean or as a table with an optional integer order.
type Mark struct {
	Set   bool
	Order *int
}

func (m Mark) options() []phase.Option {
	if m.Order == nil {
		return nil
	}
	return []phase.Option{phase.WithOrder(*m.Order)}
}

// IsZero lets omitempty drop unset marks when encoding.
func (m Mark) IsZero() bool {
	return !m.Set
}

type markTable struct {
	Order *int `yaml:"order" toml:"order"`
}

// UnmarshalYAML accepts `true`, `false`, or `{order: n}`.
func (m *Mark) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var b bool
		if err := node.Decode(&b); err != nil {
			return fmt.Errorf("line %d: phase mark must be a boolean or {order: n}", node.Line)
		}
		*m = Mark{Set: b}
		return nil
	case yaml.MappingNode:
		var t markTable
		if err := node.Decode(&t); err != nil {
			return err
		}
		*m = Mark{Set: true, Order: t.Order}
		return nil
	default:
		return fmt.Errorf("line %d: phase mark must be a boolean or {order: n}", node.Line)
	}
}

// MarshalYAML writes `true` or `{order: n}`.
func (m Mark) MarshalYAML() (any, error) {
	if m.Order == nil {
		return m.Set, nil
	}
	return markTable{Order: m.Order}, nil
}

// UnmarshalTOML accepts `true`, `false`, or `{ order = n }`.
func (m *Mark) UnmarshalTOML(data any) error {
	switch v := data.(type) {
	case bool:
		*m = Mark{Set: v}
		return nil
	case map[string]any:
		mark := Mark{Set: true}
		for k, raw := range v {
			if k != "order" {
				return fmt.Errorf("unknown phase mark key %q", k)
			}
			n, ok := raw.(int64)
			if !ok {
				return fmt.Errorf("phase mark order must be an integer, got %T", raw)
			}
			order := int(n)
			mark.Order = &order
		}
		*m = mark
		return nil
	default:
		return fmt.Errorf("phase mark must be a boolean or { order = n }, got %T", data)
	}
}

// StringList decodes from either a single string or a list of strings.
type StringList []string

// UnmarshalYAML accepts a scalar or a sequence.
func (s *StringList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*s = StringList{node.Value}
		return nil
	}
	var list []string
	if err := node.Decode(&list); err != nil {
		return err
	}
	*s = list
	return nil
}

// UnmarshalTOML accepts a string or an array of strings.
func (s *StringList) UnmarshalTOML(data any) error {
	switch v := data.(type) {
	case string:
		*s = StringList{v}
	case []any:
		list := make(StringList, 0, len(v))
		for _, item := range v {
			str, ok := item.(string)
			if !ok {
				return fmt.Errorf("expected string, got %T", item)
			}
			list = append(list, str)
		}
		*s = list
	default:
		return fmt.Errorf("expected string or list of strings, got %T", data)
	}
	return nil
}
