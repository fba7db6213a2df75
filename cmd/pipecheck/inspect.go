package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/smileynet/pipecheck/internal/harness"
	"github.com/smileynet/pipecheck/internal/history"
	"github.com/smileynet/pipecheck/internal/report"
	"github.com/smileynet/pipecheck/internal/schedule"
	"github.com/smileynet/pipecheck/internal/session"
	"github.com/smileynet/pipecheck/internal/state"
	"github.com/smileynet/pipecheck/internal/suite"
	"github.com/smileynet/pipecheck/internal/tui"
)

// ListCmd prints the planned step order of every group.
type ListCmd struct {
	Files []string `arg:"" type:"path" help:"Suite files (YAML or TOML)."`
}

// Run executes the list command.
func (c *ListCmd) Run(_ *Globals) error {
	suites, err := loadSuites(c.Files)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	if failed := listPlans(os.Stdout, suites); failed > 0 {
		return fmt.Errorf("list: %d group(s) have declaration errors", failed)
	}
	return nil
}

// listPlans writes each group's steps in execution order and returns how many
// groups could not be planned.
func listPlans(w io.Writer, suites []*suite.Suite) int {
	failed := 0
	for _, s := range suites {
		_, _ = fmt.Fprintln(w, s.Path)
		for _, g := range s.Groups {
			_, _ = fmt.Fprintf(w, "  %s\n", g.Name)
			steps, err := harness.Plan(s.Build(g, s.Dir(), nil))
			if err != nil {
				failed++
				_, _ = fmt.Fprintf(w, "    collected 0 items / 1 error: %v\n", err)
				continue
			}
			width := 0
			for _, st := range steps {
				width = max(width, runewidth.StringWidth(stepPhase(st)))
			}
			for i, st := range steps {
				_, _ = fmt.Fprintf(w, "    %2d  %s  %s\n", i+1, runewidth.FillRight(stepPhase(st), width), st.Name())
			}
		}
	}
	return failed
}

func stepPhase(st schedule.Step) string {
	if st.Kind == schedule.PipelineStep {
		return "run"
	}
	return st.Phase.String()
}

// ValidateCmd checks suite files without running them.
type ValidateCmd struct {
	Files []string `arg:"" type:"path" help:"Suite files (YAML or TOML)."`
}

// Run executes the validate command.
func (c *ValidateCmd) Run(_ *Globals) error {
	return c.run(os.Stdout)
}

func (c *ValidateCmd) run(w io.Writer) error {
	bad := 0
	for _, path := range c.Files {
		s, err := suite.Load(path)
		if err != nil {
			bad++
			_, _ = fmt.Fprintf(w, "FAIL %v\n", err)
			continue
		}
		var problems []string
		for _, g := range s.Groups {
			if _, err := harness.Plan(s.Build(g, s.Dir(), nil)); err != nil {
				problems = append(problems, err.Error())
			}
		}
		if len(problems) > 0 {
			bad++
			_, _ = fmt.Fprintf(w, "FAIL %s\n", path)
			for _, p := range problems {
				_, _ = fmt.Fprintf(w, "  %s\n", p)
			}
			continue
		}
		_, _ = fmt.Fprintf(w, "ok   %s (%d group(s))\n", path, len(s.Groups))
	}
	if bad > 0 {
		return fmt.Errorf("validate: %d of %d suite(s) invalid", bad, len(c.Files))
	}
	return nil
}

// HistoryCmd lists past runs from the history index.
type HistoryCmd struct {
	Limit  int    `help:"Maximum number of runs to show." default:"20"`
	Status string `help:"Only show runs with this status (passed, failed, aborted)." enum:"passed,failed,aborted,all" default:"all"`
}

// Run executes the history command.
func (c *HistoryCmd) Run(g *Globals) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	if cfg.Output.HistoryDB == "" {
		return errors.New("history: output.history_db is not set")
	}
	h, err := history.Open(cfg.Output.HistoryDB)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	defer func() { _ = h.Close() }()
	return c.run(os.Stdout, h)
}

// runLister abstracts history.Store for testing.
type runLister interface {
	List(limit int, status session.Status) ([]history.Run, error)
}

func (c *HistoryCmd) run(w io.Writer, h runLister) error {
	var status session.Status
	if c.Status != "all" {
		status = session.Status(c.Status)
	}
	runs, err := h.List(c.Limit, status)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(w, "No runs recorded yet.")
		return nil
	}
	_, _ = fmt.Fprintln(w, tui.HistoryTable(runs))
	return nil
}

// ShowCmd renders the report of a saved run.
type ShowCmd struct {
	RunID string `arg:"" optional:"" help:"Run ID or unique prefix (default: latest run)."`
	Raw   bool   `help:"Print Markdown without terminal styling."`
}

// Run executes the show command.
func (c *ShowCmd) Run(g *Globals) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return fmt.Errorf("show: %w", err)
	}
	store := state.NewFileStore(cfg.Output.StateDir)
	loader := report.NewLoader(cfg.Output.TemplatesDir)

	isTTY, width := report.Terminal(os.Stdout)
	return c.run(os.Stdout, store, loader, isTTY && !c.Raw, width)
}

// stateLister abstracts state.FileStore for testing.
type stateLister interface {
	List() ([]session.State, error)
}

func (c *ShowCmd) run(w io.Writer, store stateLister, loader *report.Loader, styled bool, width int) error {
	st, err := findRun(store, c.RunID)
	if err != nil {
		return fmt.Errorf("show: %w", err)
	}
	md, err := loader.Markdown(st)
	if err != nil {
		return fmt.Errorf("show: %w", err)
	}
	if !styled {
		_, _ = io.WriteString(w, md)
		return nil
	}
	out, err := report.Render(md, width, true)
	if err != nil {
		return fmt.Errorf("show: %w", err)
	}
	_, _ = io.WriteString(w, out)
	return nil
}

// findRun returns the latest run for an empty id, otherwise the single run
// whose ID starts with id.
func findRun(store stateLister, id string) (session.State, error) {
	states, err := store.List()
	if err != nil {
		return session.State{}, err
	}
	if len(states) == 0 {
		return session.State{}, state.ErrEmpty
	}
	if id == "" {
		return states[0], nil
	}
	var matches []session.State
	for _, st := range states {
		if st.ID == id {
			return st, nil
		}
		if strings.HasPrefix(st.ID, id) {
			matches = append(matches, st)
		}
	}
	switch len(matches) {
	case 0:
		return session.State{}, fmt.Errorf("no run matches %q", id)
	case 1:
		return matches[0], nil
	default:
		return session.State{}, fmt.Errorf("%q matches %d runs", id, len(matches))
	}
}

// InitCmd writes a starter suite file.
type InitCmd struct {
	Path    string  `arg:"" optional:"" default:"pipecheck.yaml" help:"Suite file to create."`
	Group   string  `help:"Name of the first group." default:"TestPipeline"`
	Command string  `help:"Pipeline command to test." default:"./pipeline"`
	Timeout float64 `help:"Pipeline timeout in seconds." default:"10"`
	Force   bool    `help:"Overwrite an existing file."`
}

// Run executes the init command.
func (c *InitCmd) Run(g *Globals) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	return c.run(os.Stdout, report.NewLoader(cfg.Output.TemplatesDir))
}

func (c *InitCmd) run(w io.Writer, loader *report.Loader) error {
	if !c.Force {
		if _, err := os.Stat(c.Path); err == nil {
			return fmt.Errorf("init: %s already exists (use --force to overwrite)", c.Path)
		}
	}
	if suite.FormatFor(c.Path) != suite.FormatYAML {
		return fmt.Errorf("init: %s: starter suites are YAML", c.Path)
	}
	body, err := loader.Suite(report.Starter{
		File:    filepath.Base(c.Path),
		Group:   c.Group,
		Command: c.Command,
		Timeout: c.Timeout,
	})
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	if _, err := suite.Parse([]byte(body), suite.FormatYAML); err != nil {
		return fmt.Errorf("init: starter template does not parse: %w", err)
	}
	if dir := filepath.Dir(c.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}
	if err := os.WriteFile(c.Path, []byte(body), 0o644); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	_, _ = fmt.Fprintf(w, "Wrote %s. Run it with: pipecheck run %s\n", c.Path, c.Path)
	return nil
}
