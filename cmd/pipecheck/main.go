package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"

	"github.com/smileynet/pipecheck/internal/config"
	"github.com/smileynet/pipecheck/internal/session"
	"github.com/smileynet/pipecheck/internal/suite"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// CLI is the top-level command structure for pipecheck.
type CLI struct {
	Globals

	Version  kong.VersionFlag `help:"Show version." short:"V"`
	Run      RunCmd           `cmd:"" help:"Run the groups of one or more suite files."`
	List     ListCmd          `cmd:"" help:"Print the planned step order without running anything."`
	Validate ValidateCmd      `cmd:"" help:"Check suite files for schema and declaration errors."`
	Watch    WatchCmd         `cmd:"" help:"Run suites and rerun them whenever a suite or fixture changes."`
	History  HistoryCmd       `cmd:"" help:"List past runs."`
	Show     ShowCmd          `cmd:"" help:"Show the report of a past run."`
	Init     InitCmd          `cmd:"" help:"Write a starter suite file."`
}

// Globals are flags shared by every command.
type Globals struct {
	Config   string `help:"Extra config file, applied after user and project config." type:"path" placeholder:"FILE"`
	LogLevel string `help:"Log level (debug, info, warn, error)." name:"log-level" placeholder:"LEVEL"`
}

// loadConfig loads layered config from user and project paths with env overrides.
func loadConfig(g *Globals) (*config.Config, error) {
	paths := []string{
		os.ExpandEnv("$HOME/.config/pipecheck/config.yaml"),
		".pipecheck/config.yaml",
	}
	if g.Config != "" {
		paths = append(paths, g.Config)
	}
	cfg, err := config.LoadLayered(paths...)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if g.LogLevel != "" {
		cfg.Output.LogLevel = g.LogLevel
	}
	return cfg, nil
}

// newLogger builds the stderr logger for cfg. Validate must have accepted cfg.
func newLogger(w io.Writer, cfg *config.Config) *log.Logger {
	level, err := log.ParseLevel(cfg.Output.LogLevel)
	if err != nil {
		level = log.WarnLevel
	}
	return log.NewWithOptions(w, log.Options{
		Level:           level,
		Prefix:          "pipecheck",
		ReportTimestamp: true,
	})
}

// loadSuites loads every suite file, reporting all load errors together.
func loadSuites(paths []string) ([]*suite.Suite, error) {
	var (
		suites []*suite.Suite
		errs   []error
	)
	for _, p := range paths {
		s, err := suite.Load(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		suites = append(suites, s)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return suites, nil
}

// SessionError reports a session that finished without every group passing.
type SessionError struct {
	State session.State
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("run %s %s: %d of %d group(s) passed",
		shortID(e.State.ID), e.State.Status, e.State.Count(session.GroupPassed), len(e.State.Groups))
}

const (
	exitSuccess = 0
	exitFailure = 1
	exitSetup   = 2
)

// exitCode maps an error to the appropriate exit code. A session whose groups
// only failed their steps exits 1; a group that could not be collected or set
// up makes it exit 2, as does any error outside a session.
func exitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	var se *SessionError
	if errors.As(err, &se) {
		if se.State.Count(session.GroupError) > 0 {
			return exitSetup
		}
		return exitFailure
	}
	return exitSetup
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("pipecheck"),
		kong.Description("Run declarative tests around external pipeline commands."),
		kong.UsageOnError(),
		kong.Vars{"version": version + " " + commit + " " + date},
	)
	err := ctx.Run(&cli.Globals)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(exitCode(err))
	}
}
