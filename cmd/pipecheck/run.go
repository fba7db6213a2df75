package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/smileynet/pipecheck/internal/config"
	"github.com/smileynet/pipecheck/internal/harness"
	"github.com/smileynet/pipecheck/internal/history"
	"github.com/smileynet/pipecheck/internal/process"
	"github.com/smileynet/pipecheck/internal/report"
	"github.com/smileynet/pipecheck/internal/session"
	"github.com/smileynet/pipecheck/internal/state"
	"github.com/smileynet/pipecheck/internal/suite"
	"github.com/smileynet/pipecheck/internal/tui"
	"github.com/smileynet/pipecheck/internal/watch"
	"github.com/smileynet/pipecheck/internal/workdir"
)

// RunCmd runs the groups of one or more suite files.
type RunCmd struct {
	Files        []string      `arg:"" type:"path" help:"Suite files (YAML or TOML)."`
	NoTUI        bool          `help:"Force plain text output even if stdout is a TTY."`
	FailureMode  string        `help:"What to do after a group fails: abort or continue." placeholder:"MODE"`
	KeepWorkdirs bool          `help:"Keep scratch directories of passing groups."`
	Timeout      time.Duration `help:"Timeout for groups that set none (e.g. 30s)."`
	NoReport     bool          `help:"Do not write a Markdown report."`
}

// applyFlags overrides config values with the flags that were set.
func (r *RunCmd) applyFlags(cfg *config.Config) {
	if r.FailureMode != "" {
		cfg.Session.FailureMode = r.FailureMode
	}
	if r.KeepWorkdirs {
		cfg.Workdir.Keep = true
	}
	if r.Timeout > 0 {
		cfg.Runtime.DefaultTimeout = r.Timeout
	}
}

// Run executes the run command.
func (r *RunCmd) Run(g *Globals) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	r.applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	logger := newLogger(os.Stderr, cfg)

	suites, err := loadSuites(r.Files)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	env, err := openEnv(cfg, logger)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	defer env.Close()

	// The TUI cancels this context on q / Ctrl+C; in plain mode the signal
	// handler below does.
	sessionCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bridge := tui.NewBridge()
	display := tui.NewDisplay(tui.DisplayOptions{
		Writer:     os.Stdout,
		ForcePlain: r.NoTUI,
		CancelFunc: cancel,
	})
	runner, err := env.sessionRunner(bridge)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	ctx, stop := signal.NotifyContext(sessionCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := runSession(ctx, runner, display, bridge, suites)
	return env.finish(os.Stdout, st, err, !r.NoReport)
}

// sessionRunner abstracts session.Runner for testing.
type sessionRunner interface {
	Run(ctx context.Context, suites []*suite.Suite) (session.State, error)
}

// runSession runs one session while display renders its progress, and waits
// for the display to release the terminal.
func runSession(ctx context.Context, runner sessionRunner, display tui.Display, bridge *tui.Bridge, suites []*suite.Suite) (session.State, error) {
	displayDone := make(chan error, 1)
	go func() {
		displayDone <- display.Run(context.Background(), bridge.Events())
	}()

	st, err := runner.Run(ctx, suites)
	if errors.Is(err, session.ErrNoGroups) {
		bridge.Error(err)
	} else {
		bridge.Close()
	}
	<-displayDone
	return st, err
}

// env holds the persistence and execution collaborators built from config.
type env struct {
	cfg     *config.Config
	logger  *log.Logger
	store   *state.FileStore
	history *history.Store
	reports *report.Loader
}

func openEnv(cfg *config.Config, logger *log.Logger) (*env, error) {
	e := &env{
		cfg:     cfg,
		logger:  logger,
		store:   state.NewFileStore(cfg.Output.StateDir),
		reports: report.NewLoader(cfg.Output.TemplatesDir),
	}
	if cfg.Output.HistoryDB != "" {
		h, err := history.Open(cfg.Output.HistoryDB)
		if err != nil {
			return nil, err
		}
		e.history = h
	}
	return e, nil
}

// Close releases the history database.
func (e *env) Close() {
	if e.history == nil {
		return
	}
	if err := e.history.Close(); err != nil {
		e.logger.Warn("closing history", "err", err)
	}
}

// sessionRunner wires a session.Runner whose progress goes to cb.
func (e *env) sessionRunner(cb *tui.Bridge) (*session.Runner, error) {
	mode, err := e.cfg.FailureMode()
	if err != nil {
		return nil, err
	}
	proc := process.NewRunner(
		process.WithShell(e.cfg.ShellArgs()...),
		process.WithGracePeriod(e.cfg.Runtime.GracePeriod),
		process.WithLogger(e.logger),
	)
	h := harness.New(
		harness.WithRunner(proc),
		harness.WithStatusCallback(cb.Status),
		harness.WithLogger(e.logger),
		harness.WithDefaultTimeout(e.cfg.Runtime.DefaultTimeout),
	)
	opts := []session.Option{
		session.WithWorkspace(workdir.NewManager(e.cfg.Workdir.BaseDir)),
		session.WithStateStore(e.store),
		session.WithConfig(session.Config{FailureMode: mode, KeepWorkdirs: e.cfg.Workdir.Keep}),
		session.WithCallback(cb),
		session.WithCaseRunner(proc),
		session.WithLogger(e.logger),
	}
	if e.history != nil {
		opts = append(opts, session.WithHistory(e.history))
	}
	return session.NewRunner(h, opts...), nil
}

// finish prints the summary, writes the report, prunes history and turns the
// session outcome into the command error.
func (e *env) finish(w io.Writer, st session.State, runErr error, writeReport bool) error {
	if errors.Is(runErr, session.ErrNoGroups) {
		return runErr
	}
	_, _ = fmt.Fprintln(w, tui.Summary(st, tui.IsTTY(w)))

	if writeReport {
		path, err := e.writeReport(st)
		if err != nil {
			e.logger.Warn("writing report", "err", err)
		} else {
			_, _ = fmt.Fprintf(w, "Report: %s\n", path)
		}
	}
	if e.history != nil && e.cfg.Output.HistoryKeep > 0 {
		if n, err := e.history.Prune(e.cfg.Output.HistoryKeep); err != nil {
			e.logger.Warn("pruning history", "err", err)
		} else if n > 0 {
			e.logger.Debug("pruned history", "removed", n)
		}
	}
	e.logger.Info("session saved", "run_id", st.ID, "dir", e.cfg.Output.StateDir)

	if runErr != nil {
		return runErr
	}
	if !st.Passed() {
		return &SessionError{State: st}
	}
	return nil
}

func (e *env) writeReport(st session.State) (string, error) {
	if e.cfg.Output.ReportDir == "" {
		return "", errors.New("output.report_dir is empty")
	}
	md, err := e.reports.Markdown(st)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(e.cfg.Output.ReportDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(e.cfg.Output.ReportDir, st.ID+".md")
	if err := os.WriteFile(path, []byte(md), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// WatchCmd runs suites once and again after every change to a suite file or
// one of its fixtures. Output is always plain text.
type WatchCmd struct {
	Files        []string      `arg:"" type:"path" help:"Suite files (YAML or TOML)."`
	FailureMode  string        `help:"What to do after a group fails: abort or continue." placeholder:"MODE"`
	KeepWorkdirs bool          `help:"Keep scratch directories of passing groups."`
	Debounce     time.Duration `help:"Quiet period before rerunning (e.g. 500ms)."`
}

// Run executes the watch command until interrupted.
func (c *WatchCmd) Run(g *Globals) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	flags := RunCmd{FailureMode: c.FailureMode, KeepWorkdirs: c.KeepWorkdirs}
	flags.applyFlags(cfg)
	if c.Debounce > 0 {
		cfg.Watch.Debounce = c.Debounce
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	logger := newLogger(os.Stderr, cfg)

	env, err := openEnv(cfg, logger)
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer env.Close()

	w, err := watch.New(watch.WithDebounce(cfg.Watch.Debounce), watch.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer func() { _ = w.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return c.run(ctx, os.Stdout, env, w)
}

// watcher abstracts watch.Watcher for testing.
type watcher interface {
	Add(path string) error
	Run(ctx context.Context, fn watch.Handler) error
}

func (c *WatchCmd) run(ctx context.Context, out io.Writer, e *env, w watcher) error {
	rerun := func(ctx context.Context) {
		suites, err := loadSuites(c.Files)
		for _, p := range watchPaths(c.Files, suites) {
			if err := w.Add(p); err != nil {
				e.logger.Warn("watching", "path", p, "err", err)
			}
		}
		if err != nil {
			_, _ = fmt.Fprintf(out, "error: %v\n", err)
			return
		}
		bridge := tui.NewBridge()
		runner, err := e.sessionRunner(bridge)
		if err != nil {
			_, _ = fmt.Fprintf(out, "error: %v\n", err)
			return
		}
		display := tui.NewDisplay(tui.DisplayOptions{Writer: out, ForcePlain: true})
		st, err := runSession(ctx, runner, display, bridge, suites)
		if err := e.finish(out, st, err, false); err != nil {
			_, _ = fmt.Fprintf(out, "%v\n", err)
		}
		_, _ = fmt.Fprintln(out, "Watching for changes. Press Ctrl+C to stop.")
	}

	rerun(ctx)
	return w.Run(ctx, func(ctx context.Context, events []watch.Event) {
		for _, ev := range events {
			e.logger.Debug("change", "path", ev.Path)
		}
		_, _ = fmt.Fprintf(out, "\n%d change(s) detected, rerunning\n", len(events))
		rerun(ctx)
	})
}

// watchPaths returns the suite files and the fixtures they copy, resolved
// against each suite's directory. Paths that do not exist yet are skipped.
func watchPaths(files []string, suites []*suite.Suite) []string {
	seen := make(map[string]bool)
	var paths []string
	add := func(p string) {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			return
		}
		if _, err := os.Stat(abs); err != nil {
			return
		}
		seen[abs] = true
		paths = append(paths, abs)
	}
	for _, f := range files {
		add(f)
	}
	for _, s := range suites {
		for _, g := range s.Groups {
			for _, fx := range g.Fixtures {
				if filepath.IsAbs(fx) {
					add(fx)
				} else {
					add(filepath.Join(s.Dir(), fx))
				}
			}
		}
	}
	return paths
}
