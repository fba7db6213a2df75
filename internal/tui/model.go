package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-runewidth"
	"github.com/muesli/reflow/indent"
	"github.com/muesli/reflow/truncate"
	"github.com/muesli/reflow/wordwrap"
)

// StepStatus represents the display state of a group or step.
// Values mirror harness.Status and session.GroupStatus.
type StepStatus string

const (
	StatusPending StepStatus = "pending"
	StatusRunning StepStatus = "running"
	StatusPassed  StepStatus = "passed"
	StatusFailed  StepStatus = "failed"
	StatusError   StepStatus = "error"
	StatusSkipped StepStatus = "skipped"
)

// StepState tracks the display state of a single scheduled step.
type StepState struct {
	Name     string
	Phase    string
	Status   StepStatus
	Progress string
	Duration time.Duration
	Message  string
}

// GroupState tracks the display state of one group.
type GroupState struct {
	Name   string
	Status StepStatus
	Steps  []StepState
	Err    string
}

// SessionStartMsg announces the groups of a session.
type SessionStartMsg struct {
	RunID  string
	Groups []string
}

// GroupStartMsg signals that a group began.
type GroupStartMsg struct {
	Group string
}

// StatusUpdateMsg bridges harness step updates to the display.
type StatusUpdateMsg struct {
	Group    string
	Step     string
	Phase    string
	Status   StepStatus
	Progress string
	Duration time.Duration
	Message  string
}

// GroupDoneMsg signals that a group finished.
type GroupDoneMsg struct {
	Group  string
	Status StepStatus
	Err    string
}

// SessionDoneMsg signals that every group has finished.
type SessionDoneMsg struct {
	Status string
}

// SessionErrorMsg signals that the session could not run.
type SessionErrorMsg struct {
	Err error
}

func (SessionStartMsg) isDisplayEvent() {}
func (GroupStartMsg) isDisplayEvent()   {}
func (StatusUpdateMsg) isDisplayEvent() {}
func (GroupDoneMsg) isDisplayEvent()    {}
func (SessionDoneMsg) isDisplayEvent()  {}
func (SessionErrorMsg) isDisplayEvent() {}

// Model is the Bubble Tea model for live session progress.
type Model struct {
	runID   string
	groups  []GroupState
	current int // Index of the running group, -1 before the first starts.
	spinner spinner.Model
	width   int
	status  string
	done    bool
	aborted bool
	err     error
	cancel  context.CancelFunc
}

// ModelOption configures a Model.
type ModelOption func(*Model)

// WithCancelFunc sets the function called when the user aborts the run.
func WithCancelFunc(cancel context.CancelFunc) ModelOption {
	return func(m *Model) { m.cancel = cancel }
}

// NewModel creates a Model. Group names may also arrive later in a
// SessionStartMsg.
func NewModel(groupNames []string, opts ...ModelOption) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot

	m := Model{spinner: s, current: -1}
	m.setGroups(groupNames)
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

func (m *Model) setGroups(names []string) {
	m.groups = make([]GroupState, len(names))
	for i, name := range names {
		m.groups[i] = GroupState{Name: name, Status: StatusPending}
	}
	m.current = -1
}

// Init starts the spinner tick.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case SessionStartMsg:
		m.runID = msg.RunID
		m.setGroups(msg.Groups)
		return m, nil

	case GroupStartMsg:
		m.startGroup(msg.Group)
		return m, nil

	case StatusUpdateMsg:
		m.updateStep(msg)
		return m, nil

	case GroupDoneMsg:
		if g := m.group(msg.Group); g != nil {
			g.Status = msg.Status
			g.Err = msg.Err
		}
		return m, nil

	case SessionDoneMsg:
		m.done = true
		m.status = msg.Status
		return m, tea.Quit

	case SessionErrorMsg:
		m.done = true
		m.err = msg.Err
		return m, tea.Quit

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.done = true
			m.aborted = true
			if m.cancel != nil {
				m.cancel()
			}
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// startGroup marks the next pending group with name as running, adding it if
// the session did not announce it.
func (m *Model) startGroup(name string) {
	for i := m.current + 1; i < len(m.groups); i++ {
		if m.groups[i].Name == name && m.groups[i].Status == StatusPending {
			m.groups[i].Status = StatusRunning
			m.current = i
			return
		}
	}
	m.groups = append(m.groups, GroupState{Name: name, Status: StatusRunning})
	m.current = len(m.groups) - 1
}

// group returns the running group if it has name, otherwise the last group
// with that name.
func (m *Model) group(name string) *GroupState {
	if m.current >= 0 && m.current < len(m.groups) && m.groups[m.current].Name == name {
		return &m.groups[m.current]
	}
	for i := len(m.groups) - 1; i >= 0; i-- {
		if m.groups[i].Name == name {
			return &m.groups[i]
		}
	}
	return nil
}

func (m *Model) updateStep(msg StatusUpdateMsg) {
	g := m.group(msg.Group)
	if g == nil {
		m.startGroup(msg.Group)
		g = &m.groups[m.current]
	}
	for i := range g.Steps {
		s := &g.Steps[i]
		if s.Name != msg.Step {
			continue
		}
		s.Status = msg.Status
		if msg.Progress != "" {
			s.Progress = msg.Progress
		}
		if msg.Duration > 0 {
			s.Duration = msg.Duration
		}
		if msg.Message != "" {
			s.Message = msg.Message
		}
		return
	}
	g.Steps = append(g.Steps, StepState{
		Name:     msg.Step,
		Phase:    msg.Phase,
		Status:   msg.Status,
		Progress: msg.Progress,
		Duration: msg.Duration,
		Message:  msg.Message,
	})
}

// View renders the group list. Steps are listed for the running group;
// finished groups show only their failing steps.
func (m Model) View() string {
	var b strings.Builder

	finished := 0
	for _, g := range m.groups {
		if g.Status != StatusPending && g.Status != StatusRunning {
			finished++
		}
	}
	header := "pipecheck"
	if m.runID != "" {
		header += " run " + shortID(m.runID)
	}
	b.WriteString(m.fit(fmt.Sprintf("%s %s", headerStyle.Render(header), dimStyle.Render(fmt.Sprintf("[%d/%d groups]", finished, len(m.groups))))))
	b.WriteString("\n")

	for i, g := range m.groups {
		indicator := statusStyle(g.Status).Render(statusIndicator(g.Status, m.spinner.View()))
		b.WriteString(m.fit(fmt.Sprintf("  %s %s", indicator, g.Name)))
		b.WriteString("\n")

		running := i == m.current && g.Status == StatusRunning
		var shown []StepState
		nameWidth := 0
		for _, s := range g.Steps {
			failing := s.Status == StatusFailed || s.Status == StatusError
			if !running && !failing {
				continue
			}
			shown = append(shown, s)
			nameWidth = max(nameWidth, runewidth.StringWidth(s.Name))
		}
		for _, s := range shown {
			b.WriteString(m.stepLine(s, nameWidth))
		}
		if g.Err != "" && g.Status == StatusError {
			b.WriteString(m.message(g.Err, 6))
		}
	}

	switch {
	case m.aborted:
		b.WriteString("\n  Aborted.\n")
	case m.done && m.err != nil:
		b.WriteString(fmt.Sprintf("\n  Error: %s\n", m.err))
	case m.done && m.status != "":
		b.WriteString(fmt.Sprintf("\n  Session %s.\n", m.status))
	}
	return b.String()
}

func (m Model) stepLine(s StepState, nameWidth int) string {
	indicator := statusStyle(s.Status).Render(statusIndicator(s.Status, m.spinner.View()))
	line := fmt.Sprintf("      %s %s", indicator, runewidth.FillRight(s.Name, nameWidth))
	if s.Progress != "" {
		line += dimStyle.Render(" [" + s.Progress + "]")
	}
	if s.Duration > 0 {
		line += fmt.Sprintf(" %.1fs", s.Duration.Seconds())
	}
	out := m.fit(line) + "\n"
	if s.Message != "" && (s.Status == StatusFailed || s.Status == StatusError) {
		out += m.message(s.Message, 10)
	}
	return out
}

// message word-wraps text to the model width and indents it.
func (m Model) message(text string, margin uint) string {
	if m.width > int(margin)+10 {
		text = wordwrap.String(text, m.width-int(margin))
	}
	return indent.String(strings.TrimRight(text, "\n"), margin) + "\n"
}

// fit truncates a line to the terminal width, if known. Escape sequences do
// not count toward the width.
func (m Model) fit(line string) string {
	if m.width <= 0 {
		return line
	}
	return truncate.StringWithTail(line, uint(m.width), "…")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
