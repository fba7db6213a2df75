package tui

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/muesli/reflow/indent"

	"github.com/smileynet/pipecheck/internal/harness"
	"github.com/smileynet/pipecheck/internal/schedule"
	"github.com/smileynet/pipecheck/internal/session"
)

// DisplayEvent is an event sent to a Display via the update channel.
type DisplayEvent interface {
	isDisplayEvent()
}

// Verify at compile time that message types implement DisplayEvent.
var (
	_ DisplayEvent = SessionStartMsg{}
	_ DisplayEvent = GroupStartMsg{}
	_ DisplayEvent = StatusUpdateMsg{}
	_ DisplayEvent = GroupDoneMsg{}
	_ DisplayEvent = SessionDoneMsg{}
	_ DisplayEvent = SessionErrorMsg{}
)

// Display renders session progress.
type Display interface {
	Run(ctx context.Context, events <-chan DisplayEvent) error
}

// DisplayOptions configures display creation.
type DisplayOptions struct {
	Writer     io.Writer          // Output destination (default: os.Stdout).
	ForcePlain bool               // Force plain text even if TTY.
	CancelFunc context.CancelFunc // Called by TUI on abort keypress (ignored by PlainDisplay).
	Now        func() time.Time   // Clock for plain timestamps (default: time.Now).
}

// NewDisplay returns a TUI display when the writer is a TTY, or a plain text
// display otherwise. ForcePlain overrides TTY detection.
func NewDisplay(opts DisplayOptions) Display {
	if opts.Writer == nil {
		opts.Writer = os.Stdout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	if opts.ForcePlain || !IsTTY(opts.Writer) {
		return &PlainDisplay{w: opts.Writer, now: opts.Now}
	}

	return &TUIDisplay{w: opts.Writer, cancelFunc: opts.CancelFunc, now: opts.Now}
}

// IsTTY reports whether w is connected to a terminal.
func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Compile-time check: Bridge satisfies session.Callback.
var _ session.Callback = (*Bridge)(nil)

// Bridge converts session and harness callbacks into display events.
type Bridge struct {
	ch   chan DisplayEvent
	once sync.Once
}

// NewBridge creates a Bridge with a buffered event channel.
func NewBridge() *Bridge {
	return &Bridge{ch: make(chan DisplayEvent, 64)}
}

// Events returns the read-only channel for Display.Run() to consume.
func (b *Bridge) Events() <-chan DisplayEvent {
	return b.ch
}

// Status forwards a harness step update. It matches harness.StatusCallback.
func (b *Bridge) Status(su harness.StatusUpdate) {
	msg := StatusUpdateMsg{
		Group:    su.Group,
		Step:     su.Step,
		Phase:    su.Phase.String(),
		Status:   StepStatus(su.Status),
		Progress: su.Progress,
	}
	if su.Kind == schedule.PipelineStep {
		msg.Phase = "run"
		if su.Result != nil {
			msg.Duration = su.Result.Duration
		}
	}
	if su.Err != nil {
		msg.Message = su.Err.Error()
	}
	b.ch <- msg
}

// OnSessionStart implements session.Callback.
func (b *Bridge) OnSessionStart(runID string, groups []string) {
	b.ch <- SessionStartMsg{RunID: runID, Groups: groups}
}

// OnGroupStart implements session.Callback.
func (b *Bridge) OnGroupStart(group string) {
	b.ch <- GroupStartMsg{Group: group}
}

// OnGroupComplete implements session.Callback.
func (b *Bridge) OnGroupComplete(r session.GroupResult) {
	b.ch <- GroupDoneMsg{Group: r.Group, Status: StepStatus(r.Status), Err: r.Error}
}

// OnGroupFail reports a group that could not run as an errored group.
func (b *Bridge) OnGroupFail(group string, err error) {
	b.ch <- GroupDoneMsg{Group: group, Status: StatusError, Err: err.Error()}
}

// OnSessionComplete implements session.Callback.
func (b *Bridge) OnSessionComplete(st session.State) {
	b.ch <- SessionDoneMsg{Status: string(st.Status)}
}

// Error reports a session that could not run and closes the channel.
func (b *Bridge) Error(err error) {
	b.once.Do(func() {
		b.ch <- SessionErrorMsg{Err: err}
		close(b.ch)
	})
}

// Close closes the channel. Further calls are no-ops.
func (b *Bridge) Close() {
	b.once.Do(func() { close(b.ch) })
}

// PlainDisplay renders events as timestamped text lines.
type PlainDisplay struct {
	w   io.Writer
	now func() time.Time
}

// Run prints events until the channel closes. Returns the session error if
// the session could not run, or the context error if cancelled.
func (d *PlainDisplay) Run(ctx context.Context, events <-chan DisplayEvent) error {
	if d.now == nil {
		d.now = time.Now
	}
	var sessionErr error
	for {
		select {
		case <-ctx.Done():
			// Keep draining so producers never block on a full channel.
			go func() {
				for range events {
				}
			}()
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return sessionErr
			}
			if msg, isErr := ev.(SessionErrorMsg); isErr {
				sessionErr = msg.Err
			}
			d.render(ev)
		}
	}
}

func (d *PlainDisplay) render(ev DisplayEvent) {
	ts := d.now().Format("15:04:05")
	switch msg := ev.(type) {
	case SessionStartMsg:
		_, _ = fmt.Fprintf(d.w, "[%s] run %s: %d group(s)\n", ts, shortID(msg.RunID), len(msg.Groups))
	case GroupStartMsg:
		_, _ = fmt.Fprintf(d.w, "[%s] === %s\n", ts, msg.Group)
	case StatusUpdateMsg:
		if msg.Status == StatusRunning {
			return
		}
		line := fmt.Sprintf("[%s] [%s] %s %s", ts, msg.Progress, msg.Step, msg.Status)
		if msg.Duration > 0 {
			line += fmt.Sprintf(" (%.1fs)", msg.Duration.Seconds())
		}
		_, _ = fmt.Fprintln(d.w, line)
		if msg.Message != "" && (msg.Status == StatusFailed || msg.Status == StatusError || msg.Status == StatusSkipped) {
			_, _ = fmt.Fprintln(d.w, indent.String(msg.Message, 11))
		}
	case GroupDoneMsg:
		_, _ = fmt.Fprintf(d.w, "[%s] --- %s %s\n", ts, msg.Group, msg.Status)
		if msg.Err != "" && msg.Status == StatusError {
			_, _ = fmt.Fprintln(d.w, indent.String(msg.Err, 11))
		}
	case SessionDoneMsg:
		_, _ = fmt.Fprintf(d.w, "[%s] session %s\n", ts, msg.Status)
	case SessionErrorMsg:
		_, _ = fmt.Fprintf(d.w, "[%s] error: %v\n", ts, msg.Err)
	}
}

// TUIDisplay renders events using a Bubble Tea terminal UI.
// Falls back to PlainDisplay if the TUI program fails to start.
type TUIDisplay struct {
	w          io.Writer
	cancelFunc context.CancelFunc
	now        func() time.Time
}

// Run starts the Bubble Tea program and feeds events from the channel.
func (d *TUIDisplay) Run(ctx context.Context, events <-chan DisplayEvent) error {
	var opts []ModelOption
	if d.cancelFunc != nil {
		opts = append(opts, WithCancelFunc(d.cancelFunc))
	}
	p := tea.NewProgram(NewModel(nil, opts...), tea.WithOutput(d.w), tea.WithContext(ctx))

	// Forward events through an intermediate channel so we can stop
	// the goroutine cleanly on TUI failure before falling back.
	fwd := make(chan DisplayEvent, 16)
	stop := make(chan struct{})

	go func() {
		defer close(fwd)
		for ev := range events {
			select {
			case fwd <- ev:
			case <-stop:
				return
			}
		}
	}()

	go func() {
		for ev := range fwd {
			p.Send(ev)
		}
	}()

	final, err := p.Run()
	if err != nil {
		close(stop)
		plain := &PlainDisplay{w: d.w, now: d.now}
		return plain.Run(ctx, events)
	}
	if m, ok := final.(Model); ok && m.err != nil {
		return m.err
	}
	return nil
}
