package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/smileynet/pipecheck/internal/harness"
	"github.com/smileynet/pipecheck/internal/history"
	"github.com/smileynet/pipecheck/internal/session"
)

// Summary renders the end-of-session table: one row per group with step
// counts, plus a totals footer.
func Summary(st session.State, color bool) string {
	t := table.NewWriter()
	t.SetTitle(fmt.Sprintf("pipecheck run %s (%s)", shortID(st.ID), formatDuration(st.FinishedAt.Sub(st.StartedAt))))
	t.AppendHeader(table.Row{"Group", "Steps", "Passed", "Failed", "Skipped", "Time", "Status", "Error"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Group", WidthMax: 40, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Steps", Align: text.AlignRight},
		{Name: "Passed", Align: text.AlignRight},
		{Name: "Failed", Align: text.AlignRight},
		{Name: "Skipped", Align: text.AlignRight},
		{Name: "Time", Align: text.AlignRight},
		{Name: "Error", WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
	})

	var steps, passed, failed, skipped int
	var total time.Duration
	for _, g := range st.Groups {
		row := table.Row{g.Group, "-", "-", "-", "-", "-", strings.ToUpper(string(g.Status)), g.Error}
		if r := g.Report; r != nil {
			n := len(r.Outcomes)
			p := r.Count(harness.StatusPassed)
			f := r.Count(harness.StatusFailed) + r.Count(harness.StatusError)
			s := r.Count(harness.StatusSkipped)
			row[1], row[2], row[3], row[4] = n, p, f, s
			row[5] = formatDuration(r.Duration)
			steps, passed, failed, skipped = steps+n, passed+p, failed+f, skipped+s
			total += r.Duration
		}
		t.AppendRow(row)
	}
	t.AppendFooter(table.Row{"TOTAL", steps, passed, failed, skipped, formatDuration(total), strings.ToUpper(string(st.Status)), ""})

	switch {
	case !color:
		t.SetStyle(table.StyleLight)
	case st.Status == session.StatusPassed:
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	default:
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	}
	return t.Render()
}

// HistoryTable renders indexed runs, most recent first.
func HistoryTable(runs []history.Run) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Run", "Started", "Time", "Groups", "Passed", "Failed", "Error", "Skipped", "Status"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Time", Align: text.AlignRight},
		{Name: "Groups", Align: text.AlignRight},
		{Name: "Passed", Align: text.AlignRight},
		{Name: "Failed", Align: text.AlignRight},
		{Name: "Error", Align: text.AlignRight},
		{Name: "Skipped", Align: text.AlignRight},
	})
	for _, r := range runs {
		t.AppendRow(table.Row{
			shortID(r.ID),
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			formatDuration(r.Duration()),
			r.Total, r.Passed, r.Failed, r.Errored, r.Skipped,
			strings.ToUpper(string(r.Status)),
		})
	}
	t.SetStyle(table.StyleLight)
	return t.Render()
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}
