// Package report loads the report and starter templates and renders session
// results as Markdown, optionally styled for the terminal.
package report

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/mattn/go-isatty"
	"golang.org/x/term"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/smileynet/pipecheck"
	"github.com/smileynet/pipecheck/internal/harness"
	"github.com/smileynet/pipecheck/internal/schedule"
	"github.com/smileynet/pipecheck/internal/session"
)

// Template names within the templates filesystem.
const (
	ReportTemplate = "report.md.tmpl"
	SuiteTemplate  = "suite.yaml.tmpl"
)

// DefaultWidth is used when the terminal width cannot be determined.
const DefaultWidth = 80

// ErrEmpty indicates a template file exists but contains no content.
var ErrEmpty = errors.New("report: empty template")

// Loader reads templates from a directory on disk, falling back to the
// embedded defaults.
type Loader struct {
	fsys fs.FS
}

// NewLoader creates a Loader. Templates in localDir take precedence over the
// embedded ones; an empty localDir uses only the embedded set.
func NewLoader(localDir string) *Loader {
	return &Loader{fsys: pipecheck.OverlayFS(localDir, pipecheck.Templates)}
}

// Load reads the named template.
func (l *Loader) Load(name string) (string, error) {
	if strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("report: invalid template name %q", name)
	}
	data, err := fs.ReadFile(l.fsys, name)
	if err != nil {
		return "", fmt.Errorf("report: loading %s: %w", name, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return "", fmt.Errorf("%w: %s", ErrEmpty, name)
	}
	return string(data), nil
}

// Compose loads the named template and executes it with data.
func (l *Loader) Compose(name string, data any) (string, error) {
	raw, err := l.Load(name)
	if err != nil {
		return "", err
	}

	tmpl, err := template.New(name).Option("missingkey=error").Funcs(funcs).Parse(raw)
	if err != nil {
		return "", fmt.Errorf("report: parsing template %s: %w", name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("report: executing template %s: %w", name, err)
	}
	return buf.String(), nil
}

// Markdown renders a session as a Markdown report.
func (l *Loader) Markdown(st session.State) (string, error) {
	return l.Compose(ReportTemplate, st)
}

// Starter holds the values for a new suite file.
type Starter struct {
	File    string
	Group   string
	Command string
	Timeout float64
}

// Suite renders a starter suite file.
func (l *Loader) Suite(s Starter) (string, error) {
	return l.Compose(SuiteTemplate, s)
}

// Render styles Markdown for a terminal of the given width. Without color the
// output is plain text laid out the same way.
func Render(md string, width int, color bool) (string, error) {
	if width <= 0 {
		width = DefaultWidth
	}
	style := glamour.WithStandardStyle("notty")
	if color {
		style = glamour.WithStandardStyle("dark")
	}
	r, err := glamour.NewTermRenderer(style, glamour.WithWordWrap(width))
	if err != nil {
		return "", fmt.Errorf("report: creating renderer: %w", err)
	}
	out, err := r.Render(md)
	if err != nil {
		return "", fmt.Errorf("report: rendering: %w", err)
	}
	return out, nil
}

// Terminal reports whether f is a terminal and, if so, its width.
func Terminal(f *os.File) (bool, int) {
	fd := f.Fd()
	if !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd) {
		return false, DefaultWidth
	}
	w, _, err := term.GetSize(int(fd))
	if err != nil || w <= 0 {
		return true, DefaultWidth
	}
	return true, w
}

var funcs = template.FuncMap{
	"short": func(id string) string {
		if len(id) > 8 {
			return id[:8]
		}
		return id
	},
	"elapsed": func(start, end time.Time) string {
		if end.IsZero() {
			return "running"
		}
		return end.Sub(start).Round(time.Millisecond).String()
	},
	"seconds": func(d time.Duration) string {
		return fmt.Sprintf("%.2fs", d.Seconds())
	},
	"phase": func(o harness.Outcome) string {
		if o.Kind == schedule.PipelineStep {
			return "Run"
		}
		return cases.Title(language.English).String(strings.ReplaceAll(o.Phase.String(), "_", " "))
	},
	"icon": func(status any) string {
		switch fmt.Sprint(status) {
		case "passed":
			return "✔"
		case "failed":
			return "✘"
		case "error":
			return "!"
		case "skipped":
			return "⊘"
		default:
			return "·"
		}
	},
	// cell flattens text for a single Markdown table cell or quote line.
	"cell": func(s string) string {
		s = strings.TrimSpace(s)
		s = strings.ReplaceAll(s, "|", `\|`)
		return strings.Join(strings.Fields(strings.ReplaceAll(s, "\n", " ⏎ ")), " ")
	},
}
