package check

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Diff renders a line diff from want to got, prefixing removed lines with
// "-", added lines with "+" and unchanged lines with a space.
func Diff(want, got string) string {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(want, got)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var out strings.Builder
	for _, d := range diffs {
		prefix := " "
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		}
		text := d.Text
		noNewline := !strings.HasSuffix(text, "\n")
		for _, line := range strings.SplitAfter(strings.TrimSuffix(text, "\n"), "\n") {
			out.WriteString(prefix)
			out.WriteString(strings.TrimSuffix(line, "\n"))
			out.WriteString("\n")
		}
		if noNewline && d.Type != diffmatchpatch.DiffEqual {
			out.WriteString("\\ no newline at end\n")
		}
	}
	return strings.TrimSuffix(out.String(), "\n")
}
