package tui

import "github.com/charmbracelet/lipgloss"

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "240", Dark: "245"})
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "2", Dark: "10"})
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "1", Dark: "9"})
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "208", Dark: "208"})
	runStyle    = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "4", Dark: "12"})
)

// statusStyle returns the style used for a status indicator.
func statusStyle(s StepStatus) lipgloss.Style {
	switch s {
	case StatusPassed:
		return passStyle
	case StatusFailed:
		return failStyle
	case StatusError:
		return errorStyle
	case StatusRunning:
		return runStyle
	default:
		return dimStyle
	}
}

// statusIndicator returns the Unicode indicator for a status.
func statusIndicator(status StepStatus, spinnerView string) string {
	switch status {
	case StatusPending:
		return "○"
	case StatusRunning:
		return spinnerView
	case StatusPassed:
		return "✓"
	case StatusFailed, StatusError:
		return "✗"
	case StatusSkipped:
		return "–"
	default:
		return "?"
	}
}
