// Package ux renders forge CLI output. Colors follow the brand palette;
// semantic colors track task outcomes.
package ux

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"codeforge/internal/types"
)

var (
	// Brand palette
	Accent = lipgloss.Color("#8BC34A") // Lime Green
	Navy   = lipgloss.Color("#101F38") // Dark Blue

	// Semantic colors
	Success = lipgloss.Color("#8BC34A")
	Failure = lipgloss.Color("#e53935")
	Warning = lipgloss.Color("#FFC107")
	Info    = lipgloss.Color("#2196F3")
	Muted   = lipgloss.Color("#9E9E9E")

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(Accent)
	keyStyle    = lipgloss.NewStyle().Bold(true).Width(14)
	errorStyle  = lipgloss.NewStyle().Bold(true).Foreground(Failure)
	mutedStyle  = lipgloss.NewStyle().Foreground(Muted)
)

// statusColor maps each task status to its semantic color.
func statusColor(s types.TaskStatus) lipgloss.Color {
	switch s {
	case types.TaskSucceeded:
		return Success
	case types.TaskFailed:
		return Failure
	case types.TaskTimedOut:
		return Warning
	case types.TaskExecuting, types.TaskClassifying:
		return Info
	case types.TaskCancelled:
		return Muted
	}
	return Muted
}

// StatusBadge renders a task status in its semantic color.
func StatusBadge(s types.TaskStatus) string {
	return lipgloss.NewStyle().Bold(true).Foreground(statusColor(s)).Render(string(s))
}

// Header renders a section heading.
func Header(text string) string {
	return headerStyle.Render(text)
}

// KeyValue renders one aligned key/value row.
func KeyValue(key, value string) string {
	return fmt.Sprintf("%s %s", keyStyle.Render(key+":"), value)
}

// Error renders an error line.
func Error(msg string) string {
	return errorStyle.Render("error: ") + msg
}

// Dim renders secondary detail text.
func Dim(text string) string {
	return mutedStyle.Render(text)
}

// Rule renders a horizontal divider sized to the given width.
func Rule(width int) string {
	if width <= 0 {
		width = 40
	}
	return mutedStyle.Render(strings.Repeat("─", width))
}
