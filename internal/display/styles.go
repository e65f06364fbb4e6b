// Package display renders evaluation results and launcher reports for the
// terminal.
package display

import "github.com/charmbracelet/lipgloss"

var (
	colorRed    = lipgloss.Color("#FF5555")
	colorGreen  = lipgloss.Color("#50FA7B")
	colorYellow = lipgloss.Color("#F1FA8C")
	colorCyan   = lipgloss.Color("#8BE9FD")
	colorGray   = lipgloss.Color("#6272A4")
	colorWhite  = lipgloss.Color("#F8F8F2")
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorCyan)

	labelStyle = lipgloss.NewStyle().
			Width(12).
			Foreground(colorWhite)

	valueStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorWhite)

	dimStyle = lipgloss.NewStyle().
			Foreground(colorGray)

	goodStyle = lipgloss.NewStyle().
			Foreground(colorGreen)

	fairStyle = lipgloss.NewStyle().
			Foreground(colorYellow)

	poorStyle = lipgloss.NewStyle().
			Foreground(colorRed)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorGray).
			Padding(0, 1)
)

// levelStyle picks the colour of a 0-100 score.
func levelStyle(score float64) lipgloss.Style {
	switch {
	case score >= 70:
		return goodStyle
	case score >= 40:
		return fairStyle
	default:
		return poorStyle
	}
}
