package tui

import (
	"github.com/charmbracelet/lipgloss"

	"maqlexpress/api/internal/editor"
)

var (
	colorMetric    = lipgloss.Color("75")  // blue
	colorAttribute = lipgloss.Color("42")  // green
	colorValue     = lipgloss.Color("214") // orange
	colorSubtle    = lipgloss.Color("241")
	colorError     = lipgloss.Color("160")
	colorAccent    = lipgloss.Color("205")

	styleHeader    = lipgloss.NewStyle().Foreground(colorAccent).Bold(true)
	styleSubtle    = lipgloss.NewStyle().Foreground(colorSubtle)
	styleError     = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	styleCursor    = lipgloss.NewStyle().Reverse(true)
	styleHighlight = lipgloss.NewStyle().Foreground(colorAccent).Bold(true)

	styleEditorBox = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(colorSubtle).
			Padding(0, 1)

	stylePanelBox = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(colorAccent).
			Padding(0, 1)
)

// tokenStyle colours a token chip by the kind of object it references.
func tokenStyle(t editor.VariableType) lipgloss.Style {
	base := lipgloss.NewStyle().Bold(true)
	switch t {
	case editor.TypeMetric:
		return base.Foreground(colorMetric)
	case editor.TypeAttribute:
		return base.Foreground(colorAttribute)
	case editor.TypeAttributeValue:
		return base.Foreground(colorValue)
	}
	return base
}
