package style

import "github.com/charmbracelet/lipgloss"

// --- Reusable Colors ---
var (
	colorPink     = lipgloss.Color("205")
	colorDarkGray = lipgloss.Color("240")
	colorWhite    = lipgloss.Color("231")
	colorBlue     = lipgloss.Color("57")
	colorCyan     = lipgloss.Color("212")
	colorGreen    = lipgloss.Color("42")
	colorRed      = lipgloss.Color("196")
)

// --- General Purpose Styles ---
var (
	ErrorStyle   = lipgloss.NewStyle().Foreground(colorRed).Bold(true)
	SuccessStyle = lipgloss.NewStyle().Foreground(colorGreen).Bold(true)
	MutedStyle   = lipgloss.NewStyle().Faint(true)
)

// --- Transfer Styles ---
var (
	BaseStyle          = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderForeground(colorDarkGray).Padding(0, 1)
	HighlightFontStyle = lipgloss.NewStyle().Foreground(colorCyan)
	CodeStyle          = lipgloss.NewStyle().Foreground(colorWhite).Background(colorBlue).Bold(true).Padding(0, 1)
	TitleStyle         = lipgloss.NewStyle().Bold(true).Foreground(colorPink)
)
