package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/mediadl/mediadl/internal/engine/types"
)

var (
	// Colors
	ColorPrimary   = lipgloss.Color("#bd93f9") // Dracula Purple
	ColorSecondary = lipgloss.Color("#ff79c6") // Dracula Pink
	ColorSuccess   = lipgloss.Color("#50fa7b") // Dracula Green
	ColorError     = lipgloss.Color("#ff5555") // Dracula Red
	ColorWarning   = lipgloss.Color("#ffb86c") // Dracula Orange
	ColorText      = lipgloss.Color("#f8f8f2") // Dracula Foreground
	ColorSubtext   = lipgloss.Color("#6272a4") // Dracula Comment
	ColorBorder    = lipgloss.Color("#44475a") // Dracula Selection

	AppStyle = lipgloss.NewStyle().
			Padding(DefaultPaddingX, 2).
			Foreground(ColorText)

	HeaderStyle = lipgloss.NewStyle().
			Foreground(ColorText).
			Bold(true).
			Padding(DefaultPaddingY, DefaultPaddingX).
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(ColorPrimary).
			BorderBottom(true)

	StatsStyle = lipgloss.NewStyle().
			Foreground(ColorSubtext).
			Padding(DefaultPaddingY, DefaultPaddingX)

	CardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder).
			Padding(DefaultPaddingY, DefaultPaddingX)

	SelectedCardStyle = CardStyle.
				BorderForeground(ColorSecondary)

	CardTitleStyle = lipgloss.NewStyle().
			Foreground(ColorPrimary).
			Bold(true)

	CardStatsStyle = lipgloss.NewStyle().
			Foreground(ColorSubtext).
			Italic(true)

	ErrorTextStyle = lipgloss.NewStyle().
			Foreground(ColorError)

	StatusBarStyle = lipgloss.NewStyle().
			Foreground(ColorText).
			Background(lipgloss.Color("#282a36")). // Dracula Background
			Padding(DefaultPaddingY, DefaultPaddingX)

	EmptyStyle = lipgloss.NewStyle().
			Foreground(ColorSubtext).
			Padding(1, 2)
)

// StatusStyle colors a status badge.
func StatusStyle(s types.Status) lipgloss.Style {
	base := lipgloss.NewStyle().Bold(true)
	switch s {
	case types.StatusCompleted:
		return base.Foreground(ColorSuccess)
	case types.StatusFailed:
		return base.Foreground(ColorError)
	case types.StatusCancelled:
		return base.Foreground(ColorSubtext)
	case types.StatusQueued, types.StatusPending:
		return base.Foreground(ColorWarning)
	default:
		return base.Foreground(ColorSecondary)
	}
}
