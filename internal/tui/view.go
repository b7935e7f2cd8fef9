package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/mediadl/mediadl/internal/engine/types"
)

func (m RootModel) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	active, queued, done := m.CalculateStats()
	header := lipgloss.JoinHorizontal(lipgloss.Center,
		HeaderStyle.Render("mediadl"),
		StatsStyle.Render(fmt.Sprintf("%d active · %d queued · %d done", active, queued, done)),
	)

	var body string
	if len(m.downloads) == 0 {
		body = EmptyStyle.Render("No downloads yet. Copy a link and press p.")
	} else {
		cards := make([]string, 0, len(m.downloads))
		for i, d := range m.downloads {
			cards = append(cards, m.renderCard(d, i == m.cursor))
		}
		body = lipgloss.JoinVertical(lipgloss.Left, cards...)
	}

	footer := m.help.View(m.keys)
	if m.flash != "" {
		footer = lipgloss.JoinVertical(lipgloss.Left, StatusBarStyle.Render(m.flash), footer)
	}

	return AppStyle.Render(lipgloss.JoinVertical(lipgloss.Left, header, body, footer))
}

func (m RootModel) renderCard(d *DownloadModel, selected bool) string {
	title := lipgloss.JoinHorizontal(lipgloss.Left,
		StatusStyle(d.Status).Render(fmt.Sprintf("%-11s", d.Status)),
		" ",
		CardTitleStyle.Render(truncateString(d.Label(), TitleMaxWidth)),
	)

	lines := []string{title, d.progress.ViewAs(d.Percent / 100)}

	var stats []string
	stats = append(stats, fmt.Sprintf("%.1f%%", d.Percent))
	if d.FileSize != nil {
		stats = append(stats, humanize.Bytes(uint64(*d.FileSize)))
	}
	if d.FilePath != "" {
		stats = append(stats, d.FilePath)
	}
	lines = append(lines, CardStatsStyle.Render(strings.Join(stats, "  ")))

	if d.Err != "" {
		lines = append(lines, ErrorTextStyle.Render(truncateString(d.Err, TitleMaxWidth)))
	}

	style := CardStyle
	if selected {
		style = SelectedCardStyle
	}
	return style.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

// CalculateStats counts rows by coarse state.
func (m RootModel) CalculateStats() (active, queued, done int) {
	for _, d := range m.downloads {
		switch d.Status {
		case types.StatusDownloading, types.StatusPending:
			active++
		case types.StatusQueued:
			queued++
		case types.StatusCompleted:
			done++
		}
	}
	return active, queued, done
}

func truncateString(s string, i int) string {
	runes := []rune(s)
	if len(runes) > i {
		return string(runes[:i]) + "..."
	}
	return s
}
