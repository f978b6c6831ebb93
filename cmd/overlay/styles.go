package main

import (
	"fmt"
	"strings"

	"overlay/pkg/storage"
	"overlay/pkg/types"
	"overlay/pkg/utils"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	primaryColor = lipgloss.Color("#7571f9")
	accentColor  = lipgloss.Color("#42c767")
	warningColor = lipgloss.Color("#ff9f43")
	dangerColor  = lipgloss.Color("#ff6b6b")
	mutedColor   = lipgloss.Color("#6c757d")
	trackColor   = lipgloss.Color("#333333")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	successStyle = lipgloss.NewStyle().
			Foreground(accentColor).
			Bold(true)

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#ffffff")).
			Bold(true).
			Padding(0, 1)

	cellStyle = lipgloss.NewStyle().
			Padding(0, 1)
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(primaryColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...)
}

func renderFiles(files []storage.Entry) string {
	if len(files) == 0 {
		return mutedStyle.Render("No files stored")
	}
	t := newTable("FILE ID", "FILENAME")
	for _, f := range files {
		t.Row(string(f.ID), f.Filename)
	}
	return t.Render()
}

func renderPeers(peers types.PeerTable) string {
	if len(peers) == 0 {
		return mutedStyle.Render("No known peers")
	}
	t := newTable("NODE ID", "ADDRESS")
	for _, id := range peers.IDs() {
		t.Row(string(id), peers[id].String())
	}
	return t.Render()
}

func usagePercent(used, quota int64) float64 {
	if quota <= 0 {
		return 100
	}
	return float64(used) * 100 / float64(quota)
}

func usageColor(percent float64) lipgloss.Color {
	switch {
	case percent >= 90:
		return dangerColor
	case percent >= 70:
		return warningColor
	default:
		return accentColor
	}
}

func renderProgressBar(percent float64, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	filled := int(float64(width) * percent / 100)
	empty := width - filled

	bar := lipgloss.NewStyle().Foreground(usageColor(percent)).Render(strings.Repeat("█", filled))
	bar += lipgloss.NewStyle().Foreground(trackColor).Render(strings.Repeat("░", empty))
	return bar
}

func renderStorage(used, quota int64) string {
	percent := usagePercent(used, quota)
	summary := fmt.Sprintf("%s / %s", utils.FormatDataSize(used), utils.FormatDataSize(quota))
	pct := lipgloss.NewStyle().Foreground(usageColor(percent)).Render(fmt.Sprintf("%.1f%%", percent))

	return lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("Storage"),
		renderProgressBar(percent, 30)+" "+pct,
		summary+mutedStyle.Render(fmt.Sprintf("  (%s free)", utils.FormatDataSize(max64(quota-used, 0)))),
	)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
