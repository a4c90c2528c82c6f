// Package ui renders terminal output for the consolesync commands. Styles
// are applied only when stdout is a terminal.
package ui

import (
	"os"
	"strings"
	"sync/atomic"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"golang.org/x/term"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

var colour atomic.Bool

func init() {
	colour.Store(term.IsTerminal(int(os.Stdout.Fd())))
}

// SetColour overrides terminal detection.
func SetColour(enabled bool) {
	colour.Store(enabled)
}

// Colour reports whether styles are applied.
func Colour() bool {
	return colour.Load()
}

func render(style lipgloss.Style, s string) string {
	if !colour.Load() {
		return s
	}
	return style.Render(s)
}

// RenderAccent highlights headings and progress markers.
func RenderAccent(s string) string { return render(accentStyle, s) }

// RenderPass marks success.
func RenderPass(s string) string { return render(passStyle, s) }

// RenderWarn marks a warning.
func RenderWarn(s string) string { return render(warnStyle, s) }

// RenderFail marks an error.
func RenderFail(s string) string { return render(failStyle, s) }

// RenderMuted de-emphasizes secondary text.
func RenderMuted(s string) string { return render(mutedStyle, s) }

// Table renders rows under headers. Without colour it falls back to plain
// tab-aligned columns.
func Table(headers []string, rows [][]string) string {
	if !colour.Load() {
		return plainTable(headers, rows)
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	return t.String()
}

func plainTable(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	var b strings.Builder
	writeRow := func(cells []string) {
		for i := range headers {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			if i > 0 {
				b.WriteString("  ")
			}
			if i == len(headers)-1 {
				b.WriteString(cell)
			} else {
				b.WriteString(cell + strings.Repeat(" ", widths[i]-len(cell)))
			}
		}
		b.WriteString("\n")
	}
	writeRow(headers)
	for _, row := range rows {
		writeRow(row)
	}
	return b.String()
}
