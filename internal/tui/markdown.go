package tui

import (
	"strings"

	"github.com/charmbracelet/glamour"
)

// rebuildRenderer recreates the glamour renderer at the current wrap width.
// Renderers are cheap to build and carry the width internally, so a resize
// means a new one.
func (m *Model) rebuildRenderer(width int) {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		m.log.Error("markdown renderer unavailable, falling back to plain text", "err", err)
		m.md = nil
		return
	}
	m.md = r
}

// renderMarkdown renders assistant output, falling back to the raw text when
// rendering is not possible.
func (m Model) renderMarkdown(text string) string {
	if m.md == nil {
		return text
	}
	out, err := m.md.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimRight(out, "\n")
}
