package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"polychat/internal/chat"
)

const sidebarWidth = 30

func (m *Model) resize() {
	contentWidth := m.width
	if !m.sidebarHidden {
		contentWidth -= sidebarWidth
	}
	contentWidth = maxInt(contentWidth, 20)

	// header tabs + bordered input (textarea height 3) + footer.
	transcriptHeight := maxInt(m.height-1-5-1-2, 3)
	m.transcript.Width = contentWidth - 2
	m.transcript.Height = transcriptHeight
	m.input.SetWidth(contentWidth - 4)
	m.rebuildRenderer(maxInt(m.transcript.Width-2, 10))
}

// renderTranscript rebuilds the viewport content for the active model's view
// and pins it to the bottom.
func (m *Model) renderTranscript() {
	modelID := m.activeModelID()
	if modelID == 0 {
		m.transcript.SetContent(m.theme.helpText.Render("no models bound, press ctrl+s to pick some"))
		return
	}

	var b strings.Builder
	for _, msg := range m.orch.View(modelID) {
		switch {
		case msg.Role == chat.RoleUser:
			b.WriteString(m.theme.userTurn.Render("you ❯ "))
			b.WriteString(msg.Text())
			b.WriteString("\n")
			if m.orch.IsPending(modelID, msg.ID) {
				b.WriteString(m.spin.View())
				b.WriteString(m.theme.helpText.Render(" thinking..."))
				b.WriteString("\n")
			}
		case msg.Error != nil:
			b.WriteString(m.theme.errorTurn.Render("✗ " + *msg.Error))
			b.WriteString("\n")
		default:
			b.WriteString(m.renderMarkdown(msg.Text()))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	m.transcript.SetContent(b.String())
	m.transcript.GotoBottom()
}

func (m Model) View() string {
	if !m.ready {
		return "loading..."
	}

	switch m.mode {
	case modeModelSelect:
		return m.placeModal(m.pickerView())
	case modeProviders:
		return m.placeModal(m.providersView())
	case modeDeleteConfirm:
		return m.placeModal(m.deleteView())
	case modeUnavailable:
		return m.placeModal(m.unavailableView())
	}

	header := m.tabsView()
	content := m.theme.panel.Render(m.transcript.View())
	if !m.sidebarHidden {
		sidebar := m.theme.sidebar.Render(m.sidebarView())
		content = lipgloss.JoinHorizontal(lipgloss.Top, sidebar, content)
	}

	var inputView string
	switch m.mode {
	case modeSearch:
		inputView = m.theme.inputPanel.Render(m.search.View())
	case modeTitleEdit:
		inputView = m.theme.inputPanel.Render(m.titleInput.View())
	default:
		inputView = m.theme.inputPanel.Render(m.input.View())
	}

	return m.theme.root.Render(lipgloss.JoinVertical(
		lipgloss.Left,
		header,
		content,
		inputView,
		m.footerView(),
	))
}

func (m Model) placeModal(content string) string {
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center,
		m.theme.modalFrame.Render(content))
}

func (m Model) tabsView() string {
	ids := m.orch.Profile().ModelIDs
	if len(ids) == 0 {
		return m.theme.helpText.Render("polychat")
	}
	tabs := make([]string, 0, len(ids))
	for i, id := range ids {
		name := fmt.Sprintf("model %d", id)
		if model, ok := m.orch.Model(id); ok {
			name = model.Name
		}
		style := m.theme.tabInactive
		if m.modelPendingAny(id) {
			name = m.spin.View() + " " + name
			style = m.theme.tabPending
		}
		if i == m.modelTab {
			style = m.theme.tabActive
		}
		tabs = append(tabs, style.Render(name))
	}
	return lipgloss.JoinHorizontal(lipgloss.Left, tabs...)
}

func (m Model) modelPendingAny(modelID int64) bool {
	for _, msg := range m.orch.View(modelID) {
		if msg.Role == chat.RoleUser && m.orch.IsPending(modelID, msg.ID) {
			return true
		}
	}
	return false
}

func (m Model) sidebarView() string {
	var b strings.Builder
	b.WriteString(m.theme.panelTitle.Render("chats"))
	b.WriteString("\n")
	if m.chatIndex == -1 {
		b.WriteString(m.theme.sidebarSel.Render("· new chat"))
		b.WriteString("\n")
	}
	visible := maxInt(m.transcript.Height-2, 1)
	for i, c := range m.chats {
		if i >= visible {
			b.WriteString(m.theme.sidebarDim.Render(fmt.Sprintf("… %d more", len(m.chats)-i)))
			break
		}
		label := m.chatLabel(c)
		if m.orch.TitlePending(c.ID) {
			label = m.spin.View() + " " + label
		}
		if i == m.chatIndex {
			b.WriteString(m.theme.sidebarSel.Render(label))
		} else {
			b.WriteString(m.theme.sidebarDim.Render(label))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) chatLabel(c chat.Chat) string {
	title := m.orch.ChatTitle(c.ID)
	if title == nil {
		title = c.Title
	}
	label := fmt.Sprintf("chat %d", c.ID)
	if title != nil && strings.TrimSpace(*title) != "" {
		label = *title
	}
	return truncate(label, sidebarWidth-4)
}

func (m Model) footerView() string {
	help := "enter send · ctrl+j newline · ctrl+n new · ctrl+f search · ctrl+s models · ctrl+p providers · ctrl+c quit"
	left := m.theme.helpText.Render(help)
	if m.statusLine == "" {
		return m.theme.footer.Render(left)
	}
	style := m.theme.status
	if m.statusErr {
		style = m.theme.errorStatus
	}
	return m.theme.footer.Render(style.Render(m.statusLine) + "  " + left)
}

func (m Model) pickerView() string {
	var b strings.Builder
	title := "models for this chat"
	if m.picker.forDefault {
		title = "default models for new chats"
	}
	b.WriteString(m.theme.modalTitle.Render(title))
	b.WriteString("\n\n")
	for i, choice := range m.picker.choices {
		cursor := "  "
		if i == m.picker.cursor {
			cursor = m.theme.pickCursor.Render("❯ ")
		}
		mark := "[ ]"
		if m.picker.selected[choice.ID] {
			mark = m.theme.pickChecked.Render("[x]")
		}
		b.WriteString(fmt.Sprintf("%s%s %s  %s\n", cursor, mark, choice.Name,
			m.theme.helpText.Render(m.orch.ProviderName(choice.ProviderID))))
	}
	b.WriteString("\n")
	b.WriteString(m.theme.helpText.Render("space toggle · enter apply · esc cancel"))
	return b.String()
}

func (m Model) providersView() string {
	var b strings.Builder
	b.WriteString(m.theme.modalTitle.Render("providers"))
	b.WriteString("\n\n")
	for _, p := range m.orch.Providers() {
		state := m.theme.pickChecked.Render("up")
		switch {
		case m.orch.ProviderDown(p.ID):
			state = m.theme.downMark.Render("down")
		case !m.orch.ProviderKeySet(p.ID):
			state = m.theme.helpText.Render("no key (" + p.KeyEnvVar + ")")
		}
		refreshed := "never"
		if p.ModelsRefreshedAt > 0 {
			refreshed = time.Unix(p.ModelsRefreshedAt, 0).Format("15:04:05")
		}
		b.WriteString(fmt.Sprintf("%-12s %s  %s\n", p.Name, state,
			m.theme.helpText.Render("refreshed "+refreshed)))
	}
	b.WriteString("\n")
	b.WriteString(m.theme.helpText.Render("r refresh now · esc close"))
	return b.String()
}

func (m Model) deleteView() string {
	label := m.chatLabel(m.deleteTarget)
	return m.theme.modalTitle.Render("delete chat?") + "\n\n" +
		label + "\n\n" +
		m.theme.errorTurn.Render("this removes the chat and every message in it") + "\n\n" +
		m.theme.helpText.Render("y delete · any other key cancel")
}

func (m Model) unavailableView() string {
	var b strings.Builder
	b.WriteString(m.theme.modalTitle.Render("cannot send"))
	b.WriteString("\n\n")
	for _, u := range m.unavailable {
		b.WriteString(m.theme.errorTurn.Render(fmt.Sprintf("%s (%s) is unavailable", u.Model, u.Provider)))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(m.theme.helpText.Render("fix the provider or change models with ctrl+s · any key to dismiss"))
	return b.String()
}

func truncate(s string, max int) string {
	if max <= 1 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
