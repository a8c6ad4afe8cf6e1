package tui

import (
	"fmt"
	"strings"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"polychat/internal/chat"
	"polychat/internal/orchestrator"
)

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		m.ready = true
		m.renderTranscript()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case refreshTickMsg:
		m.orch.RefreshCatalog(false)
		return m, refreshTick(m.refreshEvery)

	case chatsLoadedMsg:
		if msg.err != nil {
			m.setStatus("chat list load failed: "+msg.err.Error(), true)
			return m, nil
		}
		if m.mode == modeSearch {
			m.searchResults = msg.chats
		} else {
			m.chats = msg.chats
			m.chatIndex = m.indexOfCurrent()
		}
		return m, nil

	case eventMsg:
		cmds = append(cmds, m.handleEvent(msg.ev)...)
		cmds = append(cmds, m.waitEvent())
		return m, tea.Batch(cmds...)

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	return m.updateFocused(msg)
}

// handleEvent applies one orchestrator event and refreshes whatever part of
// the screen it touched.
func (m *Model) handleEvent(ev orchestrator.Event) []tea.Cmd {
	m.orch.Apply(ev)
	var cmds []tea.Cmd
	switch ev := ev.(type) {
	case orchestrator.GenerationDone:
		if ev.ChatID == m.orch.CurrentChat().ID {
			m.renderTranscript()
		}
	case orchestrator.TitleDone:
		cmds = append(cmds, m.loadChatsCmd())
	case orchestrator.CatalogRefreshed:
		if n := len(ev.DownIDs); n > 0 {
			m.setStatus(fmt.Sprintf("%d provider(s) unreachable", n), true)
		} else if len(ev.Added)+len(ev.RemovedIDs) > 0 {
			m.setStatus(fmt.Sprintf("catalog updated: +%d -%d models", len(ev.Added), len(ev.RemovedIDs)), false)
		}
	}
	return cmds
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		return m, tea.Quit
	}

	switch m.mode {
	case modeSearch:
		return m.handleSearchKey(msg)
	case modeModelSelect:
		return m.handlePickerKey(msg)
	case modeProviders:
		return m.handleProvidersKey(msg)
	case modeDeleteConfirm:
		return m.handleDeleteKey(msg)
	case modeTitleEdit:
		return m.handleTitleKey(msg)
	case modeUnavailable:
		m.mode = modeNormal
		return m, nil
	}
	return m.handleNormalKey(msg)
}

func (m Model) handleNormalKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		return m.submit()
	case "ctrl+n":
		m.orch.NewChat()
		m.chatIndex = -1
		m.modelTab = 0
		m.renderTranscript()
		m.setStatus("new chat", false)
		return m, nil
	case "ctrl+f":
		m.mode = modeSearch
		m.search.Reset()
		m.search.Focus()
		m.searchResults = m.chats
		return m, nil
	case "ctrl+t":
		if m.orch.CurrentChat().ID == 0 {
			m.setStatus("nothing to rename yet", true)
			return m, nil
		}
		m.mode = modeTitleEdit
		m.titleInput.Reset()
		if t := m.orch.ChatTitle(m.orch.CurrentChat().ID); t != nil {
			m.titleInput.SetValue(*t)
		}
		m.titleInput.Focus()
		return m, nil
	case "ctrl+d":
		if m.chatIndex < 0 || m.chatIndex >= len(m.chats) {
			m.setStatus("nothing to delete yet", true)
			return m, nil
		}
		m.deleteTarget = m.chats[m.chatIndex]
		m.mode = modeDeleteConfirm
		return m, nil
	case "ctrl+p":
		m.mode = modeProviders
		return m, nil
	case "ctrl+r":
		m.orch.RefreshCatalog(true)
		m.setStatus("refreshing model catalog...", false)
		return m, nil
	case "ctrl+s":
		return m.openPicker(false)
	case "ctrl+g":
		return m.openPicker(true)
	case "ctrl+b":
		m.sidebarHidden = !m.sidebarHidden
		m.resize()
		m.renderTranscript()
		return m, nil
	case "ctrl+y":
		m.yankLastReply()
		return m, nil
	case "alt+right":
		m.switchModelTab(1)
		return m, nil
	case "alt+left":
		m.switchModelTab(-1)
		return m, nil
	case "alt+down":
		return m.navigateChats(1)
	case "alt+up":
		return m.navigateChats(-1)
	}

	return m.updateFocused(msg)
}

// updateFocused routes everything else to the focused widgets.
func (m Model) updateFocused(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	var cmd tea.Cmd
	switch m.mode {
	case modeSearch:
		m.search, cmd = m.search.Update(msg)
		cmds = append(cmds, cmd)
	case modeTitleEdit:
		m.titleInput, cmd = m.titleInput.Update(msg)
		cmds = append(cmds, cmd)
	case modeNormal:
		// Scroll keys go to the transcript, everything else to the
		// textarea so typing j/k does not move the viewport.
		if key, ok := msg.(tea.KeyMsg); ok {
			switch key.String() {
			case "pgup", "pgdown", "ctrl+home", "ctrl+end":
				m.transcript, cmd = m.transcript.Update(msg)
			default:
				m.input, cmd = m.input.Update(msg)
			}
			cmds = append(cmds, cmd)
			break
		}
		m.transcript, cmd = m.transcript.Update(msg)
		cmds = append(cmds, cmd)
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

func (m Model) submit() (tea.Model, tea.Cmd) {
	prompt := strings.TrimSpace(m.input.Value())
	if prompt == "" {
		return m, nil
	}
	if len(m.orch.Profile().ModelIDs) == 0 {
		m.setStatus("no models selected, press ctrl+s", true)
		return m, nil
	}

	res, err := m.orch.Submit(prompt)
	if err != nil {
		m.setStatus("submit failed: "+err.Error(), true)
		return m, nil
	}
	if len(res.Unavailable) > 0 {
		m.unavailable = res.Unavailable
		m.mode = modeUnavailable
		return m, nil
	}

	m.input.Reset()
	m.renderTranscript()
	m.setStatus("", false)
	if res.ChatCreated {
		return m, m.loadChatsCmd()
	}
	return m, nil
}

func (m *Model) yankLastReply() {
	view := m.orch.View(m.activeModelID())
	for i := len(view) - 1; i >= 0; i-- {
		if view[i].Role == chat.RoleAssistant && view[i].Content != nil {
			if err := clipboard.WriteAll(*view[i].Content); err != nil {
				m.setStatus("clipboard write failed: "+err.Error(), true)
				return
			}
			m.setStatus("reply copied", false)
			return
		}
	}
	m.setStatus("nothing to copy", true)
}

func (m *Model) switchModelTab(delta int) {
	n := len(m.orch.Profile().ModelIDs)
	if n == 0 {
		return
	}
	m.modelTab = (m.modelTab + delta + n) % n
	m.renderTranscript()
}

func (m Model) navigateChats(delta int) (tea.Model, tea.Cmd) {
	if len(m.chats) == 0 {
		return m, nil
	}
	next := m.chatIndex + delta
	if next < 0 || next >= len(m.chats) {
		return m, nil
	}
	return m.openChatAt(next)
}

func (m Model) openChatAt(i int) (tea.Model, tea.Cmd) {
	if err := m.orch.LoadChat(m.chats[i]); err != nil {
		m.setStatus("open chat failed: "+err.Error(), true)
		return m, nil
	}
	m.chatIndex = i
	m.modelTab = 0
	m.renderTranscript()
	m.setStatus("", false)
	return m, nil
}

func (m Model) indexOfCurrent() int {
	id := m.orch.CurrentChat().ID
	if id == 0 {
		return -1
	}
	for i, c := range m.chats {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func (m Model) handleSearchKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.mode = modeNormal
		m.search.Blur()
		return m, m.loadChatsCmd()
	case "enter":
		if len(m.searchResults) == 0 {
			return m, nil
		}
		target := m.searchResults[0]
		m.mode = modeNormal
		m.search.Blur()
		m.chats = m.searchResults
		for i, c := range m.chats {
			if c.ID == target.ID {
				return m.openChatAt(i)
			}
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.search, cmd = m.search.Update(msg)
	query := strings.TrimSpace(m.search.Value())
	if query == "" {
		m.searchResults = m.chats
		return m, cmd
	}
	return m, tea.Batch(cmd, m.searchChatsCmd(query))
}

func (m Model) openPicker(forDefault bool) (tea.Model, tea.Cmd) {
	if !forDefault && m.orch.HasMessages() {
		m.setStatus("model set is frozen once the chat has messages", true)
		return m, nil
	}
	choices := m.orch.AvailableModels()
	if len(choices) == 0 {
		m.setStatus("no models available", true)
		return m, nil
	}
	selected := make(map[int64]bool)
	src := m.orch.Profile()
	if forDefault {
		src = m.orch.DefaultProfile()
	}
	for _, id := range src.ModelIDs {
		selected[id] = true
	}
	m.picker = modelPicker{forDefault: forDefault, choices: choices, selected: selected}
	m.mode = modeModelSelect
	return m, nil
}

func (m Model) handlePickerKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	p := &m.picker
	switch msg.String() {
	case "esc":
		m.mode = modeNormal
		return m, nil
	case "up", "k":
		if p.cursor > 0 {
			p.cursor--
		}
		return m, nil
	case "down", "j":
		if p.cursor < len(p.choices)-1 {
			p.cursor++
		}
		return m, nil
	case " ":
		id := p.choices[p.cursor].ID
		p.selected[id] = !p.selected[id]
		return m, nil
	case "enter":
		return m.applyPicker()
	}
	return m, nil
}

func (m Model) applyPicker() (tea.Model, tea.Cmd) {
	// Selection order follows catalog order; the picker is a set, not a
	// sequence.
	var ids []int64
	for _, choice := range m.picker.choices {
		if m.picker.selected[choice.ID] {
			ids = append(ids, choice.ID)
		}
	}
	if len(ids) == 0 {
		m.setStatus("keep at least one model selected", true)
		return m, nil
	}

	var err error
	if m.picker.forDefault {
		err = m.orch.SetDefaultProfileModels(ids)
	} else {
		err = m.orch.SetChatProfileModels(ids)
	}
	if err != nil {
		m.setStatus("model selection failed: "+err.Error(), true)
		return m, nil
	}
	m.mode = modeNormal
	m.modelTab = 0
	m.renderTranscript()
	m.setStatus(fmt.Sprintf("%d model(s) selected", len(ids)), false)
	return m, nil
}

func (m Model) handleProvidersKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc", "q":
		m.mode = modeNormal
	case "r":
		m.orch.RefreshCatalog(true)
		m.setStatus("refreshing model catalog...", false)
	}
	return m, nil
}

func (m Model) handleDeleteKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() != "y" {
		m.mode = modeNormal
		return m, nil
	}
	target := m.deleteTarget
	if err := m.store.DeleteChat(target.ID); err != nil {
		m.setStatus("delete failed: "+err.Error(), true)
		m.mode = modeNormal
		return m, nil
	}
	if target.ID == m.orch.CurrentChat().ID {
		m.orch.NewChat()
		m.chatIndex = -1
		m.modelTab = 0
		m.renderTranscript()
	}
	m.mode = modeNormal
	m.setStatus("chat deleted", false)
	return m, m.loadChatsCmd()
}

func (m Model) handleTitleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.mode = modeNormal
		m.titleInput.Blur()
		return m, nil
	case "enter":
		title := strings.TrimSpace(m.titleInput.Value())
		m.mode = modeNormal
		m.titleInput.Blur()
		if title == "" {
			return m, nil
		}
		if err := m.orch.SetTitle(m.orch.CurrentChat().ID, title); err != nil {
			m.setStatus("rename failed: "+err.Error(), true)
			return m, nil
		}
		return m, m.loadChatsCmd()
	}
	var cmd tea.Cmd
	m.titleInput, cmd = m.titleInput.Update(msg)
	return m, cmd
}
