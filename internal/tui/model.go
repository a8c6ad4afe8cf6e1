// Package tui is the bubbletea front end. The update loop is the single
// consumer of orchestrator events and the only caller of Orchestrator
// methods, which is what the orchestrator's threading contract requires.
package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/log"

	"polychat/internal/chat"
	"polychat/internal/orchestrator"
)

type mode int

const (
	modeNormal mode = iota
	modeSearch
	modeModelSelect
	modeProviders
	modeDeleteConfirm
	modeTitleEdit
	modeUnavailable
)

// Store is the slice of the persistence layer the TUI uses directly; all
// chat-content access goes through the orchestrator instead.
type Store interface {
	AllChats() ([]chat.Chat, error)
	SearchChats(query string, limit int) ([]chat.Chat, error)
	DeleteChat(chatID int64) error
}

const searchLimit = 50

type eventMsg struct{ ev orchestrator.Event }

type chatsLoadedMsg struct {
	chats []chat.Chat
	err   error
}

type refreshTickMsg time.Time

// modelPicker is the state of the model selection modal. forDefault switches
// it between editing the current chat's profile and the default profile.
type modelPicker struct {
	forDefault bool
	cursor     int
	choices    []chat.Model
	selected   map[int64]bool
}

type Model struct {
	store Store
	orch  *orchestrator.Orchestrator
	log   *log.Logger

	theme  uiTheme
	width  int
	height int
	ready  bool

	mode          mode
	chats         []chat.Chat
	chatIndex     int // index into chats; -1 while on an unpersisted chat
	sidebarHidden bool
	modelTab      int

	transcript viewport.Model
	input      textarea.Model
	search     textinput.Model
	titleInput textinput.Model
	spin       spinner.Model

	picker        modelPicker
	deleteTarget  chat.Chat
	unavailable   []orchestrator.UnavailableModel
	searchResults []chat.Chat

	statusLine string
	statusErr  bool

	md           *glamour.TermRenderer
	refreshEvery time.Duration
}

// New wires the TUI over an orchestrator that already holds the catalog.
func New(st Store, orch *orchestrator.Orchestrator, refreshEvery time.Duration, logger *log.Logger) Model {
	input := textarea.New()
	input.Placeholder = "Ask every model at once..."
	input.CharLimit = 0
	input.ShowLineNumbers = false
	input.SetHeight(3)
	// Enter submits; ctrl+j inserts a literal newline.
	input.KeyMap.InsertNewline.SetKeys("ctrl+j")
	input.Focus()

	search := textinput.New()
	search.Prompt = "/ "
	search.Placeholder = "search chats"

	title := textinput.New()
	title.Prompt = "title: "
	title.CharLimit = 120

	sp := spinner.New()
	sp.Spinner = spinner.MiniDot

	transcript := viewport.New(0, 0)
	transcript.MouseWheelEnabled = true

	return Model{
		store:        st,
		orch:         orch,
		log:          logger.With("component", "tui"),
		theme:        newTheme(),
		input:        input,
		search:       search,
		titleInput:   title,
		spin:         sp,
		transcript:   transcript,
		statusLine:   "starting...",
		refreshEvery: refreshEvery,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.spin.Tick,
		textarea.Blink,
		m.loadChatsCmd(),
		m.waitEvent(),
		refreshTick(m.refreshEvery),
	)
}

// waitEvent re-arms the single-consumer read on the orchestrator's event
// channel. Every handler that consumes an eventMsg must return it again.
func (m Model) waitEvent() tea.Cmd {
	ch := m.orch.Events()
	return func() tea.Msg {
		return eventMsg{ev: <-ch}
	}
}

func (m Model) loadChatsCmd() tea.Cmd {
	st := m.store
	return func() tea.Msg {
		chats, err := st.AllChats()
		return chatsLoadedMsg{chats: chats, err: err}
	}
}

func (m Model) searchChatsCmd(query string) tea.Cmd {
	st := m.store
	return func() tea.Msg {
		chats, err := st.SearchChats(query, searchLimit)
		return chatsLoadedMsg{chats: chats, err: err}
	}
}

func refreshTick(interval time.Duration) tea.Cmd {
	if interval <= 0 {
		interval = time.Minute
	}
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return refreshTickMsg(t)
	})
}

// activeModelID resolves the transcript tab to a model id, 0 when the chat
// has no models bound.
func (m Model) activeModelID() int64 {
	ids := m.orch.Profile().ModelIDs
	if len(ids) == 0 {
		return 0
	}
	if m.modelTab >= len(ids) {
		return ids[len(ids)-1]
	}
	return ids[m.modelTab]
}

func (m *Model) setStatus(line string, isErr bool) {
	m.statusLine = line
	m.statusErr = isErr
	if isErr {
		m.log.Error(line)
	}
}
