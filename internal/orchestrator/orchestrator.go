// Package orchestrator is the concurrency core of polychat: it fans one
// submitted prompt out to every model bound to the current chat, serializes
// successive generations per (chat, model) into a chain of dependent tasks,
// derives titles for new chats, and reconciles the stored model catalog
// against what each provider actually serves.
//
// All exported methods except Events must be called from a single goroutine
// (the bubbletea update loop). Spawned tasks only read snapshots taken at
// spawn time and write through the store; the in-memory cache is mutated
// exclusively via Apply, which keeps every map here lock-free by
// construction.
package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/charmbracelet/log"

	"polychat/internal/chat"
	"polychat/internal/provider"
)

const systemPrompt = "You are a helpful assistant."

// Store is the slice of the persistence layer the orchestrator consumes.
// *store.Store satisfies it; tests use an in-memory fake.
type Store interface {
	CreateChat(title *string) (int64, error)
	AppendMessage(m *chat.Message) (int64, error)
	LoadMessages(chatID int64) ([]chat.Message, error)
	UpdateTitle(chatID int64, title string) error
	BindModels(chatID int64, modelIDs []int64) error
	BindTools(chatID int64, toolIDs []int64) error
	ChatModelIDs(chatID int64) ([]int64, error)
	ChatToolIDs(chatID int64) ([]int64, error)
	SetProfileModels(profileID int64, modelIDs []int64) error
	SyncProviderCatalog(providerID int64, toInsert []chat.Model, toRemove []int64, refreshedAt int64) ([]chat.Model, []int64, error)
}

type chainKey struct {
	chatID  int64
	modelID int64
}

type pendingKey struct {
	originID int64
	modelID  int64
}

// ErrProfileFrozen is returned when a chat's model set is edited after the
// chat already has messages.
var ErrProfileFrozen = errors.New("chat profile is immutable once the chat has messages")

// UnavailableModel names a bound model that cannot be generated against right
// now, for the blocking error dialog.
type UnavailableModel struct {
	Model    string
	Provider string
}

// SubmitResult reports what a Submit call did.
type SubmitResult struct {
	// Unavailable is non-empty when nothing was submitted because one or
	// more bound models has no usable provider.
	Unavailable []UnavailableModel
	// ChatCreated is true when this prompt lazily persisted the chat.
	ChatCreated bool
	ChatID      int64
}

// Orchestrator owns the in-memory view of the current chat plus the
// provider/model catalog, and schedules all generation work.
type Orchestrator struct {
	store   Store
	log     *log.Logger
	factory provider.Factory
	events  chan Event

	providers map[int64]chat.Provider
	clients   map[int64]provider.Client
	keySet    map[int64]bool
	down      map[int64]struct{}
	all       map[int64]chat.Model
	available map[int64]chat.Model

	defaultProfile chat.ChatProfile

	current chat.Chat
	profile chat.ChatProfile
	views   map[int64][]chat.Message

	handles      map[chainKey]*chainHandle
	pending      map[pendingKey]string // -> request id, for log correlation
	titlePending map[int64]struct{}
	// titles holds the session's view of chat titles for chats created or
	// loaded this session; a nil value means known but untitled.
	titles map[int64]*string
}

// New builds an orchestrator over already-loaded catalog state. Clients are
// instantiated only for providers whose credential environment variable is
// present (or not required); everything else stays visible but unusable.
func New(st Store, providers []chat.Provider, models []chat.Model, defaultProfile chat.ChatProfile, factory provider.Factory, logger *log.Logger) *Orchestrator {
	o := &Orchestrator{
		store:          st,
		log:            logger.With("component", "orchestrator"),
		factory:        factory,
		events:         make(chan Event, 256),
		providers:      make(map[int64]chat.Provider, len(providers)),
		clients:        make(map[int64]provider.Client, len(providers)),
		keySet:         make(map[int64]bool, len(providers)),
		down:           make(map[int64]struct{}),
		all:            make(map[int64]chat.Model, len(models)),
		available:      make(map[int64]chat.Model, len(models)),
		defaultProfile: defaultProfile.Clone(),
		views:          make(map[int64][]chat.Message),
		handles:        make(map[chainKey]*chainHandle),
		pending:        make(map[pendingKey]string),
		titlePending:   make(map[int64]struct{}),
		titles:         make(map[int64]*string),
	}
	for _, p := range providers {
		if p.Disabled {
			continue
		}
		o.providers[p.ID] = p
		keyOK := p.KeyEnvVar == "" || os.Getenv(p.KeyEnvVar) != ""
		o.keySet[p.ID] = keyOK
		if keyOK {
			o.clients[p.ID] = factory(p)
		}
	}
	for _, m := range models {
		o.all[m.ID] = m
		if o.keySet[m.ProviderID] && !m.Disabled {
			o.available[m.ID] = m
		}
	}
	o.NewChat()
	return o
}

// Events exposes the completion channel for the control loop to drain.
func (o *Orchestrator) Events() <-chan Event { return o.events }

// NewChat resets the current chat to a fresh, unpersisted one seeded from the
// default profile. No row is written until the first prompt is submitted.
func (o *Orchestrator) NewChat() chat.Chat {
	o.current = chat.NewChat()
	o.profile = o.defaultProfile.Clone()
	o.views = make(map[int64][]chat.Message, len(o.profile.ModelIDs))
	for _, id := range o.profile.ModelIDs {
		o.views[id] = nil
	}
	return o.current
}

// LoadChat makes c the current chat, rebuilding every per-model view from the
// durable log. For unpersisted chats this is equivalent to NewChat.
func (o *Orchestrator) LoadChat(c chat.Chat) error {
	if c.ID == 0 {
		o.NewChat()
		return nil
	}
	modelIDs, err := o.store.ChatModelIDs(c.ID)
	if err != nil {
		return fmt.Errorf("load chat %d models: %w", c.ID, err)
	}
	toolIDs, err := o.store.ChatToolIDs(c.ID)
	if err != nil {
		return fmt.Errorf("load chat %d tools: %w", c.ID, err)
	}
	msgs, err := o.store.LoadMessages(c.ID)
	if err != nil {
		return fmt.Errorf("load chat %d messages: %w", c.ID, err)
	}
	o.current = c
	o.profile = chat.ChatProfile{ChatID: c.ID, ModelIDs: modelIDs, ToolIDs: toolIDs}
	o.views = SplitViews(msgs, modelIDs)
	o.titles[c.ID] = c.Title
	return nil
}

// CurrentChat returns the chat the views belong to.
func (o *Orchestrator) CurrentChat() chat.Chat { return o.current }

// Profile returns a copy of the current chat's profile.
func (o *Orchestrator) Profile() chat.ChatProfile { return o.profile.Clone() }

// DefaultProfile returns a copy of the default profile.
func (o *Orchestrator) DefaultProfile() chat.ChatProfile { return o.defaultProfile.Clone() }

// View returns the transcript projected for one model. The returned slice is
// owned by the orchestrator; callers must not mutate it.
func (o *Orchestrator) View(modelID int64) []chat.Message { return o.views[modelID] }

// HasMessages reports whether the current chat has any visible turns.
func (o *Orchestrator) HasMessages() bool {
	for _, v := range o.views {
		if len(v) > 0 {
			return true
		}
	}
	return false
}

// IsPending reports whether a generation for (model, origin user message) is
// still in flight, so the renderer can show a spinner in its place.
func (o *Orchestrator) IsPending(modelID, messageID int64) bool {
	_, ok := o.pending[pendingKey{originID: messageID, modelID: modelID}]
	return ok
}

// TitlePending reports whether a derived title is still in flight for a chat.
func (o *Orchestrator) TitlePending(chatID int64) bool {
	_, ok := o.titlePending[chatID]
	return ok
}

// Model returns a model by id, deprecated ones included.
func (o *Orchestrator) Model(id int64) (chat.Model, bool) {
	m, ok := o.all[id]
	return m, ok
}

// AvailableModels returns the selectable models sorted by provider then name.
func (o *Orchestrator) AvailableModels() []chat.Model {
	out := make([]chat.Model, 0, len(o.available))
	for _, m := range o.available {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProviderID != out[j].ProviderID {
			return out[i].ProviderID < out[j].ProviderID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Providers returns the configured providers sorted by id.
func (o *Orchestrator) Providers() []chat.Provider {
	out := make([]chat.Provider, 0, len(o.providers))
	for _, p := range o.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ProviderName resolves a provider id for display.
func (o *Orchestrator) ProviderName(id int64) string {
	if p, ok := o.providers[id]; ok {
		return p.Name
	}
	return "unknown provider"
}

// ProviderDown reports whether a provider is transiently marked down.
func (o *Orchestrator) ProviderDown(id int64) bool {
	_, ok := o.down[id]
	return ok
}

// ProviderKeySet reports whether a provider's credential was present at
// startup.
func (o *Orchestrator) ProviderKeySet(id int64) bool { return o.keySet[id] }

// ChatTitle returns the session's view of a chat's title, nil when unset or
// unknown.
func (o *Orchestrator) ChatTitle(chatID int64) *string {
	if t, ok := o.titles[chatID]; ok {
		return t
	}
	if chatID == o.current.ID {
		return o.current.Title
	}
	return nil
}

// SetTitle records a user-chosen title. User titles always win over derived
// ones, so this also cancels any pending derived title application.
func (o *Orchestrator) SetTitle(chatID int64, title string) error {
	if err := o.store.UpdateTitle(chatID, title); err != nil {
		return err
	}
	t := title
	o.rememberTitle(chatID, &t)
	delete(o.titlePending, chatID)
	return nil
}

func (o *Orchestrator) rememberTitle(chatID int64, title *string) {
	o.titles[chatID] = title
	if chatID == o.current.ID {
		o.current.Title = title
	}
}

// SetDefaultProfileModels replaces the default profile, persisting it. The
// current chat inherits the change if it has no messages yet.
func (o *Orchestrator) SetDefaultProfileModels(modelIDs []int64) error {
	if err := o.store.SetProfileModels(o.defaultProfile.ChatID, modelIDs); err != nil {
		return fmt.Errorf("persist default profile: %w", err)
	}
	o.defaultProfile.ModelIDs = append([]int64(nil), modelIDs...)
	if !o.HasMessages() {
		return o.SetChatProfileModels(modelIDs)
	}
	return nil
}

// SetChatProfileModels replaces the current chat's model set. Only legal
// while the chat has no messages; bindings are written to the store together
// with the first prompt, not here.
func (o *Orchestrator) SetChatProfileModels(modelIDs []int64) error {
	if o.HasMessages() {
		return ErrProfileFrozen
	}
	o.profile.ModelIDs = append([]int64(nil), modelIDs...)
	views := make(map[int64][]chat.Message, len(modelIDs))
	for _, id := range modelIDs {
		views[id] = o.views[id]
	}
	o.views = views
	return nil
}

// Apply folds one drained event into the in-memory cache. It must only be
// called from the control loop.
func (o *Orchestrator) Apply(ev Event) {
	switch ev := ev.(type) {
	case GenerationDone:
		o.applyGeneration(ev)
	case TitleDone:
		o.applyTitle(ev)
	case CatalogRefreshed:
		o.applyCatalog(ev)
	default:
		o.log.Error("unknown event type", "event", fmt.Sprintf("%T", ev))
	}
}

func (o *Orchestrator) applyGeneration(ev GenerationDone) {
	delete(o.pending, pendingKey{originID: ev.OriginID, modelID: ev.ModelID})
	if ev.ChatID != o.current.ID {
		return
	}
	view := o.views[ev.ModelID]

	// The reply is durable before the event is emitted, so a chat reloaded
	// in between already contains it and the insert must not run twice.
	// Unsaved error turns carry ID 0 and are exempt.
	if ev.Message.ID != 0 {
		for _, msg := range view {
			if msg.ID == ev.Message.ID {
				return
			}
		}
	}

	// Completions from other prompts may have landed since this one was
	// spawned, so the origin is located by id, never by index.
	insertAt := len(view)
	found := false
	for i, msg := range view {
		if msg.ID == ev.OriginID {
			insertAt = i + 1
			found = true
			break
		}
	}
	if !found {
		o.log.Error("origin message missing from view, appending at end",
			"chat", ev.ChatID, "model", ev.ModelID, "origin", ev.OriginID)
	}
	view = append(view, chat.Message{})
	copy(view[insertAt+1:], view[insertAt:])
	view[insertAt] = ev.Message
	o.views[ev.ModelID] = view
}

func (o *Orchestrator) applyTitle(ev TitleDone) {
	delete(o.titlePending, ev.ChatID)
	if ev.Title == "" {
		return
	}
	if existing := o.ChatTitle(ev.ChatID); existing != nil {
		o.log.Info("derived title discarded, title already set", "chat", ev.ChatID)
		return
	}
	if err := o.store.UpdateTitle(ev.ChatID, ev.Title); err != nil {
		o.log.Error("could not persist derived title", "chat", ev.ChatID, "err", err)
		return
	}
	t := ev.Title
	o.rememberTitle(ev.ChatID, &t)
}

func (o *Orchestrator) applyCatalog(ev CatalogRefreshed) {
	for _, id := range ev.RemovedIDs {
		delete(o.all, id)
		delete(o.available, id)
	}
	for _, id := range ev.RevivedIDs {
		p, ok := o.providers[id]
		if !ok || !o.keySet[id] {
			continue
		}
		delete(o.down, id)
		if _, have := o.clients[id]; !have {
			o.clients[id] = o.factory(p)
		}
		for _, m := range o.all {
			if m.ProviderID == id && !m.Disabled {
				o.available[m.ID] = m
			}
		}
	}
	for _, m := range ev.Added {
		o.all[m.ID] = m
		if o.keySet[m.ProviderID] && !o.ProviderDown(m.ProviderID) && !m.Disabled {
			o.available[m.ID] = m
		}
	}
	for _, id := range ev.DownIDs {
		o.log.Warn("provider unresponsive, marked down", "provider", o.ProviderName(id))
		delete(o.clients, id)
		o.down[id] = struct{}{}
	}
	for _, m := range ev.Unavailable {
		delete(o.available, m.ID)
	}
	for id, at := range ev.RefreshedAt {
		if p, ok := o.providers[id]; ok {
			p.ModelsRefreshedAt = at
			o.providers[id] = p
		}
	}
	o.log.Info("catalog refreshed",
		"added", len(ev.Added), "removed", len(ev.RemovedIDs),
		"down", len(ev.DownIDs), "total", len(o.all), "available", len(o.available))
}
