package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"polychat/internal/chat"
	"polychat/internal/provider"
)

// fakeStore is an in-memory Store. Generation tasks append concurrently, so
// everything is behind one mutex.
type fakeStore struct {
	mu          sync.Mutex
	nextChatID  int64
	nextMsgID   int64
	nextModelID int64
	titles      map[int64]*string
	messages    []chat.Message
	modelBinds  map[int64][]int64
	toolBinds   map[int64][]int64
	profiles    map[int64][]int64
	deprecated  []int64
	refreshedAt map[int64]int64
	appendErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nextModelID: 100,
		titles:      make(map[int64]*string),
		modelBinds:  make(map[int64][]int64),
		toolBinds:   make(map[int64][]int64),
		profiles:    make(map[int64][]int64),
		refreshedAt: make(map[int64]int64),
	}
}

func (s *fakeStore) CreateChat(title *string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextChatID++
	s.titles[s.nextChatID] = title
	return s.nextChatID, nil
}

func (s *fakeStore) AppendMessage(m *chat.Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return 0, s.appendErr
	}
	s.nextMsgID++
	m.ID = s.nextMsgID
	s.messages = append(s.messages, *m)
	return m.ID, nil
}

func (s *fakeStore) LoadMessages(chatID int64) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chat.Message
	for _, m := range s.messages {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateTitle(chatID int64, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.titles[chatID]; !ok {
		return errors.New("no such chat")
	}
	s.titles[chatID] = &title
	return nil
}

func (s *fakeStore) BindModels(chatID int64, modelIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modelBinds[chatID] = append([]int64(nil), modelIDs...)
	return nil
}

func (s *fakeStore) BindTools(chatID int64, toolIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolBinds[chatID] = append([]int64(nil), toolIDs...)
	return nil
}

func (s *fakeStore) ChatModelIDs(chatID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.modelBinds[chatID]...), nil
}

func (s *fakeStore) ChatToolIDs(chatID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.toolBinds[chatID]...), nil
}

func (s *fakeStore) SetProfileModels(profileID int64, modelIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[profileID] = append([]int64(nil), modelIDs...)
	return nil
}

func (s *fakeStore) SyncProviderCatalog(providerID int64, toInsert []chat.Model, toRemove []int64, refreshedAt int64) ([]chat.Model, []int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := make([]chat.Model, 0, len(toInsert))
	for _, m := range toInsert {
		s.nextModelID++
		m.ID = s.nextModelID
		m.ProviderID = providerID
		inserted = append(inserted, m)
	}
	s.deprecated = append(s.deprecated, toRemove...)
	s.refreshedAt[providerID] = refreshedAt
	return inserted, append([]int64(nil), toRemove...), nil
}

func (s *fakeStore) title(chatID int64) *string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.titles[chatID]
}

func (s *fakeStore) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

type generateCall struct {
	system string
	model  string
	conv   []chat.Message
}

// scriptedClient is a provider.Client with programmable behavior. When gate is
// non-nil, chat completions (but not title requests) block until a value is
// sent, which lets tests line up chained generations deterministically.
type scriptedClient struct {
	mu      sync.Mutex
	gate    chan struct{}
	reply   func(model string, conv []chat.Message) (string, error)
	catalog func() (map[string]chat.Model, error)
	calls   []generateCall
}

func echoReply(model string, conv []chat.Message) (string, error) {
	last := conv[len(conv)-1]
	return "re:" + last.Text(), nil
}

func (c *scriptedClient) Generate(ctx context.Context, model, system string, conv []chat.Message) (string, error) {
	if c.gate != nil && system == systemPrompt {
		<-c.gate
	}
	c.mu.Lock()
	c.calls = append(c.calls, generateCall{system: system, model: model, conv: append([]chat.Message(nil), conv...)})
	c.mu.Unlock()
	if system == titleSystemPrompt {
		return "Test Title", nil
	}
	return c.reply(model, conv)
}

func (c *scriptedClient) ListModels(ctx context.Context) (map[string]chat.Model, error) {
	return c.catalog()
}

func (c *scriptedClient) chatCalls() []generateCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []generateCall
	for _, call := range c.calls {
		if call.system == systemPrompt {
			out = append(out, call)
		}
	}
	return out
}

func newTestOrchestrator(st *fakeStore, client *scriptedClient, modelIDs []int64) *Orchestrator {
	providers := []chat.Provider{{ID: 1, Name: "prov"}}
	models := []chat.Model{
		{ID: 10, ProviderID: 1, Name: "alpha"},
		{ID: 20, ProviderID: 1, Name: "beta"},
	}
	factory := func(p chat.Provider) provider.Client { return client }
	return New(st, providers, models, chat.ChatProfile{ModelIDs: modelIDs}, factory, log.New(io.Discard))
}

func nextEvent(t *testing.T, o *Orchestrator) Event {
	t.Helper()
	select {
	case ev := <-o.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for event")
		return nil
	}
}

// drainAndApply consumes n events, applies each, and returns them.
func drainAndApply(t *testing.T, o *Orchestrator, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		ev := nextEvent(t, o)
		o.Apply(ev)
		out = append(out, ev)
	}
	return out
}

func TestSubmitFansOutToAllModels(t *testing.T) {
	st := newFakeStore()
	client := &scriptedClient{reply: echoReply}
	o := newTestOrchestrator(st, client, []int64{10, 20})

	res, err := o.Submit("hello")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(res.Unavailable) != 0 {
		t.Fatalf("unexpected unavailable models: %+v", res.Unavailable)
	}
	if !res.ChatCreated || res.ChatID == 0 {
		t.Fatalf("first prompt should create the chat: %+v", res)
	}
	if binds, _ := st.ChatModelIDs(res.ChatID); len(binds) != 2 {
		t.Fatalf("model bindings not persisted with chat creation: %v", binds)
	}

	userID := o.View(10)[0].ID
	if !o.IsPending(10, userID) || !o.IsPending(20, userID) {
		t.Fatalf("both generations should be pending right after submit")
	}

	// Two completions plus the derived title.
	events := drainAndApply(t, o, 3)
	var titles, generations int
	for _, ev := range events {
		switch ev.(type) {
		case TitleDone:
			titles++
		case GenerationDone:
			generations++
		}
	}
	if generations != 2 || titles != 1 {
		t.Fatalf("expected 2 generations and 1 title, got %d and %d", generations, titles)
	}

	for _, modelID := range []int64{10, 20} {
		view := o.View(modelID)
		if len(view) != 2 {
			t.Fatalf("model %d: expected prompt + reply, got %d", modelID, len(view))
		}
		if view[1].Text() != "re:hello" || *view[1].ModelID != modelID {
			t.Fatalf("model %d: unexpected reply %+v", modelID, view[1])
		}
	}
	if o.IsPending(10, userID) || o.IsPending(20, userID) {
		t.Fatalf("pending markers should clear once applied")
	}
	if got := st.title(res.ChatID); got == nil || *got != "Test Title" {
		t.Fatalf("derived title not persisted: %v", got)
	}
	if st.messageCount() != 3 {
		t.Fatalf("expected 1 prompt + 2 replies in store, got %d", st.messageCount())
	}
}

func TestMixedSuccessAndFailureFanOut(t *testing.T) {
	st := newFakeStore()
	client := &scriptedClient{
		reply: func(model string, conv []chat.Message) (string, error) {
			if model == "beta" {
				return "", errors.New("beta exploded")
			}
			return echoReply(model, conv)
		},
	}
	o := newTestOrchestrator(st, client, []int64{10, 20})

	if _, err := o.Submit("hello"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	drainAndApply(t, o, 3) // 2 generations + derived title

	alpha := o.View(10)
	if len(alpha) != 2 || alpha[1].Content == nil || *alpha[1].Content != "re:hello" {
		t.Fatalf("alpha should succeed: %+v", alpha)
	}
	beta := o.View(20)
	if len(beta) != 2 || beta[1].Error == nil || *beta[1].Error == "" {
		t.Fatalf("beta should carry an error turn: %+v", beta)
	}
	// Both outcomes sit right after the shared user turn in their own views.
	if alpha[0].ID != beta[0].ID {
		t.Fatalf("views should share the user turn")
	}
	if st.messageCount() != 3 {
		t.Fatalf("error turns are persisted too, want 3 messages, got %d", st.messageCount())
	}
}

func TestSecondPromptChainsOnFirst(t *testing.T) {
	st := newFakeStore()
	client := &scriptedClient{reply: echoReply, gate: make(chan struct{}, 2)}
	o := newTestOrchestrator(st, client, []int64{10})

	if _, err := o.Submit("one"); err != nil {
		t.Fatalf("submit one: %v", err)
	}
	if _, err := o.Submit("two"); err != nil {
		t.Fatalf("submit two: %v", err)
	}

	client.gate <- struct{}{}
	client.gate <- struct{}{}

	// 2 generations + 1 title (first prompt created the chat).
	drainAndApply(t, o, 3)

	calls := client.chatCalls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 chat completions, got %d", len(calls))
	}
	second := calls[1].conv
	if len(second) != 3 {
		t.Fatalf("chained prompt should see prompt, reply, prompt; got %d turns", len(second))
	}
	if second[1].Text() != "re:one" {
		t.Fatalf("chained prompt missing predecessor reply: %+v", second[1])
	}
	if second[2].Text() != "two" {
		t.Fatalf("chained prompt should end with the new turn: %+v", second[2])
	}

	view := o.View(10)
	want := []string{"one", "re:one", "two", "re:two"}
	if len(view) != len(want) {
		t.Fatalf("expected %d turns in view, got %d", len(want), len(view))
	}
	for i, text := range want {
		if view[i].Text() != text {
			t.Fatalf("view[%d] = %q, want %q", i, view[i].Text(), text)
		}
	}
}

func TestFailedPredecessorFallsBackToSnapshot(t *testing.T) {
	st := newFakeStore()
	client := &scriptedClient{
		gate: make(chan struct{}, 2),
		reply: func(model string, conv []chat.Message) (string, error) {
			for _, m := range conv {
				if strings.Contains(m.Text(), "boom") {
					return "", errors.New("scripted failure")
				}
			}
			return echoReply(model, conv)
		},
	}
	o := newTestOrchestrator(st, client, []int64{10})

	if _, err := o.Submit("boom"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := o.Submit("two"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	client.gate <- struct{}{}
	client.gate <- struct{}{}

	// 2 generations + title marker from the failed first chain.
	drainAndApply(t, o, 3)

	calls := client.chatCalls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 chat completions, got %d", len(calls))
	}
	// The successor continues from its submission-time transcript: both
	// prompts, no reply, no error turn.
	second := calls[1].conv
	if len(second) != 2 || second[0].Text() != "boom" || second[1].Text() != "two" {
		t.Fatalf("unexpected fallback conversation: %+v", second)
	}

	view := o.View(10)
	if len(view) != 4 {
		t.Fatalf("expected 4 turns, got %d", len(view))
	}
	if view[1].Error == nil {
		t.Fatalf("failed generation should surface as an error turn: %+v", view[1])
	}
	if o.ChatTitle(1) != nil {
		t.Fatalf("failed chain should leave the chat untitled")
	}
	if o.TitlePending(1) {
		t.Fatalf("title pending marker should clear on failure")
	}
}

func TestSubmitRefusesUnavailableModel(t *testing.T) {
	st := newFakeStore()
	client := &scriptedClient{reply: echoReply}
	providers := []chat.Provider{
		{ID: 1, Name: "prov"},
		{ID: 2, Name: "keyless", KeyEnvVar: "POLYCHAT_TEST_MISSING_KEY"},
	}
	models := []chat.Model{
		{ID: 10, ProviderID: 1, Name: "alpha"},
		{ID: 30, ProviderID: 2, Name: "gamma"},
	}
	factory := func(p chat.Provider) provider.Client { return client }
	o := New(st, providers, models, chat.ChatProfile{ModelIDs: []int64{10, 30}}, factory, log.New(io.Discard))

	res, err := o.Submit("hello")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(res.Unavailable) != 1 || res.Unavailable[0].Model != "gamma" || res.Unavailable[0].Provider != "keyless" {
		t.Fatalf("expected gamma/keyless to be reported, got %+v", res.Unavailable)
	}
	if res.ChatCreated || st.messageCount() != 0 {
		t.Fatalf("nothing should be persisted when a bound model is unavailable")
	}
}

func TestUserTitleBeatsDerivedTitle(t *testing.T) {
	st := newFakeStore()
	client := &scriptedClient{reply: echoReply}
	o := newTestOrchestrator(st, client, []int64{10})

	res, err := o.Submit("hello")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	events := drainAndApply(t, o, 1) // the generation
	if _, ok := events[0].(GenerationDone); !ok {
		t.Fatalf("expected GenerationDone first, got %T", events[0])
	}
	if err := o.SetTitle(res.ChatID, "Mine"); err != nil {
		t.Fatalf("set title: %v", err)
	}

	ev := nextEvent(t, o)
	if _, ok := ev.(TitleDone); !ok {
		t.Fatalf("expected TitleDone, got %T", ev)
	}
	o.Apply(ev)

	if got := st.title(res.ChatID); got == nil || *got != "Mine" {
		t.Fatalf("user title should win, store has %v", got)
	}
	if got := o.ChatTitle(res.ChatID); got == nil || *got != "Mine" {
		t.Fatalf("user title should win in memory, got %v", got)
	}
}

func TestApplyGenerationInsertsAfterOrigin(t *testing.T) {
	st := newFakeStore()
	client := &scriptedClient{reply: echoReply}
	o := newTestOrchestrator(st, client, []int64{10})

	o.current.ID = 1
	o.views[10] = []chat.Message{
		{ID: 1, ChatID: 1, Role: chat.RoleUser, Content: strptr("first")},
		{ID: 3, ChatID: 1, Role: chat.RoleUser, Content: strptr("second")},
	}

	o.Apply(GenerationDone{
		ChatID:   1,
		ModelID:  10,
		OriginID: 1,
		Message:  chat.Message{ID: 5, ChatID: 1, ModelID: i64ptr(10), Role: chat.RoleAssistant, Content: strptr("late reply")},
	})

	view := o.View(10)
	gotIDs := make([]int64, len(view))
	for i, m := range view {
		gotIDs[i] = m.ID
	}
	if fmt.Sprint(gotIDs) != fmt.Sprint([]int64{1, 5, 3}) {
		t.Fatalf("reply should land right after its origin, got ids %v", gotIDs)
	}
}

func TestApplyAfterReloadDoesNotDuplicateReply(t *testing.T) {
	st := newFakeStore()
	client := &scriptedClient{reply: echoReply}
	o := newTestOrchestrator(st, client, []int64{10})

	res, err := o.Submit("hello")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ev := nextEvent(t, o)
	if _, ok := ev.(GenerationDone); !ok {
		t.Fatalf("expected GenerationDone, got %T", ev)
	}

	// Reloading between the durable append and the event drain already
	// brings the reply into the view.
	if err := o.LoadChat(chat.Chat{ID: res.ChatID}); err != nil {
		t.Fatalf("load chat: %v", err)
	}
	if len(o.View(10)) != 2 {
		t.Fatalf("reloaded view should hold prompt + reply, got %d turns", len(o.View(10)))
	}

	o.Apply(ev)
	view := o.View(10)
	if len(view) != 2 {
		t.Fatalf("reply duplicated after reload, got %d turns", len(view))
	}
	seen := make(map[int64]bool, len(view))
	for _, m := range view {
		if seen[m.ID] {
			t.Fatalf("message %d appears twice in the view", m.ID)
		}
		seen[m.ID] = true
	}
	if o.IsPending(10, view[0].ID) {
		t.Fatalf("pending marker should clear even when the insert is skipped")
	}

	o.Apply(nextEvent(t, o)) // the derived title still lands
}

func TestApplyGenerationIgnoresOtherChat(t *testing.T) {
	st := newFakeStore()
	client := &scriptedClient{reply: echoReply}
	o := newTestOrchestrator(st, client, []int64{10})

	o.current.ID = 2
	o.pending[pendingKey{originID: 9, modelID: 10}] = "req"
	o.Apply(GenerationDone{ChatID: 1, ModelID: 10, OriginID: 9, Message: chat.Message{ID: 11}})

	if len(o.View(10)) != 0 {
		t.Fatalf("completion for another chat must not touch the current views")
	}
	if o.IsPending(10, 9) {
		t.Fatalf("pending marker should clear even for background chats")
	}
}

func TestProfileFrozenAfterFirstMessage(t *testing.T) {
	st := newFakeStore()
	client := &scriptedClient{reply: echoReply}
	o := newTestOrchestrator(st, client, []int64{10})

	if err := o.SetChatProfileModels([]int64{10, 20}); err != nil {
		t.Fatalf("editing an empty chat's profile should work: %v", err)
	}
	if _, err := o.Submit("hello"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := o.SetChatProfileModels([]int64{10}); !errors.Is(err, ErrProfileFrozen) {
		t.Fatalf("expected ErrProfileFrozen, got %v", err)
	}
	drainAndApply(t, o, 3)
}

func TestLoadChatRebuildsViews(t *testing.T) {
	st := newFakeStore()
	client := &scriptedClient{reply: echoReply}
	o := newTestOrchestrator(st, client, []int64{10, 20})

	res, err := o.Submit("hello")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	drainAndApply(t, o, 3)

	fresh := newTestOrchestrator(st, client, []int64{10, 20})
	if err := fresh.LoadChat(chat.Chat{ID: res.ChatID}); err != nil {
		t.Fatalf("load chat: %v", err)
	}
	for _, modelID := range []int64{10, 20} {
		view := fresh.View(modelID)
		if len(view) != 2 || view[1].Text() != "re:hello" {
			t.Fatalf("model %d: rebuilt view mismatch: %+v", modelID, view)
		}
	}
}
