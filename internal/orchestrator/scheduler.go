package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"polychat/internal/chat"
	"polychat/internal/provider"
)

const (
	titleSystemPrompt = "You are a conversation title generator."
	titlePrompt       = "Generate a concise title for the conversation above. Respond with the title only, no more than 6 words."
)

// chainHandle is the join point between consecutive generations on the same
// (chat, model) pair. The task that owns it resolves it exactly once; any
// number of successors may await it.
type chainHandle struct {
	done chan struct{}
	// conv and ok are written before done is closed and read only after,
	// which is what makes the unlocked access safe.
	conv []chat.Message
	ok   bool
}

func newChainHandle() *chainHandle {
	return &chainHandle{done: make(chan struct{})}
}

func (h *chainHandle) resolve(conv []chat.Message) {
	h.conv = conv
	h.ok = true
	close(h.done)
}

func (h *chainHandle) fail() {
	close(h.done)
}

// await blocks until the handle settles and returns the successor's starting
// conversation, or ok=false when the predecessor failed.
func (h *chainHandle) await() ([]chat.Message, bool) {
	<-h.done
	return h.conv, h.ok
}

// Submit persists the prompt and fans a generation out to every model in the
// current chat's profile. On the first prompt of a session chat this also
// creates the chat row and writes its model and tool bindings.
func (o *Orchestrator) Submit(prompt string) (SubmitResult, error) {
	var res SubmitResult
	for _, modelID := range o.profile.ModelIDs {
		m, ok := o.all[modelID]
		if !ok {
			res.Unavailable = append(res.Unavailable, UnavailableModel{Model: fmt.Sprintf("model %d", modelID), Provider: "unknown provider"})
			continue
		}
		if _, available := o.available[modelID]; !available {
			res.Unavailable = append(res.Unavailable, UnavailableModel{Model: m.Name, Provider: o.ProviderName(m.ProviderID)})
		}
	}
	if len(res.Unavailable) > 0 {
		return res, nil
	}

	if o.current.ID == 0 {
		id, err := o.store.CreateChat(nil)
		if err != nil {
			return res, fmt.Errorf("create chat: %w", err)
		}
		if err := o.store.BindModels(id, o.profile.ModelIDs); err != nil {
			return res, fmt.Errorf("bind models: %w", err)
		}
		if err := o.store.BindTools(id, o.profile.ToolIDs); err != nil {
			return res, fmt.Errorf("bind tools: %w", err)
		}
		o.current.ID = id
		o.profile.ChatID = id
		o.titles[id] = nil
		res.ChatCreated = true
	}
	res.ChatID = o.current.ID

	userMsg := chat.NewUserMessage(o.current.ID, prompt)
	if _, err := o.store.AppendMessage(&userMsg); err != nil {
		return res, fmt.Errorf("append prompt: %w", err)
	}

	deriveTitle := res.ChatCreated
	for i, modelID := range o.profile.ModelIDs {
		o.views[modelID] = append(o.views[modelID], userMsg)
		// The title task rides on the first model's chain only.
		o.startGeneration(modelID, userMsg, deriveTitle && i == 0)
	}
	if deriveTitle {
		o.titlePending[o.current.ID] = struct{}{}
	}
	return res, nil
}

// startGeneration registers the new link in the chain and spawns the task.
// The handle must be in the map before the goroutine starts so that a second
// Submit on the same pair always finds its predecessor.
func (o *Orchestrator) startGeneration(modelID int64, origin chat.Message, deriveTitle bool) {
	key := chainKey{chatID: o.current.ID, modelID: modelID}
	prev := o.handles[key]
	handle := newChainHandle()
	o.handles[key] = handle

	reqID := uuid.NewString()
	o.pending[pendingKey{originID: origin.ID, modelID: modelID}] = reqID

	model := o.all[modelID]
	client := o.clients[model.ProviderID]
	fallback := append([]chat.Message(nil), o.views[modelID]...)

	logger := o.log.With("req", reqID, "chat", origin.ChatID, "model", model.Name)
	logger.Info("generation scheduled", "origin", origin.ID, "chained", prev != nil)

	go o.runGeneration(logger, handle, prev, client, model, origin, fallback, deriveTitle)
}

// runGeneration is the body of one chain link. It settles its handle on every
// path, including panics, so successors can never deadlock.
func (o *Orchestrator) runGeneration(logger *log.Logger, handle, prev *chainHandle, client provider.Client, model chat.Model, origin chat.Message, fallback []chat.Message, deriveTitle bool) {
	settled := false
	defer func() {
		if r := recover(); r != nil {
			logger.Error("generation panicked", "panic", r)
		}
		if !settled {
			handle.fail()
			if deriveTitle {
				o.events <- TitleDone{ChatID: origin.ChatID}
			}
		}
	}()

	conv := fallback
	if prev != nil {
		prevConv, ok := prev.await()
		if ok {
			// The predecessor's conversation already contains everything
			// before this prompt; only the new turn is appended.
			conv = append(prevConv, origin)
		} else {
			logger.Error("predecessor failed, continuing from submission-time transcript")
		}
	}

	text, err := client.Generate(context.Background(), model.Name, systemPrompt, conv)

	var reply chat.Message
	if err != nil {
		logger.Error("generation failed", "err", err)
		reply = chat.NewAssistantError(origin.ChatID, model.ID, err.Error(), origin.At)
	} else {
		reply = chat.NewAssistantMessage(origin.ChatID, model.ID, text, origin.At)
	}

	if _, serr := o.store.AppendMessage(&reply); serr != nil {
		// The turn never became durable, so the chain breaks here. The
		// unsaved error message is still shown so the spinner resolves.
		logger.Error("could not persist reply, breaking chain", "err", serr)
		reply = chat.NewAssistantError(origin.ChatID, model.ID, fmt.Sprintf("not saved: %v", serr), origin.At)
		err = serr
	}

	o.events <- GenerationDone{ChatID: origin.ChatID, ModelID: model.ID, OriginID: origin.ID, Message: reply}

	if err != nil {
		handle.fail()
		settled = true
		if deriveTitle {
			// The chat stays untitled; successors may carry no title task.
			o.events <- TitleDone{ChatID: origin.ChatID}
		}
		return
	}

	conv = append(conv, reply)
	if deriveTitle {
		tail := append([]chat.Message(nil), conv...)
		go o.deriveTitle(client, model, origin.ChatID, tail)
	}
	handle.resolve(conv)
	settled = true
}

// deriveTitle asks the model that just answered to name the conversation.
// Best effort: a failure is logged and the chat simply stays untitled.
func (o *Orchestrator) deriveTitle(client provider.Client, model chat.Model, chatID int64, conv []chat.Message) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("title derivation panicked", "chat", chatID, "panic", r)
		}
	}()

	ask := chat.NewUserMessage(chatID, titlePrompt)
	conv = append(conv, ask)
	title, err := client.Generate(context.Background(), model.Name, titleSystemPrompt, conv)
	if err != nil {
		o.log.Error("title derivation failed", "chat", chatID, "err", err)
		o.events <- TitleDone{ChatID: chatID}
		return
	}
	title = strings.Trim(strings.TrimSpace(title), `"`)
	o.events <- TitleDone{ChatID: chatID, Title: title}
}
