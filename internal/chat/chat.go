// Package chat holds the domain types shared by the store, the provider
// clients, and the orchestrator.
package chat

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// Role identifies who produced a message. Values are stable because they are
// persisted as integers.
type Role int64

const (
	RoleUser       Role = 1
	RoleAssistant  Role = 2
	RoleToolResult Role = 3
)

func RoleFromInt64(v int64) (Role, error) {
	switch v {
	case 1:
		return RoleUser, nil
	case 2:
		return RoleAssistant, nil
	case 3:
		return RoleToolResult, nil
	default:
		return 0, fmt.Errorf("invalid role value: %d", v)
	}
}

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleAssistant:
		return "assistant"
	case RoleToolResult:
		return "tool_result"
	default:
		return fmt.Sprintf("role(%d)", int64(r))
	}
}

// Chat is one conversation. ID 0 means the chat exists only in memory and has
// not been persisted yet; a row is created lazily on the first submitted
// prompt, never before.
type Chat struct {
	ID        int64   `gorm:"primaryKey" json:"id"`
	CreatedAt int64   `gorm:"column:created_at" json:"created_at"`
	Title     *string `json:"title"`
}

func (Chat) TableName() string { return "chats" }

// NewChat returns an unpersisted chat stamped with the current time.
func NewChat() Chat {
	return Chat{CreatedAt: time.Now().Unix()}
}

// Message is one transcript entry. Messages are immutable once written and
// are removed only by whole-chat deletion.
//
// At is a millisecond timestamp; second resolution is not granular enough to
// keep a chat's messages totally ordered. Assistant turns reuse the
// originating user turn's At so each per-model view sorts the reply next to
// its prompt; ResponseAt records when the generation actually finished.
type Message struct {
	ID         int64          `gorm:"primaryKey" json:"id"`
	At         int64          `gorm:"column:at;index" json:"at"`
	ResponseAt *int64         `gorm:"column:response_at" json:"response_at"`
	ChatID     int64          `gorm:"column:chat_id;index" json:"chat_id"`
	ModelID    *int64         `gorm:"column:model_id" json:"model_id"`
	Role       Role           `gorm:"column:role" json:"role"`
	Content    *string        `json:"content"`
	Name       *string        `json:"name"`
	Reasoning  *string        `json:"reasoning"`
	ToolCalls  datatypes.JSON `gorm:"column:tool_calls" json:"tool_calls"`
	ToolCallID *string        `gorm:"column:tool_call_id" json:"tool_call_id"`
	Error      *string        `json:"error"`
}

func (Message) TableName() string { return "messages" }

// NewUserMessage builds an unpersisted user turn for chatID.
func NewUserMessage(chatID int64, content string) Message {
	return Message{
		At:      time.Now().UnixMilli(),
		ChatID:  chatID,
		Role:    RoleUser,
		Content: &content,
	}
}

// NewAssistantMessage builds a successful assistant turn. originAt is the At
// of the user message that triggered the generation.
func NewAssistantMessage(chatID, modelID int64, content string, originAt int64) Message {
	now := time.Now().UnixMilli()
	return Message{
		At:         originAt,
		ResponseAt: &now,
		ChatID:     chatID,
		ModelID:    &modelID,
		Role:       RoleAssistant,
		Content:    &content,
	}
}

// NewAssistantError builds an assistant turn that carries only an error. A
// failed generation is a visible transcript entry, not an exception.
func NewAssistantError(chatID, modelID int64, errText string, originAt int64) Message {
	now := time.Now().UnixMilli()
	return Message{
		At:         originAt,
		ResponseAt: &now,
		ChatID:     chatID,
		ModelID:    &modelID,
		Role:       RoleAssistant,
		Error:      &errText,
	}
}

// Text returns whichever of content or error the message carries.
func (m Message) Text() string {
	if m.Content != nil {
		return *m.Content
	}
	if m.Error != nil {
		return *m.Error
	}
	return ""
}

// ChatProfile is the ordered set of models and tools bound to a chat.
// Profile 0 is the default profile used to seed new chats. A chat's profile
// is frozen once the chat has any persisted messages.
type ChatProfile struct {
	ChatID   int64
	ModelIDs []int64
	ToolIDs  []int64
}

// Clone returns a deep copy so callers can mutate selections freely.
func (p ChatProfile) Clone() ChatProfile {
	return ChatProfile{
		ChatID:   p.ChatID,
		ModelIDs: append([]int64(nil), p.ModelIDs...),
		ToolIDs:  append([]int64(nil), p.ToolIDs...),
	}
}

// Model is one generation target exposed by a provider. Deprecation is a soft
// delete: the row stays addressable for historical messages but is excluded
// from new selection.
type Model struct {
	ID         int64  `gorm:"primaryKey" json:"id"`
	ProviderID int64  `gorm:"column:provider_id;index" json:"provider_id"`
	Name       string `gorm:"column:name" json:"name"`
	Disabled   bool   `json:"disabled"`
	Deprecated bool   `json:"deprecated"`
	CreatedAt  int64  `gorm:"column:created_at" json:"created_at"`
}

func (Model) TableName() string { return "models" }

// Provider is one configured backend endpoint.
//
// AvailabilityRequiresModels marks providers (local runtimes, mostly) whose
// availability can only be determined by a successful catalog fetch.
// ModelsFromList marks providers whose cached catalog is refreshed from the
// list endpoint once ModelsRefreshSeconds have passed.
type Provider struct {
	ID                         int64  `gorm:"primaryKey" json:"id"`
	Name                       string `json:"name"`
	BaseURL                    string `gorm:"column:base_url" json:"base_url"`
	KeyEnvVar                  string `gorm:"column:key_env_var" json:"key_env_var"`
	Disabled                   bool   `json:"disabled"`
	Deprecated                 bool   `json:"deprecated"`
	AvailabilityRequiresModels bool   `gorm:"column:availability_requires_models" json:"availability_requires_models"`
	ModelsFromList             bool   `gorm:"column:models_from_list" json:"models_from_list"`
	ModelsRefreshedAt          int64  `gorm:"column:models_refreshed_at" json:"models_refreshed_at"`
	ModelsRefreshSeconds       int64  `gorm:"column:models_refresh_seconds" json:"models_refresh_seconds"`
	CreatedAt                  int64  `gorm:"column:created_at" json:"created_at"`
}

func (Provider) TableName() string { return "providers" }
