// Package store persists chats, messages, profiles, and the provider/model
// catalog in a local SQLite database.
package store

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"polychat/internal/chat"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// DefaultProfileID is the distinguished profile used to seed new chats.
const DefaultProfileID = 0

// chatModel binds a chat to a model. Rows are written once, when the chat's
// first prompt is submitted, and never updated.
type chatModel struct {
	ChatID   int64 `gorm:"primaryKey;autoIncrement:false"`
	ModelID  int64 `gorm:"primaryKey;autoIncrement:false"`
	Position int
}

type chatTool struct {
	ChatID   int64 `gorm:"primaryKey;autoIncrement:false"`
	ToolID   int64 `gorm:"primaryKey;autoIncrement:false"`
	Position int
}

type profileModel struct {
	ProfileID int64 `gorm:"primaryKey;autoIncrement:false"`
	ModelID   int64 `gorm:"primaryKey;autoIncrement:false"`
	Position  int
}

type profileTool struct {
	ProfileID int64 `gorm:"primaryKey;autoIncrement:false"`
	ToolID    int64 `gorm:"primaryKey;autoIncrement:false"`
	Position  int
}

// Store wraps the gorm handle. Methods are safe for concurrent use; the
// generation tasks write messages from their own goroutines.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if necessary) the database at path and migrates the
// schema. Pass ":memory:" for an ephemeral database.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	if err := db.AutoMigrate(
		&chat.Chat{},
		&chat.Message{},
		&chat.Model{},
		&chat.Provider{},
		&chatModel{},
		&chatTool{},
		&profileModel{},
		&profileTool{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	s := &Store{db: db}
	if err := s.seedProviders(); err != nil {
		return nil, err
	}
	return s, nil
}

// seedProviders inserts the built-in provider rows on a fresh database.
func (s *Store) seedProviders() error {
	var count int64
	if err := s.db.Model(&chat.Provider{}).Count(&count).Error; err != nil {
		return fmt.Errorf("count providers: %w", err)
	}
	if count > 0 {
		return nil
	}
	now := time.Now().Unix()
	defaults := []chat.Provider{
		{
			Name:                 "openai",
			BaseURL:              "https://api.openai.com/v1",
			KeyEnvVar:            "OPENAI_API_KEY",
			ModelsFromList:       true,
			ModelsRefreshSeconds: 86400,
			CreatedAt:            now,
		},
		{
			Name:                       "ollama",
			BaseURL:                    "http://127.0.0.1:11434/v1",
			AvailabilityRequiresModels: true,
			CreatedAt:                  now,
		},
	}
	if err := s.db.Create(&defaults).Error; err != nil {
		return fmt.Errorf("seed providers: %w", err)
	}
	return nil
}

// CreateChat inserts a chat row and returns its assigned id.
func (s *Store) CreateChat(title *string) (int64, error) {
	c := chat.Chat{CreatedAt: time.Now().Unix(), Title: title}
	if err := s.db.Create(&c).Error; err != nil {
		return 0, fmt.Errorf("create chat: %w", err)
	}
	return c.ID, nil
}

// AllChats returns every chat, most recent first.
func (s *Store) AllChats() ([]chat.Chat, error) {
	var chats []chat.Chat
	err := s.db.Order("created_at DESC, id DESC").Find(&chats).Error
	return chats, err
}

// SearchChats returns chats whose title or message content matches query,
// case-insensitively, most recent first.
func (s *Store) SearchChats(query string, limit int) ([]chat.Chat, error) {
	pattern := "%" + query + "%"
	var chats []chat.Chat
	err := s.db.
		Distinct("chats.*").
		Joins("LEFT JOIN messages ON messages.chat_id = chats.id").
		Where("chats.title LIKE ? OR messages.content LIKE ?", pattern, pattern).
		Order("chats.created_at DESC, chats.id DESC").
		Limit(limit).
		Find(&chats).Error
	return chats, err
}

// LoadMessages returns a chat's full message log in chronological order.
func (s *Store) LoadMessages(chatID int64) ([]chat.Message, error) {
	var msgs []chat.Message
	err := s.db.Where("chat_id = ?", chatID).Order("at ASC, id ASC").Find(&msgs).Error
	return msgs, err
}

// AppendMessage inserts a message and fills in its assigned id.
func (s *Store) AppendMessage(m *chat.Message) (int64, error) {
	if err := s.db.Create(m).Error; err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	return m.ID, nil
}

// UpdateTitle sets a chat's title.
func (s *Store) UpdateTitle(chatID int64, title string) error {
	res := s.db.Model(&chat.Chat{}).Where("id = ?", chatID).Update("title", title)
	if res.Error != nil {
		return fmt.Errorf("update title: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteChat removes a chat together with its messages and bindings.
func (s *Store) DeleteChat(chatID int64) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("chat_id = ?", chatID).Delete(&chat.Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("chat_id = ?", chatID).Delete(&chatModel{}).Error; err != nil {
			return err
		}
		if err := tx.Where("chat_id = ?", chatID).Delete(&chatTool{}).Error; err != nil {
			return err
		}
		return tx.Delete(&chat.Chat{}, chatID).Error
	})
}

// BindModels writes a chat's model bindings. Called exactly once per chat, on
// its first submitted prompt; the binding is append-only after that.
func (s *Store) BindModels(chatID int64, modelIDs []int64) error {
	if len(modelIDs) == 0 {
		return nil
	}
	rows := make([]chatModel, 0, len(modelIDs))
	for i, id := range modelIDs {
		rows = append(rows, chatModel{ChatID: chatID, ModelID: id, Position: i})
	}
	return s.db.Create(&rows).Error
}

// BindTools is the tool counterpart of BindModels.
func (s *Store) BindTools(chatID int64, toolIDs []int64) error {
	if len(toolIDs) == 0 {
		return nil
	}
	rows := make([]chatTool, 0, len(toolIDs))
	for i, id := range toolIDs {
		rows = append(rows, chatTool{ChatID: chatID, ToolID: id, Position: i})
	}
	return s.db.Create(&rows).Error
}

// ChatModelIDs returns the models bound to a chat, in binding order.
func (s *Store) ChatModelIDs(chatID int64) ([]int64, error) {
	var ids []int64
	err := s.db.Model(&chatModel{}).
		Where("chat_id = ?", chatID).
		Order("position ASC").
		Pluck("model_id", &ids).Error
	return ids, err
}

// ChatToolIDs returns the tools bound to a chat, in binding order.
func (s *Store) ChatToolIDs(chatID int64) ([]int64, error) {
	var ids []int64
	err := s.db.Model(&chatTool{}).
		Where("chat_id = ?", chatID).
		Order("position ASC").
		Pluck("tool_id", &ids).Error
	return ids, err
}

// Profile loads a chat profile's ordered model and tool sets.
func (s *Store) Profile(profileID int64) (chat.ChatProfile, error) {
	p := chat.ChatProfile{ChatID: profileID}
	err := s.db.Model(&profileModel{}).
		Where("profile_id = ?", profileID).
		Order("position ASC").
		Pluck("model_id", &p.ModelIDs).Error
	if err != nil {
		return p, err
	}
	err = s.db.Model(&profileTool{}).
		Where("profile_id = ?", profileID).
		Order("position ASC").
		Pluck("tool_id", &p.ToolIDs).Error
	return p, err
}

// ProfileExists reports whether the profile has any models bound.
func (s *Store) ProfileExists(profileID int64) (bool, error) {
	var count int64
	err := s.db.Model(&profileModel{}).Where("profile_id = ?", profileID).Count(&count).Error
	return count > 0, err
}

// SetProfileModels replaces a profile's model set, preserving order.
func (s *Store) SetProfileModels(profileID int64, modelIDs []int64) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("profile_id = ?", profileID).Delete(&profileModel{}).Error; err != nil {
			return err
		}
		if len(modelIDs) == 0 {
			return nil
		}
		rows := make([]profileModel, 0, len(modelIDs))
		for i, id := range modelIDs {
			rows = append(rows, profileModel{ProfileID: profileID, ModelID: id, Position: i})
		}
		return tx.Create(&rows).Error
	})
}

// RemoveProfileModel drops one model from a profile.
func (s *Store) RemoveProfileModel(profileID, modelID int64) error {
	return s.db.Where("profile_id = ? AND model_id = ?", profileID, modelID).
		Delete(&profileModel{}).Error
}

// Providers returns all non-deprecated providers ordered by id.
func (s *Store) Providers() ([]chat.Provider, error) {
	var providers []chat.Provider
	err := s.db.Where("deprecated = ?", false).Order("id ASC").Find(&providers).Error
	return providers, err
}

// Models returns all non-deprecated models.
func (s *Store) Models() ([]chat.Model, error) {
	var models []chat.Model
	err := s.db.Where("deprecated = ?", false).Order("provider_id ASC, name ASC").Find(&models).Error
	return models, err
}

// ModelsForProvider returns a provider's non-deprecated models ordered by id.
func (s *Store) ModelsForProvider(providerID int64) ([]chat.Model, error) {
	var models []chat.Model
	err := s.db.Where("provider_id = ? AND deprecated = ?", providerID, false).
		Order("id ASC").Find(&models).Error
	return models, err
}

// AddModel inserts a model row and returns its assigned id.
func (s *Store) AddModel(m *chat.Model) (int64, error) {
	if m.CreatedAt == 0 {
		m.CreatedAt = time.Now().Unix()
	}
	if err := s.db.Create(m).Error; err != nil {
		return 0, fmt.Errorf("add model: %w", err)
	}
	return m.ID, nil
}

// SyncProviderCatalog applies one reconciliation pass for a provider in a
// single transaction: toInsert rows are created, toRemove ids are marked
// deprecated (messages referencing them stay valid), and the provider's
// refresh timestamp is advanced. There is no window where a partial
// insert/removal is observable.
func (s *Store) SyncProviderCatalog(providerID int64, toInsert []chat.Model, toRemove []int64, refreshedAt int64) ([]chat.Model, []int64, error) {
	inserted := make([]chat.Model, 0, len(toInsert))
	removed := append([]int64(nil), toRemove...)
	err := s.db.Transaction(func(tx *gorm.DB) error {
		for _, m := range toInsert {
			row := m
			row.ID = 0
			row.ProviderID = providerID
			if row.CreatedAt == 0 {
				row.CreatedAt = refreshedAt
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			inserted = append(inserted, row)
		}
		if len(removed) > 0 {
			if err := tx.Model(&chat.Model{}).
				Where("id IN ?", removed).
				Update("deprecated", true).Error; err != nil {
				return err
			}
		}
		return tx.Model(&chat.Provider{}).
			Where("id = ?", providerID).
			Update("models_refreshed_at", refreshedAt).Error
	})
	if err != nil {
		return nil, nil, fmt.Errorf("sync provider %d catalog: %w", providerID, err)
	}
	return inserted, removed, nil
}
