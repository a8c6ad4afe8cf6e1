// Package provider abstracts the language-model backends a chat can fan out
// to. One Client exists per configured provider; the orchestrator only ever
// talks to this interface.
package provider

import (
	"context"

	"polychat/internal/chat"
)

// Client is the capability a provider contributes: run one generation over a
// conversation, and report the models it currently serves.
type Client interface {
	// Generate runs a single non-streaming completion and returns the
	// assistant text.
	Generate(ctx context.Context, model string, systemPrompt string, conversation []chat.Message) (string, error)

	// ListModels returns the provider's live catalog keyed by model name.
	// Identities are store-assigned, so names are the join key.
	ListModels(ctx context.Context) (map[string]chat.Model, error)
}

// Factory builds a client for a provider record. Indirected so tests can
// substitute scripted clients.
type Factory func(p chat.Provider) Client
