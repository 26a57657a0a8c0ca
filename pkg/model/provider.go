package model

import (
	"context"
)

// Client represents an authenticated connection to an LLM service (e.g. Gemini).
// A Client is bound to exactly one credential for its whole life.
type Client interface {
	// Name returns the provider's identifier (e.g. "gemini").
	Name() string

	// StartConversation opens a new dialogue with the model.
	// modelName identifies which model to use (e.g. "gemini-2.0-flash").
	// instructions is the system prompt applied to every turn.
	StartConversation(ctx context.Context, modelName, instructions string) (Conversation, error)

	// Close releases resources held by the client.
	Close() error
}

// Conversation is a handle to dialogue state kept by the upstream service.
// Turn history accumulates upstream; nothing is stored locally.
type Conversation interface {
	// Send submits one user message and blocks until the model replies.
	Send(ctx context.Context, text string) (Reply, error)
}

// Reply is the model's answer to one message.
type Reply struct {
	// Text is the raw generated text, before any sanitising.
	Text string

	// PromptTokens and ReplyTokens come from the usage metadata when the
	// provider reports it.
	PromptTokens int32
	ReplyTokens  int32
}

// NewClientFunc builds a Client for the given credential.
type NewClientFunc func(ctx context.Context, apiKey string) (Client, error)
