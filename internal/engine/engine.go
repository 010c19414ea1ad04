package engine

import "context"

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Engine abstracts a generative inference backend. Consumers such as the
// analysis orchestrator, the forecast generator, and the embedding provider
// use this interface instead of depending on a concrete client.
type Engine interface {
	// Generate sends a single prompt to the given model and returns the completion.
	Generate(ctx context.Context, model string, prompt string) (string, error)

	// Chat sends messages to the given model and returns the assistant's response.
	Chat(ctx context.Context, model string, messages []Message) (string, error)

	// Embed returns the embedding vector for the given text using the specified model.
	Embed(ctx context.Context, model string, text string) ([]float32, error)

	// IsRunning reports whether the inference backend is reachable.
	IsRunning(ctx context.Context) bool
}
