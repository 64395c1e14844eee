// Package llm talks to the language model providers that drive the
// assistant: a local Ollama server, the Anthropic Messages API, or a
// mix of both routed by model name.
package llm

import "context"

// Client is implemented by every provider.
type Client interface {
	// Chat sends the conversation and the available tools and returns
	// the model's reply: text, tool calls, or both.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// Ping checks that the provider is reachable.
	Ping(ctx context.Context) error
}
