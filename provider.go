package ensemble

import "context"

// Provider abstracts the chat model backend. Implementations live in
// provider subpackages (e.g. provider/openaicompat); the core depends only
// on this interface.
type Provider interface {
	// Chat sends a request and returns a complete response. When req.Tools
	// is non-empty the response may contain tool calls instead of content.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// Name returns the provider name (e.g. "openai").
	Name() string
}

// nopProvider satisfies Provider while always reporting model-fatal.
// Used where a provider is structurally required but never expected to run.
type nopProvider struct{}

func (nopProvider) Chat(context.Context, ChatRequest) (ChatResponse, error) {
	return ChatResponse{}, &ErrModel{Provider: "nop", Message: "no provider configured"}
}

func (nopProvider) Name() string { return "nop" }
