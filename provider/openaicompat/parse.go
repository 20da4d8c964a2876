package openaicompat

import (
	"encoding/json"

	"github.com/ensembleai/ensemble"
)

// ParseResponse converts an OpenAI-format ChatResponse to an ensemble
// ChatResponse. It extracts content, tool calls, and usage from choices[0].
func ParseResponse(resp ChatResponse) (ensemble.ChatResponse, error) {
	var out ensemble.ChatResponse

	if len(resp.Choices) == 0 {
		return out, nil
	}

	choice := resp.Choices[0]
	if choice.Message != nil {
		out.Content = choice.Message.Content
		out.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
	}

	if resp.Usage != nil {
		out.Usage = ensemble.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}

	return out, nil
}

// ParseToolCalls converts OpenAI tool call requests to ensemble ToolCalls.
// OpenAI returns function.arguments as a JSON string; we parse it into
// json.RawMessage.
func ParseToolCalls(tcs []ToolCallRequest) []ensemble.ToolCall {
	if len(tcs) == 0 {
		return nil
	}

	out := make([]ensemble.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		// Validate that arguments is valid JSON; if not, fall back to {}.
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out = append(out, ensemble.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}
