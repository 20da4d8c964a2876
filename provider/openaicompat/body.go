package openaicompat

import (
	"encoding/json"

	"github.com/ensembleai/ensemble"
)

// BuildBody converts ensemble Messages and a model name into an OpenAI-format
// ChatRequest. System messages are kept in the messages array as
// role:"system". Options configure generation parameters (temperature,
// top_p, etc.).
func BuildBody(messages []ensemble.Message, tools []ensemble.ToolSpec, model string, opts ...Option) ChatRequest {
	var msgs []Message

	for _, m := range messages {
		switch {
		case m.Role == ensemble.RoleAssistant && len(m.ToolCalls) > 0:
			// Assistant message with tool calls.
			var tcs []ToolCallRequest
			for _, tc := range m.ToolCalls {
				tcs = append(tcs, ToolCallRequest{
					ID:   tc.ID,
					Type: "function",
					Function: FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				})
			}
			msgs = append(msgs, Message{
				Role:      ensemble.RoleAssistant,
				Content:   m.Content,
				ToolCalls: tcs,
			})

		case m.Role == ensemble.RoleTool:
			// Tool result message.
			msgs = append(msgs, Message{
				Role:       ensemble.RoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})

		default:
			// System, user, or plain assistant message. Name carries the
			// agent attribution for multi-agent transcripts.
			msgs = append(msgs, Message{
				Role:    m.Role,
				Content: m.Content,
				Name:    m.Name,
			})
		}
	}

	req := ChatRequest{
		Model:    model,
		Messages: msgs,
	}

	if len(tools) > 0 {
		req.Tools = BuildToolDefs(tools)
	}

	for _, opt := range opts {
		opt(&req)
	}

	return req
}

// BuildToolDefs converts ensemble ToolSpecs to OpenAI tool format.
func BuildToolDefs(tools []ensemble.ToolSpec) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{}`)
		}
		out = append(out, Tool{
			Type: "function",
			Function: Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
