package openaicompat

import (
	"encoding/json"
	"testing"

	"github.com/ensembleai/ensemble"
)

func TestBuildBody_Roles(t *testing.T) {
	messages := []ensemble.Message{
		ensemble.SystemMessage("You are a router."),
		ensemble.UserMessage("list the tables"),
		ensemble.AgentMessage("db", "two tables: users, orders"),
	}

	body := BuildBody(messages, nil, "gpt-4o")

	if body.Model != "gpt-4o" {
		t.Errorf("model = %q, want gpt-4o", body.Model)
	}
	if len(body.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(body.Messages))
	}
	if body.Messages[0].Role != "system" {
		t.Errorf("messages[0].Role = %q, want system", body.Messages[0].Role)
	}
	if body.Messages[1].Role != "user" {
		t.Errorf("messages[1].Role = %q, want user", body.Messages[1].Role)
	}
	if body.Messages[2].Role != "assistant" || body.Messages[2].Name != "db" {
		t.Errorf("messages[2] = %+v, want assistant from db", body.Messages[2])
	}
}

func TestBuildBody_ToolCallRoundTrip(t *testing.T) {
	messages := []ensemble.Message{
		ensemble.UserMessage("how many users?"),
		{
			Role: ensemble.RoleAssistant,
			ToolCalls: []ensemble.ToolCall{
				{ID: "call_1", Name: "run_query", Args: json.RawMessage(`{"sql":"select 1"}`)},
			},
		},
		ensemble.ToolResultMessage("call_1", "run_query", "1"),
	}

	body := BuildBody(messages, nil, "gpt-4o")

	if len(body.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(body.Messages))
	}

	asst := body.Messages[1]
	if len(asst.ToolCalls) != 1 {
		t.Fatalf("assistant tool calls = %d, want 1", len(asst.ToolCalls))
	}
	if asst.ToolCalls[0].ID != "call_1" || asst.ToolCalls[0].Type != "function" {
		t.Errorf("tool call = %+v", asst.ToolCalls[0])
	}
	if asst.ToolCalls[0].Function.Arguments != `{"sql":"select 1"}` {
		t.Errorf("arguments = %q", asst.ToolCalls[0].Function.Arguments)
	}

	tool := body.Messages[2]
	if tool.Role != "tool" || tool.ToolCallID != "call_1" || tool.Content != "1" {
		t.Errorf("tool message = %+v", tool)
	}
}

func TestBuildBody_Options(t *testing.T) {
	body := BuildBody(nil, nil, "gpt-4o",
		WithTemperature(0.3), WithMaxTokens(1500), WithSeed(42))

	if body.Temperature == nil || *body.Temperature != 0.3 {
		t.Errorf("temperature = %v, want 0.3", body.Temperature)
	}
	if body.MaxTokens != 1500 {
		t.Errorf("max_tokens = %d, want 1500", body.MaxTokens)
	}
	if body.Seed == nil || *body.Seed != 42 {
		t.Errorf("seed = %v, want 42", body.Seed)
	}
}

func TestBuildToolDefs(t *testing.T) {
	tools := []ensemble.ToolSpec{
		{Name: "list_databases", Description: "list databases", Parameters: json.RawMessage(`{"type":"object"}`)},
		{Name: "no_params", Description: "takes nothing"},
	}

	defs := BuildToolDefs(tools)

	if len(defs) != 2 {
		t.Fatalf("defs = %d, want 2", len(defs))
	}
	if defs[0].Type != "function" || defs[0].Function.Name != "list_databases" {
		t.Errorf("defs[0] = %+v", defs[0])
	}
	// Empty parameters become an empty object, not null.
	if string(defs[1].Function.Parameters) != `{}` {
		t.Errorf("empty params = %s, want {}", defs[1].Function.Parameters)
	}
}
