package ensemble

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
)

// scriptProvider is a Provider whose replies come from a script function.
type scriptProvider struct {
	mu   sync.Mutex
	fn   func(req ChatRequest) (ChatResponse, error)
	reqs []ChatRequest
}

func (p *scriptProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	p.mu.Lock()
	p.reqs = append(p.reqs, req)
	fn := p.fn
	p.mu.Unlock()
	if fn == nil {
		return ChatResponse{Content: "ok"}, nil
	}
	return fn(req)
}

func (p *scriptProvider) Name() string { return "script" }

func (p *scriptProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reqs)
}

func (p *scriptProvider) request(t *testing.T, i int) ChatRequest {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.reqs) {
		t.Fatalf("only %d requests recorded", len(p.reqs))
	}
	return p.reqs[i]
}

// replyWith returns a script that answers each call in sequence, repeating
// the last reply once the script runs out.
func replyWith(replies ...ChatResponse) func(ChatRequest) (ChatResponse, error) {
	var mu sync.Mutex
	i := 0
	return func(ChatRequest) (ChatResponse, error) {
		mu.Lock()
		defer mu.Unlock()
		r := replies[i]
		if i < len(replies)-1 {
			i++
		}
		return r, nil
	}
}

func toolCallResponse(name string, args string) ChatResponse {
	return ChatResponse{ToolCalls: []ToolCall{{
		ID: NewID(), Name: name, Args: json.RawMessage(args),
	}}}
}

func TestAgentAnswersWithoutTools(t *testing.T) {
	p := &scriptProvider{fn: replyWith(ChatResponse{Content: "Paris."})}
	a := NewModelAgent(Descriptor{ID: "coord", Name: "Coordinator"}, p,
		WithSystemPrompt("be brief"))

	msg, err := a.Answer(context.Background(), AnswerRequest{Input: "capital of France?"})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if msg.Content != "Paris." || msg.Name != "Coordinator" {
		t.Fatalf("msg = %+v", msg)
	}

	req := p.request(t, 0)
	if req.Messages[0].Role != RoleSystem || req.Messages[0].Content != "be brief" {
		t.Fatalf("system prompt missing: %+v", req.Messages[0])
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != RoleUser || last.Content != "capital of France?" {
		t.Fatalf("input not appended: %+v", last)
	}
}

func TestAgentRunsToolLoop(t *testing.T) {
	ep := newFakeEndpoint("list_databases")
	ep.fn = func(string, json.RawMessage, InvocationContext) (string, error) {
		return "sales, hr", nil
	}
	m := NewMediator()
	m.AddEndpoint(ep)

	p := &scriptProvider{fn: replyWith(
		toolCallResponse("list_databases", `{}`),
		ChatResponse{Content: "There are two databases: sales and hr."},
	)}
	a := NewModelAgent(Descriptor{
		ID: "db", Name: "Database", ToolAllowlist: []string{"list_databases"},
	}, p, WithMediator(m))

	msg, err := a.Answer(context.Background(), AnswerRequest{
		Input:      "what databases exist?",
		Invocation: testInvocation,
	})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if !strings.Contains(msg.Content, "sales and hr") {
		t.Fatalf("final content = %q", msg.Content)
	}
	if ep.callCount() != 1 {
		t.Fatalf("tool called %d times", ep.callCount())
	}

	// The second model call must carry the tool result.
	second := p.request(t, 1)
	found := false
	for _, m := range second.Messages {
		if m.Role == RoleTool && strings.Contains(m.Content, "sales, hr") {
			found = true
		}
	}
	if !found {
		t.Fatal("tool result not fed back to the model")
	}
}

func TestAgentSummarizesAtToolIterationCap(t *testing.T) {
	ep := newFakeEndpoint("probe")
	m := NewMediator()
	m.AddEndpoint(ep)

	p := &scriptProvider{}
	p.fn = func(req ChatRequest) (ChatResponse, error) {
		// Keep requesting tools until no tools are offered, then summarize.
		if len(req.Tools) > 0 {
			return toolCallResponse("probe", `{}`), nil
		}
		return ChatResponse{Content: "summary of findings"}, nil
	}
	a := NewModelAgent(Descriptor{
		ID: "db", Name: "Database", ToolAllowlist: []string{"probe"},
	}, p, WithMediator(m), WithMaxToolIter(3))

	msg, err := a.Answer(context.Background(), AnswerRequest{Input: "dig", Invocation: testInvocation})
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if msg.Content != "summary of findings" {
		t.Fatalf("content = %q", msg.Content)
	}
	if ep.callCount() != 3 {
		t.Fatalf("tool called %d times, cap is 3", ep.callCount())
	}
}

func TestAgentFeedsToolErrorBackAsContent(t *testing.T) {
	ep := newFakeEndpoint("run_query")
	ep.fn = func(string, json.RawMessage, InvocationContext) (string, error) {
		return "", &ToolError{Kind: KindToolError, Message: "syntax error near SELEC"}
	}
	m := NewMediator()
	m.AddEndpoint(ep)

	p := &scriptProvider{fn: replyWith(
		toolCallResponse("run_query", `{"sql":"SELEC 1"}`),
		ChatResponse{Content: "The query had a syntax error."},
	)}
	a := NewModelAgent(Descriptor{
		ID: "db", Name: "Database", ToolAllowlist: []string{"run_query"},
	}, p, WithMediator(m))

	msg, err := a.Answer(context.Background(), AnswerRequest{Input: "run it", Invocation: testInvocation})
	if err != nil {
		t.Fatalf("tool errors must not fail the answer: %v", err)
	}
	second := p.request(t, 1)
	var sawError bool
	for _, m := range second.Messages {
		if m.Role == RoleTool && strings.Contains(m.Content, "error:") {
			sawError = true
		}
	}
	if !sawError {
		t.Fatal("tool error not surfaced to the model")
	}
	if msg.Content == "" {
		t.Fatal("empty final content")
	}
}

func TestAgentStrategyGuidanceInSystemPrompt(t *testing.T) {
	p := &scriptProvider{fn: replyWith(ChatResponse{Content: "done"})}
	a := NewModelAgent(Descriptor{ID: "db", Name: "Database"}, p,
		WithSystemPrompt("you query databases"))

	a.Answer(context.Background(), AnswerRequest{
		Input:    "q",
		Strategy: "Database should answer first.",
	})
	sys := p.request(t, 0).Messages[0]
	if sys.Role != RoleSystem || !strings.Contains(sys.Content, "Database should answer first.") {
		t.Fatalf("strategy guidance missing: %+v", sys)
	}
	if !strings.Contains(sys.Content, "you query databases") {
		t.Fatal("base prompt lost when strategy added")
	}
}

func TestAgentDoesNotDuplicateTrailingUserInput(t *testing.T) {
	p := &scriptProvider{fn: replyWith(ChatResponse{Content: "done"})}
	a := NewModelAgent(Descriptor{ID: "c", Name: "C"}, p)

	history := []Message{SystemMessage("sys"), UserMessage("same question")}
	a.Answer(context.Background(), AnswerRequest{Input: "same question", History: history})

	req := p.request(t, 0)
	var users int
	for _, m := range req.Messages {
		if m.Role == RoleUser {
			users++
		}
	}
	if users != 1 {
		t.Fatalf("user message duplicated: %d user messages", users)
	}
}
