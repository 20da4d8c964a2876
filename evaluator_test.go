package ensemble

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestEvaluateParsesModelVerdict(t *testing.T) {
	p := &scriptProvider{fn: replyWith(ChatResponse{Content: `{
		"is_complete": false,
		"missing_info": "company ownership data",
		"suggested_agents": ["Companies"],
		"follow_up_questions": ["Who owns the top customer?"],
		"reasoning": "only database data present"
	}`})}
	e := NewEvaluator(p)

	ev := e.Evaluate(context.Background(), "q",
		[]AgentResponse{{Agent: "Database", Content: "rows"}},
		[]string{"Database", "Companies"}, nil)
	if ev.IsComplete {
		t.Fatal("verdict should be incomplete")
	}
	if len(ev.SuggestedAgents) != 1 || ev.SuggestedAgents[0] != "Companies" {
		t.Fatalf("suggested = %v", ev.SuggestedAgents)
	}
	if len(ev.FollowUpQuestions) != 1 {
		t.Fatalf("follow-ups = %v", ev.FollowUpQuestions)
	}
}

func TestEvaluateToleratesMarkdownFences(t *testing.T) {
	p := &scriptProvider{fn: replyWith(ChatResponse{Content: "```json\n" +
		`{"is_complete": true, "reasoning": "covered"}` + "\n```"}),
	}
	e := NewEvaluator(p)
	ev := e.Evaluate(context.Background(), "q", nil, nil, nil)
	if !ev.IsComplete || ev.Reasoning != "covered" {
		t.Fatalf("verdict = %+v", ev.Verdict)
	}
}

func TestEvaluateFallsBackOnModelFailure(t *testing.T) {
	p := &scriptProvider{fn: func(ChatRequest) (ChatResponse, error) {
		return ChatResponse{}, errors.New("model down")
	}}
	e := NewEvaluator(p)

	responses := []AgentResponse{
		{Agent: "Database", Content: "rows"},
		{Agent: "Companies", Content: "owners"},
	}
	ev := e.Evaluate(context.Background(), "q", responses, []string{"Database", "Companies"}, nil)
	if !ev.IsComplete {
		t.Fatal("fallback should be complete when every expected agent responded")
	}

	ev = e.Evaluate(context.Background(), "q", responses[:1], []string{"Database", "Companies"}, nil)
	if ev.IsComplete {
		t.Fatal("fallback should be incomplete with missing respondents")
	}
	if len(ev.SuggestedAgents) != 0 {
		t.Fatalf("fallback must not suggest agents: %v", ev.SuggestedAgents)
	}
}

func TestEvaluateFallsBackOnUnparseableReply(t *testing.T) {
	p := &scriptProvider{fn: replyWith(ChatResponse{Content: "everything looks complete to me"})}
	e := NewEvaluator(p)
	ev := e.Evaluate(context.Background(), "q",
		[]AgentResponse{{Agent: "Database", Content: "rows"}},
		[]string{"Database"}, nil)
	if !ev.IsComplete {
		t.Fatal("fallback expected with 1 response for 1 expected agent")
	}
}

func TestRecoverySuggestionsAccompanyFailures(t *testing.T) {
	p := &scriptProvider{fn: replyWith(ChatResponse{Content: `{"is_complete": true}`})}
	e := NewEvaluator(p)

	responses := []AgentResponse{
		{Agent: "Database", Content: "error: connection refused"},
		{Agent: "Documents", Content: "The report covers Q3 revenue in detail."},
	}
	ev := e.Evaluate(context.Background(), "q", responses,
		[]string{"Database", "Documents"}, []string{"Database", "Documents"})
	if len(ev.Recovery) != 1 {
		t.Fatalf("recovery = %v", ev.Recovery)
	}
	if !strings.Contains(ev.Recovery[0], "Database") || !strings.Contains(ev.Recovery[0], "Documents") {
		t.Fatalf("suggestion must name failed and alternate agents: %q", ev.Recovery[0])
	}
	// The failed response itself is untouched.
	if responses[0].Content != "error: connection refused" {
		t.Fatal("recovery must not rewrite the failed response")
	}
}

func TestLooksFailedIgnoresLongAnswersMentioningErrors(t *testing.T) {
	long := strings.Repeat("The system handles errors gracefully by retrying. ", 10)
	if looksFailed(long) {
		t.Fatal("long substantive answer misclassified as failure")
	}
	if !looksFailed("request timeout") {
		t.Fatal("short timeout response not flagged")
	}
}

func TestExtractJSONObject(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{`{"a":1}`, `{"a":1}`, true},
		{"```json\n{\"a\":1}\n```", `{"a":1}`, true},
		{"prefix text {\"a\":1} suffix", `{"a":1}`, true},
		{"no json here", "", false},
	}
	for _, tc := range cases {
		got, ok := extractJSONObject(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Errorf("extractJSONObject(%q) = %q, %v", tc.in, got, ok)
		}
	}
}
