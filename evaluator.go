package ensemble

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// Verdict is the evaluator's structured judgement of a turn's responses.
type Verdict struct {
	IsComplete        bool     `json:"is_complete"`
	MissingInfo       string   `json:"missing_info"`
	SuggestedAgents   []string `json:"suggested_agents"`
	FollowUpQuestions []string `json:"follow_up_questions"`
	Reasoning         string   `json:"reasoning"`
}

// Evaluation is a verdict plus recovery suggestions for responses that look
// like failures. Suggestions accompany failed responses, they never replace
// them.
type Evaluation struct {
	Verdict
	Recovery []string
}

// errorPhrases mark a response as a probable failure.
var errorPhrases = []string{"error", "failed", "timeout", "unable to", "could not"}

// Evaluator judges whether captured responses fully answer the question,
// using the coordinator's chat model with a deterministic fallback.
type Evaluator struct {
	provider Provider
	logger   *slog.Logger
	tracer   Tracer
}

// EvaluatorOption configures an Evaluator.
type EvaluatorOption func(*Evaluator)

// WithEvaluatorLogger sets a structured logger.
func WithEvaluatorLogger(l *slog.Logger) EvaluatorOption {
	return func(e *Evaluator) { e.logger = orNop(l) }
}

// WithEvaluatorTracer enables span creation per evaluation.
func WithEvaluatorTracer(t Tracer) EvaluatorOption {
	return func(e *Evaluator) { e.tracer = t }
}

// NewEvaluator creates an Evaluator backed by the given model.
func NewEvaluator(provider Provider, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{provider: provider, logger: nopLogger}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Evaluate prompts the model for a structured verdict on the responses.
// When the model is unavailable or its reply does not parse, the fallback
// verdict marks the turn complete iff every expected agent responded.
// roster lists all registered specialist names, used for recovery
// suggestions when a response looks like a failure.
func (e *Evaluator) Evaluate(ctx context.Context, question string, responses []AgentResponse, expected, roster []string) Evaluation {
	if e.tracer != nil {
		var span Span
		ctx, span = e.tracer.Start(ctx, "evaluator.evaluate",
			IntAttr("responses", len(responses)))
		defer span.End()
	}

	ev := Evaluation{Verdict: e.verdict(ctx, question, responses, expected)}
	ev.Recovery = e.recoverySuggestions(responses, roster)
	return ev
}

func (e *Evaluator) verdict(ctx context.Context, question string, responses []AgentResponse, expected []string) Verdict {
	if e.provider == nil {
		return fallbackVerdict(responses, expected)
	}
	resp, err := e.provider.Chat(ctx, ChatRequest{
		Messages: []Message{UserMessage(evaluationPrompt(question, responses, expected))},
	})
	if err != nil {
		e.logger.Warn("completeness evaluation unavailable, using fallback", "error", err)
		return fallbackVerdict(responses, expected)
	}

	raw, ok := extractJSONObject(resp.Content)
	if !ok {
		e.logger.Warn("evaluation reply carried no JSON object, using fallback")
		return fallbackVerdict(responses, expected)
	}
	var v Verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		e.logger.Warn("evaluation reply did not parse, using fallback", "error", err)
		return fallbackVerdict(responses, expected)
	}
	return v
}

// fallbackVerdict is the deterministic judgement when the model path fails:
// complete when at least as many responses as expected agents arrived.
func fallbackVerdict(responses []AgentResponse, expected []string) Verdict {
	return Verdict{IsComplete: len(responses) >= len(expected)}
}

// recoverySuggestions scans responses for failure indicators and names an
// alternate specialist for each apparent failure.
func (e *Evaluator) recoverySuggestions(responses []AgentResponse, roster []string) []string {
	var out []string
	for _, r := range responses {
		if !looksFailed(r.Content) {
			continue
		}
		alt := alternateAgent(r.Agent, roster)
		if alt == "" {
			out = append(out, fmt.Sprintf("%s appears to have failed; consider rephrasing the question.", r.Agent))
			continue
		}
		out = append(out, fmt.Sprintf("%s appears to have failed; %s may be able to answer instead.", r.Agent, alt))
	}
	if len(out) > 0 {
		e.logger.Info("responses look failed, recovery suggested", "count", len(out))
	}
	return out
}

// looksFailed reports whether a response reads like an error rather than an
// answer. Short responses mentioning an error phrase qualify; long answers
// that merely discuss errors do not.
func looksFailed(content string) bool {
	folded := strings.ToLower(content)
	if len(folded) > 400 {
		return false
	}
	for _, p := range errorPhrases {
		if strings.Contains(folded, p) {
			return true
		}
	}
	return false
}

// alternateAgent picks the first roster entry that is not the failed agent.
func alternateAgent(failed string, roster []string) string {
	for _, name := range roster {
		if !strings.EqualFold(name, failed) {
			return name
		}
	}
	return ""
}

func evaluationPrompt(question string, responses []AgentResponse, expected []string) string {
	var b strings.Builder
	b.WriteString("Evaluate whether the responses below fully answer the user's question.\n")
	b.WriteString("Reply with a single JSON object and nothing else:\n")
	b.WriteString(`{"is_complete": bool, "missing_info": "text", "suggested_agents": ["names"], "follow_up_questions": ["text"], "reasoning": "text"}`)
	b.WriteString("\n\nQuestion: ")
	b.WriteString(question)
	b.WriteString("\n\nExpected respondents: ")
	b.WriteString(strings.Join(expected, ", "))
	b.WriteString("\n\nResponses:\n")
	for _, r := range responses {
		b.WriteString("- ")
		b.WriteString(r.Agent)
		b.WriteString(": ")
		b.WriteString(r.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// extractJSONObject pulls the first JSON object out of a model reply,
// tolerating markdown code fences around it.
func extractJSONObject(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}
