package ensemble

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
)

const (
	// synthesisOverheadTokens is the fixed allowance for the synthesis
	// prompt scaffolding in the emergency check.
	synthesisOverheadTokens = 1000
	// minModelAnswerLen rejects degenerate model syntheses.
	minModelAnswerLen = 20
	// substantialCoordinatorLen qualifies a coordinator reply for passthrough.
	substantialCoordinatorLen = 200
	// emergencySnippetLen caps each bullet on the emergency path.
	emergencySnippetLen = 200
	// synthesisTemperature keeps the merge factual.
	synthesisTemperature = 0.3
	// truncationNotice replaces specialist text cut for token budget.
	truncationNotice = "… [TRUNCATED DUE TO TOKEN LIMITS]"
)

// synthesisIndicators suggest a coordinator reply already merged the
// specialist findings.
var synthesisIndicators = []string{
	"based on", "according to", "the results show", "in summary", "combining",
}

// deferralPhrases mark a coordinator reply that punts rather than answers.
var deferralPhrases = []string{
	"defer to", "i cannot answer", "waiting for", "will need the",
}

var (
	citationPattern = regexp.MustCompile(`\[Doc \d+\]`)
	urlPattern      = regexp.MustCompile(`https?://\S+`)
)

// Synthesizer reduces a turn's responses to one final answer.
type Synthesizer struct {
	provider   Provider
	accountant *Accountant
	logger     *slog.Logger
	tracer     Tracer
}

// SynthesizerOption configures a Synthesizer.
type SynthesizerOption func(*Synthesizer)

// WithSynthesizerLogger sets a structured logger.
func WithSynthesizerLogger(l *slog.Logger) SynthesizerOption {
	return func(s *Synthesizer) { s.logger = orNop(l) }
}

// WithSynthesizerTracer enables span creation per synthesis.
func WithSynthesizerTracer(t Tracer) SynthesizerOption {
	return func(s *Synthesizer) { s.tracer = t }
}

// NewSynthesizer creates a Synthesizer. The provider is used only on the
// model-synthesis path; every other path is deterministic.
func NewSynthesizer(provider Provider, accountant *Accountant, opts ...SynthesizerOption) *Synthesizer {
	s := &Synthesizer{provider: provider, accountant: accountant, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Synthesize walks the decision tree over the captured responses and
// returns the final answer text. It never fails: every path degrades to a
// deterministic join or summary.
func (s *Synthesizer) Synthesize(ctx context.Context, question string, result TurnResult) string {
	if s.tracer != nil {
		var span Span
		ctx, span = s.tracer.Start(ctx, "synthesizer.synthesize",
			IntAttr("responses", len(result.SpecialistResponses)))
		defer span.End()
	}

	specialists := dedupeByAgent(result.SpecialistResponses)
	coordinator := result.CoordinatorResponse

	if s.overBudget(question, specialists, coordinator) {
		s.logger.Warn("synthesis input over token budget, taking emergency path",
			"responses", len(specialists))
		return s.emergency(specialists, coordinator)
	}

	if passesThrough(coordinator, specialists) {
		return coordinator
	}
	if len(specialists) == 0 && coordinator != "" {
		return coordinator
	}
	if len(specialists) == 1 && coordinator == "" {
		return stripAgentPrefix(specialists[0])
	}

	answer := s.modelSynthesis(ctx, question, specialists, coordinator)
	if len(strings.TrimSpace(answer)) < minModelAnswerLen {
		s.logger.Warn("model synthesis degenerate, joining responses")
		answer = fallbackJoin(specialists, coordinator)
	}
	return ensureCitations(answer, specialists)
}

// overBudget applies the emergency check: question plus responses plus the
// synthesis overhead must fit under SafeLimit minus the response reserve.
func (s *Synthesizer) overBudget(question string, specialists []AgentResponse, coordinator string) bool {
	b := s.accountant.Budget()
	total := s.accountant.Count(question).Padded() +
		s.accountant.Count(coordinator).Padded() +
		synthesisOverheadTokens
	for _, r := range specialists {
		total += s.accountant.Count(r.Content).Padded()
	}
	return total > b.SafeLimit()-b.ResponseReserve
}

// passesThrough reports whether the coordinator reply already is the
// synthesis: substantial, carrying a synthesis indicator, and naming at
// least one specialist.
func passesThrough(coordinator string, specialists []AgentResponse) bool {
	if len(coordinator) <= substantialCoordinatorLen {
		return false
	}
	folded := strings.ToLower(coordinator)
	var indicated bool
	for _, ind := range synthesisIndicators {
		if strings.Contains(folded, ind) {
			indicated = true
			break
		}
	}
	if !indicated {
		return false
	}
	for _, r := range specialists {
		if strings.Contains(folded, strings.ToLower(r.Agent)) {
			return true
		}
	}
	return false
}

// modelSynthesis merges the responses with one chat-model call, truncating
// specialist entries that would blow the prompt budget. Model failure
// returns an empty answer so the caller falls back to the join.
func (s *Synthesizer) modelSynthesis(ctx context.Context, question string, specialists []AgentResponse, coordinator string) string {
	b := s.accountant.Budget()
	available := b.SafeLimit() - b.ResponseReserve - b.PromptOverhead -
		s.accountant.Count(question).Padded() -
		s.accountant.Count(coordinator).Padded()
	specialists = s.fitSpecialists(specialists, available)

	var p strings.Builder
	p.WriteString("Merge the findings below into one answer to the user's question.\n")
	p.WriteString("Do not mention the specialists by name. Preserve every citation token ")
	p.WriteString("like [Doc 1] and every \"Sources:\" list verbatim.\n\n")
	p.WriteString("Question: ")
	p.WriteString(question)
	p.WriteString("\n\n")
	for _, r := range specialists {
		p.WriteString("Findings from ")
		p.WriteString(r.Agent)
		p.WriteString(":\n")
		p.WriteString(r.Content)
		p.WriteString("\n\n")
	}
	if coordinator != "" {
		p.WriteString("Coordinator context:\n")
		p.WriteString(coordinator)
		p.WriteString("\n")
	}

	temp := synthesisTemperature
	maxTokens := b.ResponseReserve
	resp, err := s.provider.Chat(ctx, ChatRequest{
		Messages: []Message{UserMessage(p.String())},
		Params:   &GenerationParams{Temperature: &temp, MaxTokens: &maxTokens},
	})
	if err != nil {
		s.logger.Warn("synthesis model call failed", "error", err)
		return ""
	}
	return strings.TrimSpace(resp.Content)
}

// fitSpecialists truncates specialist entries in order until their total
// fits the available token budget.
func (s *Synthesizer) fitSpecialists(specialists []AgentResponse, available int) []AgentResponse {
	var total int
	counts := make([]int, len(specialists))
	for i, r := range specialists {
		counts[i] = s.accountant.Count(r.Content).Padded()
		total += counts[i]
	}
	if total <= available {
		return specialists
	}

	out := make([]AgentResponse, len(specialists))
	copy(out, specialists)
	for i := range out {
		if total <= available {
			break
		}
		excess := total - available
		keep := counts[i] - excess
		if keep < 0 {
			keep = 0
		}
		// Cut by the response's own character density so exact and
		// estimated counts both land near the target.
		ratio := float64(len([]rune(out[i].Content))) / float64(counts[i])
		chars := int(float64(keep) * ratio)
		before := counts[i]
		out[i].Content = truncateStr(out[i].Content, chars) + truncationNotice
		counts[i] = s.accountant.Count(out[i].Content).Padded()
		total += counts[i] - before
		s.logger.Warn("specialist response truncated for synthesis",
			"agent", out[i].Agent, "tokens_before", before, "tokens_after", counts[i])
	}
	return out
}

// fallbackJoin concatenates the coordinator reply (when substantive and not
// a deferral) and each specialist response.
func fallbackJoin(specialists []AgentResponse, coordinator string) string {
	var parts []string
	if coordinator != "" && !isDeferral(coordinator) {
		parts = append(parts, coordinator)
	}
	for _, r := range specialists {
		parts = append(parts, stripAgentPrefix(r))
	}
	return strings.Join(parts, "\n\n")
}

// isDeferral reports whether a coordinator reply punts to the specialists
// instead of answering.
func isDeferral(content string) bool {
	folded := strings.ToLower(content)
	for _, p := range deferralPhrases {
		if strings.Contains(folded, p) {
			return true
		}
	}
	return false
}

// emergency produces a bulleted summary without any model call: the first
// sentence or first 200 characters of each response.
func (s *Synthesizer) emergency(specialists []AgentResponse, coordinator string) string {
	responses := specialists
	if coordinator != "" {
		responses = append(append([]AgentResponse{}, specialists...),
			AgentResponse{Agent: "Coordinator", Content: coordinator})
	}
	if len(responses) == 1 {
		return "Response: " + firstSnippet(responses[0].Content)
	}
	var b strings.Builder
	for _, r := range responses {
		b.WriteString("- ")
		b.WriteString(r.Agent)
		b.WriteString(": ")
		b.WriteString(firstSnippet(r.Content))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// firstSnippet is the first sentence, capped at emergencySnippetLen.
func firstSnippet(content string) string {
	content = strings.TrimSpace(content)
	if i := strings.Index(content, ". "); i > 0 && i < emergencySnippetLen {
		return content[:i+1]
	}
	return truncateStr(content, emergencySnippetLen)
}

// dedupeByAgent keeps the first response per agent name.
func dedupeByAgent(responses []AgentResponse) []AgentResponse {
	seen := make(map[string]bool, len(responses))
	out := make([]AgentResponse, 0, len(responses))
	for _, r := range responses {
		if seen[r.Agent] {
			continue
		}
		seen[r.Agent] = true
		out = append(out, r)
	}
	return out
}

// stripAgentPrefix removes a leading "Name: " the agent may have stamped on
// its own reply.
func stripAgentPrefix(r AgentResponse) string {
	prefix := r.Agent + ": "
	if strings.HasPrefix(r.Content, prefix) {
		return r.Content[len(prefix):]
	}
	return r.Content
}

// ensureCitations appends any input citation or source URL the model
// dropped, keeping the citation-preservation guarantee independent of model
// behavior.
func ensureCitations(answer string, specialists []AgentResponse) string {
	var missing []string
	seen := make(map[string]bool)
	for _, r := range specialists {
		for _, c := range citationPattern.FindAllString(r.Content, -1) {
			if !seen[c] && !strings.Contains(answer, c) {
				seen[c] = true
				missing = append(missing, c)
			}
		}
		for _, u := range sourceURLs(r.Content) {
			if !seen[u] && !strings.Contains(answer, u) {
				seen[u] = true
				missing = append(missing, u)
			}
		}
	}
	if len(missing) == 0 {
		return answer
	}
	return answer + "\n\nSources: " + strings.Join(missing, " ")
}

// sourceURLs extracts URLs from a response's "Sources:" section.
func sourceURLs(content string) []string {
	idx := strings.Index(content, "Sources:")
	if idx < 0 {
		return nil
	}
	return urlPattern.FindAllString(content[idx:], -1)
}
