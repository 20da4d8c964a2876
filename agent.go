package ensemble

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// defaultMaxToolIter bounds the per-answer tool-calling loop.
const defaultMaxToolIter = 5

// AnswerRequest is the input to one agent turn: the user input, a history
// snapshot, the per-request identity, and optional router guidance.
type AnswerRequest struct {
	Input      string
	History    []Message
	Invocation InvocationContext
	// Strategy is the router's natural-language guidance for this turn.
	// Empty when the router produced none.
	Strategy string
}

// Agent is a named participant in the group chat.
type Agent interface {
	// Describe returns the agent's registry descriptor.
	Describe() Descriptor
	// Answer produces the agent's reply for one turn. The reply is an
	// assistant-role message attributed to the agent.
	Answer(ctx context.Context, req AnswerRequest) (Message, error)
	// Tools lists the tool specs the agent may invoke. Empty means the
	// agent answers from the chat model alone.
	Tools() []ToolSpec
	// CanHandle reports whether the agent may invoke the named tool.
	CanHandle(tool string) bool
}

// ModelAgent is an Agent backed by a chat model, optionally with tools
// served through a Mediator. Both specialists and the coordinator are
// ModelAgents; the coordinator differs only by descriptor and prompt.
type ModelAgent struct {
	desc     Descriptor
	provider Provider
	mediator *Mediator

	mu           sync.RWMutex
	systemPrompt string

	maxToolIter int
	logger      *slog.Logger
	tracer      Tracer
}

// ModelAgentOption configures a ModelAgent.
type ModelAgentOption func(*ModelAgent)

// WithMediator routes the agent's tool calls through m. Without a mediator
// the agent has no tools.
func WithMediator(m *Mediator) ModelAgentOption {
	return func(a *ModelAgent) { a.mediator = m }
}

// WithSystemPrompt sets the agent's system prompt.
func WithSystemPrompt(prompt string) ModelAgentOption {
	return func(a *ModelAgent) { a.systemPrompt = prompt }
}

// WithMaxToolIter bounds the tool-calling loop (default 5).
func WithMaxToolIter(n int) ModelAgentOption {
	return func(a *ModelAgent) {
		if n > 0 {
			a.maxToolIter = n
		}
	}
}

// WithAgentLogger sets a structured logger.
func WithAgentLogger(l *slog.Logger) ModelAgentOption {
	return func(a *ModelAgent) { a.logger = orNop(l) }
}

// WithAgentTracer enables span creation for answers and tool calls.
func WithAgentTracer(t Tracer) ModelAgentOption {
	return func(a *ModelAgent) { a.tracer = t }
}

// NewModelAgent creates an agent from a descriptor and provider.
func NewModelAgent(desc Descriptor, provider Provider, opts ...ModelAgentOption) *ModelAgent {
	if desc.Health == "" {
		desc.Health = Healthy
	}
	a := &ModelAgent{
		desc:        desc,
		provider:    provider,
		maxToolIter: defaultMaxToolIter,
		logger:      nopLogger,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *ModelAgent) Describe() Descriptor { return a.desc }

// SetSystemPrompt replaces the agent's system prompt. Used by the
// orchestrator to refresh the coordinator's roster section after registry
// mutations.
func (a *ModelAgent) SetSystemPrompt(prompt string) {
	a.mu.Lock()
	a.systemPrompt = prompt
	a.mu.Unlock()
}

// Tools returns the specs of the tools on the agent's allowlist, resolved
// through the mediator. Nil without a mediator.
func (a *ModelAgent) Tools() []ToolSpec {
	if a.mediator == nil {
		return nil
	}
	return a.mediator.SpecsFor(a.desc)
}

// CanHandle reports whether the tool is on the agent's allowlist.
func (a *ModelAgent) CanHandle(tool string) bool { return a.desc.AllowsTool(tool) }

// Answer runs a bounded tool-calling loop: the model either replies with
// content (done) or requests tool calls, which are executed through the
// mediator and fed back. At the iteration cap the model is asked to
// summarize what it found.
func (a *ModelAgent) Answer(ctx context.Context, req AnswerRequest) (Message, error) {
	if a.tracer != nil {
		var span Span
		ctx, span = a.tracer.Start(ctx, "agent.answer",
			StringAttr("agent.id", a.desc.ID))
		defer span.End()
	}

	messages := a.buildMessages(req)
	tools := a.Tools()

	for i := 0; i < a.maxToolIter; i++ {
		resp, err := a.provider.Chat(ctx, ChatRequest{Messages: messages, Tools: tools})
		if err != nil {
			return Message{}, WrapErr(KindOf(err), "agent "+a.desc.ID, err)
		}
		if len(resp.ToolCalls) == 0 {
			return AgentMessage(a.desc.Name, resp.Content), nil
		}

		assistant := AgentMessage(a.desc.Name, resp.Content)
		assistant.ToolCalls = resp.ToolCalls
		messages = append(messages, assistant)

		for _, tc := range resp.ToolCalls {
			if a.mediator == nil {
				messages = append(messages, ToolResultMessage(tc.ID, tc.Name, "error: no tools available"))
				continue
			}
			result := a.mediator.Invoke(ctx, a.desc, tc, req.Invocation)
			content := result.Content
			if result.Err != nil {
				content = "error: " + result.Err.Message
				a.logger.Warn("tool call failed",
					"agent", a.desc.ID, "tool", tc.Name, "kind", result.Err.Kind)
			}
			messages = append(messages, ToolResultMessage(tc.ID, tc.Name, content))
			if err := ctx.Err(); err != nil {
				return Message{}, WrapErr(KindOf(err), "agent "+a.desc.ID, err)
			}
		}
	}

	// Out of tool iterations. Ask for a synthesis of what was gathered.
	a.logger.Warn("tool iteration cap reached, forcing summary", "agent", a.desc.ID)
	messages = append(messages, UserMessage(
		"You have used all available tool calls. Summarize what you found and answer the user."))
	resp, err := a.provider.Chat(ctx, ChatRequest{Messages: messages})
	if err != nil {
		return Message{}, WrapErr(KindOf(err), "agent "+a.desc.ID, err)
	}
	return AgentMessage(a.desc.Name, resp.Content), nil
}

// buildMessages assembles system prompt (+ strategy guidance), history
// snapshot, and the current input.
func (a *ModelAgent) buildMessages(req AnswerRequest) []Message {
	a.mu.RLock()
	prompt := a.systemPrompt
	a.mu.RUnlock()

	var parts []string
	if prompt != "" {
		parts = append(parts, prompt)
	}
	if req.Strategy != "" {
		parts = append(parts, "Routing guidance for this turn:\n"+req.Strategy)
	}

	messages := make([]Message, 0, len(req.History)+2)
	if len(parts) > 0 {
		messages = append(messages, SystemMessage(strings.Join(parts, "\n\n")))
	}
	messages = append(messages, req.History...)
	if req.Input != "" && !endsWithUserInput(req.History, req.Input) {
		messages = append(messages, UserMessage(req.Input))
	}
	return messages
}

// endsWithUserInput reports whether the history already closes with this
// exact user input, avoiding a duplicated user message.
func endsWithUserInput(history []Message, input string) bool {
	if len(history) == 0 {
		return false
	}
	last := history[len(history)-1]
	return last.Role == RoleUser && last.Content == input
}

// compile-time check
var _ Agent = (*ModelAgent)(nil)
