package ensemble

import (
	"context"
	"log/slog"
	"strings"
)

// defaultRerouteIterations caps completeness-driven follow-up turns.
const defaultRerouteIterations = 3

// defaultCoordinatorPrompt is the coordinator's base system prompt before
// the roster section is appended.
const defaultCoordinatorPrompt = "You coordinate a team of specialists. " +
	"Route questions to them, combine their findings, and reply \"Approved\" " +
	"once the user's question is fully answered."

// promptSetter is implemented by agents whose system prompt can be replaced
// after registry mutations.
type promptSetter interface {
	SetSystemPrompt(prompt string)
}

// Orchestrator is the façade over the whole pipeline: routing, the group
// chat engine, completeness evaluation, synthesis, and memory.
type Orchestrator struct {
	registry *Registry
	provider Provider

	accountant *Accountant
	router     *Router
	engine     *Engine
	memory     *Memory
	evaluator  *Evaluator
	synth      *Synthesizer
	stream     *Streamer

	reroutes   int
	basePrompt string
	logger     *slog.Logger
	tracer     Tracer
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithAccountant replaces the default token accountant.
func WithAccountant(a *Accountant) OrchestratorOption {
	return func(o *Orchestrator) { o.accountant = a }
}

// WithRouter replaces the default router.
func WithRouter(r *Router) OrchestratorOption {
	return func(o *Orchestrator) { o.router = r }
}

// WithEngine replaces the default group chat engine.
func WithEngine(e *Engine) OrchestratorOption {
	return func(o *Orchestrator) { o.engine = e }
}

// WithMemory replaces the default in-memory store.
func WithMemory(m *Memory) OrchestratorOption {
	return func(o *Orchestrator) { o.memory = m }
}

// WithEvaluator replaces the default completeness evaluator.
func WithEvaluator(e *Evaluator) OrchestratorOption {
	return func(o *Orchestrator) { o.evaluator = e }
}

// WithSynthesizer replaces the default synthesizer.
func WithSynthesizer(s *Synthesizer) OrchestratorOption {
	return func(o *Orchestrator) { o.synth = s }
}

// WithStream publishes turn-level activity to the streamer.
func WithStream(s *Streamer) OrchestratorOption {
	return func(o *Orchestrator) { o.stream = s }
}

// WithRerouteIterations caps follow-up turns (default 3).
func WithRerouteIterations(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.reroutes = n
		}
	}
}

// WithCoordinatorPrompt sets the coordinator's base prompt used by roster
// refreshes.
func WithCoordinatorPrompt(p string) OrchestratorOption {
	return func(o *Orchestrator) { o.basePrompt = p }
}

// WithOrchestratorLogger sets a structured logger shared by the default
// components.
func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = orNop(l) }
}

// WithOrchestratorTracer enables span creation across the pipeline.
func WithOrchestratorTracer(t Tracer) OrchestratorOption {
	return func(o *Orchestrator) { o.tracer = t }
}

// NewOrchestrator wires the pipeline around a registry and the
// coordinator's provider. Components not supplied via options are built
// with defaults sharing that provider.
func NewOrchestrator(registry *Registry, provider Provider, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		registry:   registry,
		provider:   provider,
		reroutes:   defaultRerouteIterations,
		basePrompt: defaultCoordinatorPrompt,
		logger:     nopLogger,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.accountant == nil {
		o.accountant = NewAccountant(DefaultBudget, WithAccountantLogger(o.logger))
	}
	if o.router == nil {
		o.router = NewRouter(registry,
			WithStrategist(provider), WithRouterLogger(o.logger), WithRouterTracer(o.tracer))
	}
	if o.engine == nil {
		o.engine = NewEngine(WithSelector(provider),
			WithEngineStream(o.stream), WithEngineLogger(o.logger), WithEngineTracer(o.tracer))
	}
	if o.memory == nil {
		o.memory = NewMemory(o.basePrompt, o.accountant, WithMemoryLogger(o.logger))
	}
	if o.evaluator == nil {
		o.evaluator = NewEvaluator(provider, WithEvaluatorLogger(o.logger))
	}
	if o.synth == nil {
		o.synth = NewSynthesizer(provider, o.accountant,
			WithSynthesizerLogger(o.logger), WithSynthesizerTracer(o.tracer))
	}
	o.RefreshRoster()
	return o
}

// Register adds an agent and refreshes the coordinator's roster prompt.
func (o *Orchestrator) Register(a Agent) error {
	if err := o.registry.Register(a); err != nil {
		return err
	}
	o.RefreshRoster()
	return nil
}

// Unregister removes an agent and refreshes the coordinator's roster prompt.
func (o *Orchestrator) Unregister(id string) {
	o.registry.Unregister(id)
	o.RefreshRoster()
}

// RefreshRoster rebuilds the coordinator's system prompt from the current
// registry so its behavior tracks roster changes.
func (o *Orchestrator) RefreshRoster() {
	coord := o.registry.Coordinator()
	if coord == nil {
		return
	}
	if ps, ok := coord.(promptSetter); ok {
		ps.SetSystemPrompt(o.basePrompt + "\n\n" + o.registry.Roster())
	}
}

// Ask runs one full turn: route, converse, evaluate, synthesize, persist.
// The returned answer is the final synthesized text. Errors are surfaced
// only when nothing usable was produced; their messages carry no internal
// identifiers.
func (o *Orchestrator) Ask(ctx context.Context, sessionID, userID, input string) (string, error) {
	if strings.TrimSpace(input) == "" {
		return "", Errf(KindInputInvalid, "empty query")
	}
	if userID == "" {
		return "", Errf(KindInputInvalid, "missing user id")
	}
	if o.tracer != nil {
		var span Span
		ctx, span = o.tracer.Start(ctx, "orchestrator.ask",
			StringAttr("session.id", sessionID))
		defer span.End()
	}
	ic := InvocationContext{UserID: userID, SessionID: sessionID}
	o.publish(sessionID, "turn", StatusStarting, "")

	history := o.memory.Load(ctx, sessionID, userID)
	digest := o.memory.Summary(sessionID, 1_000)

	// Strategy is computed inside Select, before the fast-path check below,
	// so singleton participant sets still carry routing guidance.
	route, err := o.router.Select(ctx, input, digest)
	if err != nil {
		o.publish(sessionID, "turn", StatusError, string(KindOf(err)))
		return "", err
	}

	result, err := o.converse(ctx, route, input, history, ic)
	if err != nil {
		o.publish(sessionID, "turn", StatusError, string(KindOf(err)))
		return "", err
	}

	result = o.reroute(ctx, route, input, result, ic)
	answer := o.synth.Synthesize(ctx, input, result)

	o.memory.Append(ctx, sessionID, UserMessage(input))
	o.memory.Append(ctx, sessionID, AssistantMessage(answer))
	o.memory.OptimizeForTokens(sessionID)
	o.memory.Save(ctx, sessionID, userID)

	o.publish(sessionID, "turn", StatusCompleted, truncateStr(answer, 120))
	return answer, nil
}

// converse obtains the turn's responses: directly from the coordinator on
// the fast path, through the engine otherwise.
func (o *Orchestrator) converse(ctx context.Context, route Route, input string, history []Message, ic InvocationContext) (TurnResult, error) {
	if len(route.Participants) == 1 {
		o.logger.Debug("fast path, coordinator only", "session", ic.SessionID)
		fctx, cancel := context.WithTimeout(ctx, o.engine.turnTimeout)
		defer cancel()
		reply, err := route.Participants[0].Answer(fctx, AnswerRequest{
			Input:      input,
			History:    history,
			Invocation: ic,
			Strategy:   route.Strategy,
		})
		if err != nil {
			return TurnResult{}, WrapErr(KindOf(err), "coordinator answer failed", err)
		}
		return TurnResult{
			CoordinatorResponse: reply.Content,
			State:               StateTerminated,
			Iterations:          1,
		}, nil
	}
	return o.engine.Run(ctx, route, input, history, ic)
}

// reroute runs the completeness loop: when the evaluator names missing
// agents, they are asked follow-up questions, up to the reroute cap.
// Recovery suggestions for failed-looking responses are attached so
// synthesis can mention alternatives without dropping the failures.
func (o *Orchestrator) reroute(ctx context.Context, route Route, input string, result TurnResult, ic InvocationContext) TurnResult {
	expected := make([]string, 0, len(route.Participants))
	for _, a := range route.Participants {
		expected = append(expected, a.Describe().Name)
	}
	roster := make([]string, 0)
	for _, a := range o.registry.List() {
		if !a.Describe().Coordinator {
			roster = append(roster, a.Describe().Name)
		}
	}

	ev := o.evaluator.Evaluate(ctx, input, result.Responses(), expected, roster)
	if !ev.IsComplete {
		result = o.followUps(ctx, ev, input, expected, result, ic)
	}
	if len(ev.Recovery) > 0 {
		result.SpecialistResponses = append(result.SpecialistResponses, AgentResponse{
			Agent:   "Recovery",
			Content: strings.Join(ev.Recovery, " "),
		})
	}
	return result
}

// followUps asks each suggested agent one follow-up question, bounded by
// the reroute cap. Agents that already participated in the turn are
// skipped; re-routing only reaches agents outside the participant list.
// Replies are merged into the specialist bucket tagged as follow-ups.
func (o *Orchestrator) followUps(ctx context.Context, ev Evaluation, input string, participants []string, result TurnResult, ic InvocationContext) TurnResult {
	taken := 0
	for i, name := range ev.SuggestedAgents {
		if taken >= o.reroutes {
			break
		}
		agent := o.agentByName(name)
		if agent == nil {
			o.logger.Warn("evaluator suggested unknown agent", "agent", name)
			continue
		}
		if participated(participants, agent.Describe()) {
			o.logger.Debug("suggestion already participated, skipping", "agent", name)
			continue
		}
		question := input
		if i < len(ev.FollowUpQuestions) && ev.FollowUpQuestions[i] != "" {
			question = ev.FollowUpQuestions[i]
		}
		o.logger.Info("re-routing follow-up", "agent", name)

		reply, err := agent.Answer(ctx, AnswerRequest{
			Input:      question,
			History:    result.History,
			Invocation: ic,
		})
		if err != nil {
			o.logger.Warn("follow-up failed", "agent", name, "kind", KindOf(err))
			continue
		}
		content := strings.TrimSpace(reply.Content)
		if len(content) < minResponseLen {
			continue
		}
		result.SpecialistResponses = append(result.SpecialistResponses, AgentResponse{
			Agent:    agent.Describe().Name,
			Content:  content,
			FollowUp: true,
		})
		result.History = append(result.History, reply)
		taken++
	}
	return result
}

// participated reports whether the agent was in the turn's participant list.
func participated(participants []string, d Descriptor) bool {
	for _, p := range participants {
		if strings.EqualFold(p, d.Name) || strings.EqualFold(p, d.ID) {
			return true
		}
	}
	return false
}

// agentByName resolves an evaluator suggestion to a registered agent by
// name or ID, case-insensitively.
func (o *Orchestrator) agentByName(name string) Agent {
	for _, a := range o.registry.List() {
		d := a.Describe()
		if strings.EqualFold(d.Name, name) || strings.EqualFold(d.ID, name) {
			return a
		}
	}
	return nil
}

// Subscribe attaches a sink to a session's activity events.
func (o *Orchestrator) Subscribe(sessionID string, sink Sink) {
	if o.stream != nil {
		o.stream.Subscribe(sessionID, sink)
	}
}

// Unsubscribe detaches a sink.
func (o *Orchestrator) Unsubscribe(sessionID string, sink Sink) {
	if o.stream != nil {
		o.stream.Unsubscribe(sessionID, sink)
	}
}

// DeleteSession destroys a session's history. Sessions are never destroyed
// any other way.
func (o *Orchestrator) DeleteSession(ctx context.Context, sessionID, userID string) error {
	return o.memory.Delete(ctx, sessionID, userID)
}

func (o *Orchestrator) publish(sessionID, action string, status ActivityStatus, details string) {
	if o.stream == nil {
		return
	}
	o.stream.Publish(ActivityEvent{
		SessionID: sessionID,
		Agent:     "orchestrator",
		Action:    action,
		Status:    status,
		Details:   details,
	})
}
