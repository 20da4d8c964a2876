package ensemble

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// TurnState is the engine's position in one turn's state machine.
type TurnState string

const (
	StateAwaitingFirstResponse TurnState = "awaiting-first-response"
	StateProgressing           TurnState = "progressing"
	StateCoordinatorSynth      TurnState = "coordinator-synthesizing"
	StateAwaitingSpecialist    TurnState = "awaiting-specialist"
	StateTerminated            TurnState = "terminated"
)

const (
	defaultMaxIterations = 10
	defaultTurnTimeout   = 60 * time.Second
	// historyWindow is how many trailing messages the selection model sees.
	historyWindow = 5
	// minResponseLen drops degenerate replies from the buckets.
	minResponseLen = 3
	// approvalToken in a coordinator reply terminates the turn.
	approvalToken = "approved"
)

// AgentResponse is one captured reply, tagged with its author.
type AgentResponse struct {
	Agent   string
	Content string
	// FollowUp marks responses gathered during completeness re-routing.
	FollowUp bool
}

// TurnResult is everything one engine run produced for synthesis.
type TurnResult struct {
	SpecialistResponses []AgentResponse
	// CoordinatorResponse is the coordinator's latest substantive message.
	CoordinatorResponse string
	State               TurnState
	Iterations          int
	TimedOut            bool
	Cancelled           bool
	// History is the engine's local history after the run, for persistence.
	History []Message
}

// Responses returns every captured response, specialists first.
func (r TurnResult) Responses() []AgentResponse {
	out := make([]AgentResponse, 0, len(r.SpecialistResponses)+1)
	out = append(out, r.SpecialistResponses...)
	if r.CoordinatorResponse != "" {
		out = append(out, AgentResponse{Agent: "coordinator", Content: r.CoordinatorResponse})
	}
	return out
}

// Engine drives the bounded group-chat turn sequence: select a speaker,
// invoke it, capture the reply, check termination.
type Engine struct {
	// selector, when set, breaks selection ties by asking the model to name
	// the next speaker. Usually the coordinator's provider.
	selector      Provider
	stream        *Streamer
	maxIterations int
	turnTimeout   time.Duration
	logger        *slog.Logger
	tracer        Tracer
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithSelector enables model-assisted speaker selection.
func WithSelector(p Provider) EngineOption {
	return func(e *Engine) { e.selector = p }
}

// WithEngineStream publishes per-agent progress to the activity streamer.
func WithEngineStream(s *Streamer) EngineOption {
	return func(e *Engine) { e.stream = s }
}

// WithMaxIterations caps the turn loop (default 10).
func WithMaxIterations(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxIterations = n
		}
	}
}

// WithTurnTimeout bounds the whole turn sequence (default 60s).
func WithTurnTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.turnTimeout = d
		}
	}
}

// WithEngineLogger sets a structured logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = orNop(l) }
}

// WithEngineTracer enables span creation per turn and per agent invocation.
func WithEngineTracer(t Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// NewEngine creates a group chat engine.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		maxIterations: defaultMaxIterations,
		turnTimeout:   defaultTurnTimeout,
		logger:        nopLogger,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// turn holds the mutable state of one engine run.
type turn struct {
	route   Route
	input   string
	ic      InvocationContext
	history []Message
	result  TurnResult
	// seen deduplicates byte-identical replies per agent.
	seen map[string]map[string]bool
	// spoken tracks which participants have already contributed.
	spoken map[string]bool
}

// Run executes one turn: the user message is appended to a local copy of
// the history, then speakers are selected and invoked until the
// termination strategy fires, the iteration cap is hit, or the turn
// deadline elapses. Captured responses survive timeout and cancellation;
// an error is returned only when nothing usable was produced.
func (e *Engine) Run(ctx context.Context, route Route, input string, history []Message, ic InvocationContext) (TurnResult, error) {
	if e.tracer != nil {
		var span Span
		ctx, span = e.tracer.Start(ctx, "engine.run",
			StringAttr("session.id", ic.SessionID),
			IntAttr("participants", len(route.Participants)))
		defer span.End()
	}
	if len(route.Participants) == 0 {
		return TurnResult{}, Errf(KindInputInvalid, "empty participant list")
	}
	ctx, cancel := context.WithTimeout(ctx, e.turnTimeout)
	defer cancel()

	t := &turn{
		route:   route,
		input:   input,
		ic:      ic,
		history: append(copyMessages(history), UserMessage(input)),
		seen:    make(map[string]map[string]bool),
		spoken:  make(map[string]bool),
		result:  TurnResult{State: StateAwaitingFirstResponse},
	}

	for t.result.Iterations < e.maxIterations {
		speaker := e.selectSpeaker(ctx, t)
		t.result.Iterations++

		if done := e.invoke(ctx, t, speaker); done {
			break
		}
		if e.terminated(t) {
			break
		}
	}
	if t.result.Iterations >= e.maxIterations && t.result.State != StateTerminated {
		e.logger.Warn("turn hit iteration cap",
			"session", ic.SessionID, "iterations", t.result.Iterations)
	}

	t.result.State = StateTerminated
	t.result.History = t.history
	if t.result.TimedOut && len(t.result.SpecialistResponses) == 0 && t.result.CoordinatorResponse == "" {
		return t.result, Errf(KindTimeout, "turn timed out with no responses")
	}
	if t.result.Cancelled && len(t.result.SpecialistResponses) == 0 && t.result.CoordinatorResponse == "" {
		return t.result, Errf(KindCancelled, "turn cancelled before any response")
	}
	return t.result, nil
}

// invoke runs one speaker and captures its reply. Returns true when the
// loop must stop (timeout, cancellation, fatal error with progress).
func (e *Engine) invoke(ctx context.Context, t *turn, speaker Agent) bool {
	desc := speaker.Describe()
	e.publish(t.ic.SessionID, desc.Name, "responding", StatusInProgress, "")

	reply, err := speaker.Answer(ctx, AnswerRequest{
		Input:      t.input,
		History:    t.history,
		Invocation: t.ic,
		Strategy:   t.route.Strategy,
	})
	if err != nil {
		kind := KindOf(err)
		e.publish(t.ic.SessionID, desc.Name, "responding", StatusError, string(kind))
		switch kind {
		case KindTimeout:
			e.logger.Warn("agent timed out", "agent", desc.ID)
			t.result.TimedOut = true
			return true
		case KindCancelled:
			t.result.Cancelled = true
			return true
		default:
			e.logger.Error("agent failed", "agent", desc.ID, "kind", kind, "error", err)
			// Keep going with other participants unless nobody has spoken
			// and nobody else can.
			t.spoken[desc.ID] = true
			return false
		}
	}

	e.publish(t.ic.SessionID, desc.Name, "responding", StatusCompleted,
		truncateStr(reply.Content, 120))
	t.spoken[desc.ID] = true
	e.capture(t, desc, reply)
	e.advanceState(t, desc)
	return false
}

// capture appends the reply to the local history and the response buckets,
// applying the deduplication rules.
func (e *Engine) capture(t *turn, desc Descriptor, reply Message) {
	content := strings.TrimSpace(reply.Content)
	if len(content) < minResponseLen {
		e.logger.Debug("dropping degenerate reply", "agent", desc.ID)
		return
	}
	if t.seen[desc.ID] == nil {
		t.seen[desc.ID] = make(map[string]bool)
	}
	if t.seen[desc.ID][content] {
		e.logger.Debug("dropping duplicate reply", "agent", desc.ID)
		return
	}
	t.seen[desc.ID][content] = true

	t.history = append(t.history, reply)
	if desc.Coordinator {
		t.result.CoordinatorResponse = content
	} else {
		t.result.SpecialistResponses = append(t.result.SpecialistResponses,
			AgentResponse{Agent: desc.Name, Content: content})
	}
}

// advanceState moves the turn state machine after a successful reply.
func (e *Engine) advanceState(t *turn, last Descriptor) {
	switch {
	case t.result.State == StateAwaitingFirstResponse:
		t.result.State = StateProgressing
	case last.Coordinator:
		t.result.State = StateCoordinatorSynth
	default:
		t.result.State = StateAwaitingSpecialist
	}
}

// terminated applies the termination strategy: a coordinator reply carrying
// the approval token ends the turn, provided at least one specialist has
// contributed when specialists were selected.
func (e *Engine) terminated(t *turn) bool {
	if t.result.CoordinatorResponse == "" {
		return false
	}
	if !strings.Contains(strings.ToLower(t.result.CoordinatorResponse), approvalToken) {
		return false
	}
	if len(t.route.Participants) > 1 && len(t.result.SpecialistResponses) == 0 {
		return false
	}
	return true
}

// selectSpeaker picks who speaks next:
//  1. the router's strategy string, when it names an unheard specialist;
//  2. the keyword routing table over the participants;
//  3. the coordinator, once at least one specialist has contributed;
//  4. the selection model's reply, when it names exactly one participant;
//  5. the first unheard specialist, then the coordinator.
func (e *Engine) selectSpeaker(ctx context.Context, t *turn) Agent {
	coord := t.route.Participants[0]

	if a := e.fromStrategy(t); a != nil {
		return a
	}
	if a := e.fromKeywords(t); a != nil {
		return a
	}
	if len(t.result.SpecialistResponses) > 0 {
		return coord
	}
	if a := e.fromModel(ctx, t); a != nil {
		return a
	}
	for _, a := range t.route.Participants[1:] {
		if !t.spoken[a.Describe().ID] {
			return a
		}
	}
	return coord
}

// fromStrategy returns the first unheard specialist the strategy string
// mentions by name.
func (e *Engine) fromStrategy(t *turn) Agent {
	if t.route.Strategy == "" {
		return nil
	}
	folded := foldText(t.route.Strategy)
	var best Agent
	bestPos := len(folded) + 1
	for _, a := range t.route.Participants[1:] {
		d := a.Describe()
		if t.spoken[d.ID] {
			continue
		}
		if pos := strings.Index(folded, foldText(d.Name)); pos >= 0 && pos < bestPos {
			best, bestPos = a, pos
		}
	}
	return best
}

// fromKeywords scores unheard specialists against the user message.
func (e *Engine) fromKeywords(t *turn) Agent {
	folded := foldText(t.input)
	tokens := tokenSet(folded)
	var best Agent
	var bestScore float64
	for _, a := range t.route.Participants[1:] {
		d := a.Describe()
		if t.spoken[d.ID] {
			continue
		}
		if score := matchScore(d, folded, tokens); score > bestScore {
			best, bestScore = a, score
		}
	}
	return best
}

// fromModel asks the selection model to name the next speaker. Anything but
// exactly one known, unheard participant name yields nil (caller defaults).
func (e *Engine) fromModel(ctx context.Context, t *turn) Agent {
	if e.selector == nil {
		return nil
	}
	window := t.history
	if len(window) > historyWindow {
		window = window[len(window)-historyWindow:]
	}
	var b strings.Builder
	b.WriteString("Pick which participant should speak next. Reply with exactly one name from: ")
	for i, a := range t.route.Participants {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(a.Describe().Name)
	}
	b.WriteString("\n\nRecent conversation:\n")
	for _, m := range window {
		label := m.Role
		if m.Name != "" {
			label = m.Name
		}
		b.WriteString(label + ": " + truncateStr(m.Content, 200) + "\n")
	}
	resp, err := e.selector.Chat(ctx, ChatRequest{Messages: []Message{UserMessage(b.String())}})
	if err != nil {
		e.logger.Warn("speaker selection model unavailable", "error", err)
		return nil
	}

	folded := foldText(resp.Content)
	var named Agent
	for _, a := range t.route.Participants {
		if strings.Contains(folded, foldText(a.Describe().Name)) {
			if named != nil {
				return nil // ambiguous
			}
			named = a
		}
	}
	if named == nil || t.spoken[named.Describe().ID] {
		return nil
	}
	return named
}

func (e *Engine) publish(sessionID, agent, action string, status ActivityStatus, details string) {
	if e.stream == nil {
		return
	}
	e.stream.Publish(ActivityEvent{
		SessionID: sessionID,
		Agent:     agent,
		Action:    action,
		Status:    status,
		Details:   details,
	})
}
