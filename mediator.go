package ensemble

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// Canonical argument keys merged into every tool invocation.
const (
	argUserID    = "user_id"
	argSessionID = "session_id"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultStreamTimeout  = 300 * time.Second
	// retireTimeout bounds the asynchronous teardown of an old binding.
	// Retirement never blocks the new invocation; past this it is abandoned.
	retireTimeout = 5 * time.Second
)

// Endpoint serves one or more tools. Implementations include the in-process
// adapters (tools/database, tools/documents) and the HTTP proxy
// (tools/remote); identity is passed per call for stateless endpoints.
type Endpoint interface {
	// Specs describes the tools this endpoint serves.
	Specs() []ToolSpec
	// Call invokes a tool by name with normalized arguments.
	Call(ctx context.Context, name string, args json.RawMessage, ic InvocationContext) (string, error)
}

// BindingEndpoint is an optional capability for endpoints that hold
// per-identity state (connections, delegated credentials). The mediator
// binds once per (agent, invocation context) and swaps bindings when the
// context changes.
type BindingEndpoint interface {
	Endpoint
	Bind(ic InvocationContext) (Binding, error)
}

// Binding is a bound endpoint instance for one invocation context.
type Binding interface {
	Call(ctx context.Context, name string, args json.RawMessage, ic InvocationContext) (string, error)
	Close(ctx context.Context) error
}

// ToolTimeouts overrides the mediator's default deadlines for one tool.
type ToolTimeouts struct {
	Request time.Duration
	Stream  time.Duration
}

// agentBindings is one agent's bound endpoint set, keyed by tool name.
// Handle identifies the generation; a context change allocates a new handle
// and retires the old set asynchronously.
type agentBindings struct {
	handle string
	ic     InvocationContext
	bound  map[string]Binding
}

// Mediator is the uniform tool invocation layer: allowlist enforcement,
// argument normalization, identity propagation, timeouts, and activity
// events. Every invocation is checked against the invoking agent's own
// allowlist, so one agent cannot reach another's tools.
type Mediator struct {
	mu        sync.RWMutex
	endpoints map[string]Endpoint // tool name → endpoint
	streaming map[string]bool     // tool name → uses the stream deadline
	specOrder []string

	bindMu   sync.Mutex
	perAgent map[string]*sync.Mutex
	bindings map[string]*agentBindings

	stream         *Streamer
	requestTimeout time.Duration
	streamTimeout  time.Duration
	perTool        map[string]ToolTimeouts
	logger         *slog.Logger
	tracer         Tracer
}

// MediatorOption configures a Mediator.
type MediatorOption func(*Mediator)

// WithActivityStream publishes start/completed/error events per invocation.
func WithActivityStream(s *Streamer) MediatorOption {
	return func(m *Mediator) { m.stream = s }
}

// WithToolTimeouts sets the default request and streaming-read deadlines.
func WithToolTimeouts(request, stream time.Duration) MediatorOption {
	return func(m *Mediator) {
		if request > 0 {
			m.requestTimeout = request
		}
		if stream > 0 {
			m.streamTimeout = stream
		}
	}
}

// WithPerToolTimeouts overrides deadlines for individual tools.
func WithPerToolTimeouts(overrides map[string]ToolTimeouts) MediatorOption {
	return func(m *Mediator) { m.perTool = overrides }
}

// WithMediatorLogger sets a structured logger.
func WithMediatorLogger(l *slog.Logger) MediatorOption {
	return func(m *Mediator) { m.logger = orNop(l) }
}

// WithMediatorTracer enables invocation spans.
func WithMediatorTracer(t Tracer) MediatorOption {
	return func(m *Mediator) { m.tracer = t }
}

// NewMediator creates a Mediator with no endpoints registered.
func NewMediator(opts ...MediatorOption) *Mediator {
	m := &Mediator{
		endpoints:      make(map[string]Endpoint),
		streaming:      make(map[string]bool),
		perAgent:       make(map[string]*sync.Mutex),
		bindings:       make(map[string]*agentBindings),
		requestTimeout: defaultRequestTimeout,
		streamTimeout:  defaultStreamTimeout,
		logger:         nopLogger,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// AddEndpoint registers every tool the endpoint serves. Re-registering a
// tool name replaces the previous endpoint.
func (m *Mediator) AddEndpoint(e Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, spec := range e.Specs() {
		if _, ok := m.endpoints[spec.Name]; !ok {
			m.specOrder = append(m.specOrder, spec.Name)
		}
		m.endpoints[spec.Name] = e
		m.streaming[spec.Name] = spec.Streaming
	}
}

// SpecsFor returns the specs of the tools on an agent's allowlist, in
// registration order.
func (m *Mediator) SpecsFor(d Descriptor) []ToolSpec {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ToolSpec
	for _, name := range m.specOrder {
		if !d.AllowsTool(name) {
			continue
		}
		for _, spec := range m.endpoints[name].Specs() {
			if spec.Name == name {
				out = append(out, spec)
			}
		}
	}
	return out
}

// Invoke executes one tool call on behalf of an agent. Failures are
// reported in the result's Err, never as a Go error: the calling agent
// feeds them back to the model, and the completeness evaluator sees them.
func (m *Mediator) Invoke(ctx context.Context, agent Descriptor, tc ToolCall, ic InvocationContext) ToolResult {
	if m.tracer != nil {
		var span Span
		ctx, span = m.tracer.Start(ctx, "tool.invoke",
			StringAttr("tool.name", tc.Name),
			StringAttr("agent.id", agent.ID))
		defer span.End()
	}

	m.publish(ic.SessionID, agent.Name, tc.Name, StatusStarting, "")
	result := m.invoke(ctx, agent, tc, ic)
	if result.Err != nil {
		m.publish(ic.SessionID, agent.Name, tc.Name, StatusError, result.Err.Message)
	} else {
		m.publish(ic.SessionID, agent.Name, tc.Name, StatusCompleted, "")
	}
	return result
}

func (m *Mediator) invoke(ctx context.Context, agent Descriptor, tc ToolCall, ic InvocationContext) ToolResult {
	fail := func(kind Kind, msg string) ToolResult {
		return ToolResult{CallID: tc.ID, Name: tc.Name, Err: &ToolError{Kind: kind, Message: msg}}
	}

	// Allowlist first: no endpoint lookup, no call.
	if !agent.AllowsTool(tc.Name) {
		m.logger.Warn("forbidden tool invocation",
			"agent", agent.ID, "tool", tc.Name)
		return fail(KindForbiddenTool, "agent "+agent.ID+" may not invoke "+tc.Name)
	}

	m.mu.RLock()
	endpoint, ok := m.endpoints[tc.Name]
	m.mu.RUnlock()
	if !ok {
		return fail(KindToolError, "unknown tool: "+tc.Name)
	}

	args, err := normalizeArgs(tc.Args, ic)
	if err != nil {
		return fail(KindToolError, "invalid arguments: "+err.Error())
	}

	call := m.resolveBinding(agent.ID, endpoint, tc.Name, ic)

	timeout := m.deadlineFor(tc.Name)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	content, err := call(callCtx, tc.Name, args, ic)
	if err != nil && transportShaped(err) && ctx.Err() == nil {
		// Transport failures are retried exactly once, with jitter.
		delay := 100*time.Millisecond + rand.N(200*time.Millisecond)
		m.logger.Warn("tool transport error, retrying once",
			"tool", tc.Name, "delay", delay, "error", err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
			retryCtx, retryCancel := context.WithTimeout(ctx, timeout)
			content, err = call(retryCtx, tc.Name, args, ic)
			retryCancel()
		}
	}
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled) && ctx.Err() != nil:
			return fail(KindCancelled, "invocation cancelled")
		case errors.Is(err, context.DeadlineExceeded):
			return fail(KindTimeout, "tool "+tc.Name+" timed out")
		case transportShaped(err):
			return fail(KindToolTransport, err.Error())
		default:
			return fail(KindToolError, err.Error())
		}
	}
	return ToolResult{CallID: tc.ID, Name: tc.Name, Content: content}
}

// deadlineFor picks the invocation deadline: the stream deadline for tools
// whose spec marks them streaming, the request deadline otherwise, with
// per-tool overrides taking precedence.
func (m *Mediator) deadlineFor(tool string) time.Duration {
	m.mu.RLock()
	streaming := m.streaming[tool]
	m.mu.RUnlock()

	timeout := m.requestTimeout
	if streaming {
		timeout = m.streamTimeout
	}
	if o, ok := m.perTool[tool]; ok {
		if streaming && o.Stream > 0 {
			timeout = o.Stream
		} else if !streaming && o.Request > 0 {
			timeout = o.Request
		}
	}
	return timeout
}

// callFunc abstracts a bound or unbound endpoint call.
type callFunc func(ctx context.Context, name string, args json.RawMessage, ic InvocationContext) (string, error)

// resolveBinding returns the call path for one invocation, rebuilding the
// agent's bindings when the invocation context changed since the previous
// call. The swap is atomic under the agent's lock; the old generation is
// retired on a separate goroutine and abandoned after retireTimeout.
func (m *Mediator) resolveBinding(agentID string, endpoint Endpoint, tool string, ic InvocationContext) callFunc {
	be, bindable := endpoint.(BindingEndpoint)
	if !bindable {
		return endpoint.Call
	}

	lock := m.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	m.bindMu.Lock()
	current := m.bindings[agentID]
	m.bindMu.Unlock()

	if current == nil || !current.ic.Equal(ic) {
		fresh := &agentBindings{handle: NewID(), ic: ic, bound: make(map[string]Binding)}
		m.bindMu.Lock()
		m.bindings[agentID] = fresh
		m.bindMu.Unlock()
		if current != nil {
			go m.retire(agentID, current)
		}
		current = fresh
	}

	b, ok := current.bound[tool]
	if !ok {
		bound, err := be.Bind(ic)
		if err != nil {
			m.logger.Warn("bind failed, falling back to unbound call",
				"agent", agentID, "tool", tool, "error", err)
			return endpoint.Call
		}
		current.bound[tool] = bound
		b = bound
	}
	return b.Call
}

// retire closes an old binding generation in the background.
func (m *Mediator) retire(agentID string, old *agentBindings) {
	ctx, cancel := context.WithTimeout(context.Background(), retireTimeout)
	defer cancel()
	for tool, b := range old.bound {
		if err := b.Close(ctx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				m.logger.Warn("binding retirement abandoned",
					"agent", agentID, "tool", tool, "handle", old.handle)
				return
			}
			m.logger.Warn("binding close failed",
				"agent", agentID, "tool", tool, "error", err)
		}
	}
}

// agentLock returns the per-agent mutex, creating it on first use.
func (m *Mediator) agentLock(agentID string) *sync.Mutex {
	m.bindMu.Lock()
	defer m.bindMu.Unlock()
	lock, ok := m.perAgent[agentID]
	if !ok {
		lock = &sync.Mutex{}
		m.perAgent[agentID] = lock
	}
	return lock
}

// publish emits an activity event when a streamer is configured.
func (m *Mediator) publish(sessionID, agent, tool string, status ActivityStatus, details string) {
	if m.stream == nil {
		return
	}
	m.stream.Publish(ActivityEvent{
		SessionID: sessionID,
		Agent:     agent,
		Action:    "tool:" + tool,
		Status:    status,
		Details:   details,
	})
}

// normalizeArgs flattens a single-key "kwargs" wrapper one level and merges
// the canonical identity keys into the argument map.
func normalizeArgs(raw json.RawMessage, ic InvocationContext) (json.RawMessage, error) {
	args := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
	}
	if len(args) == 1 {
		if inner, ok := args["kwargs"].(map[string]any); ok {
			args = inner
		}
	}
	if ic.UserID != "" {
		args[argUserID] = ic.UserID
	}
	if ic.SessionID != "" {
		args[argSessionID] = ic.SessionID
	}
	return json.Marshal(args)
}

// transportShaped reports whether an error looks like a transport failure
// rather than a tool-level error.
func transportShaped(err error) bool {
	var he *ErrHTTP
	if errors.As(err, &he) {
		return he.Status >= 500 || he.Status == 429 || he.Status == 0
	}
	var te *ToolError
	if errors.As(err, &te) {
		return te.Kind == KindToolTransport
	}
	return false
}
