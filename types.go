package ensemble

import "encoding/json"

// --- Message roles ---

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// maxAuthorNameLen caps the author name carried on a message.
const maxAuthorNameLen = 64

// Message is a single entry in a session's chat history. Messages are
// immutable once appended; truncation drops whole messages (never system
// messages) rather than editing them in place.
type Message struct {
	ID      string `json:"id"`
	Role    string `json:"role"` // "system", "user", "assistant", "tool"
	Name    string `json:"name,omitempty"`
	Content string `json:"content"`
	// ToolCalls carries tool invocation requests on assistant messages.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	// ToolCallID links a role "tool" message back to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
	CreatedAt  int64  `json:"created_at"`
}

// ToolCall is a request by the model to invoke a tool.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolError describes a failed tool invocation. Kind uses the same taxonomy
// as TurnError so callers can route on it.
type ToolError struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

func (e *ToolError) Error() string { return string(e.Kind) + ": " + e.Message }

// ToolResult is the outcome of a single tool invocation.
type ToolResult struct {
	CallID  string     `json:"call_id"`
	Name    string     `json:"name"`
	Content string     `json:"content"`
	Err     *ToolError `json:"error,omitempty"`
}

// ToolSpec describes a tool an agent may invoke: name, description, and a
// JSON Schema for its parameters. Output documents the result contract in
// free-form text. Streaming marks long-running tools that deliver their
// result incrementally; the mediator applies the stream deadline to them
// instead of the request deadline.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
	Output      string          `json:"output,omitempty"`
	Streaming   bool            `json:"streaming,omitempty"`
}

// InvocationContext carries per-request identity for tool invocations.
// It is passed by value through every call that may invoke tools and is
// never stored on long-lived objects.
type InvocationContext struct {
	UserID      string
	SessionID   string
	Credentials map[string]string // per-tool downstream credentials, keyed by tool name
}

// Credential returns the downstream credential for a tool, or "".
func (ic InvocationContext) Credential(tool string) string {
	return ic.Credentials[tool]
}

// Equal reports whether two contexts carry the same identity and credentials.
// Used by the mediator to decide when agent bindings must be rebuilt.
func (ic InvocationContext) Equal(other InvocationContext) bool {
	if ic.UserID != other.UserID || ic.SessionID != other.SessionID {
		return false
	}
	if len(ic.Credentials) != len(other.Credentials) {
		return false
	}
	for k, v := range ic.Credentials {
		if other.Credentials[k] != v {
			return false
		}
	}
	return true
}

// --- Activity events ---

// ActivityStatus is the lifecycle phase of an ActivityEvent.
type ActivityStatus string

const (
	StatusStarting   ActivityStatus = "starting"
	StatusInProgress ActivityStatus = "in-progress"
	StatusCompleted  ActivityStatus = "completed"
	StatusError      ActivityStatus = "error"
)

// ActivityEvent is a progress record broadcast to session subscribers.
// Delivery is best-effort: slow sinks drop oldest events rather than
// back-pressuring the engine.
type ActivityEvent struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Agent     string         `json:"agent"`
	Action    string         `json:"action"`
	Status    ActivityStatus `json:"status"`
	Details   string         `json:"details,omitempty"`
	CreatedAt int64          `json:"created_at"`
}

// Session is per-conversation metadata persisted alongside history.
type Session struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	UpdatedAt int64  `json:"updated_at"`
}

// --- Model protocol types ---

// ChatRequest is the input to a chat model call.
type ChatRequest struct {
	Messages []Message
	Tools    []ToolSpec
	Params   *GenerationParams
}

// GenerationParams overrides provider defaults for a single request.
// Nil fields keep the provider's defaults.
type GenerationParams struct {
	Temperature *float64
	MaxTokens   *int
}

// ChatResponse is the model's reply. ToolCalls is non-empty when the model
// requests tool invocations instead of (or alongside) a final answer.
type ChatResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// Usage tracks token consumption for one or more model calls.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates usage from another call.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// --- Message constructors ---

// SystemMessage builds a system-role message.
func SystemMessage(text string) Message {
	return Message{ID: NewID(), Role: RoleSystem, Content: text, CreatedAt: NowUnix()}
}

// UserMessage builds a user-role message.
func UserMessage(text string) Message {
	return Message{ID: NewID(), Role: RoleUser, Content: text, CreatedAt: NowUnix()}
}

// AssistantMessage builds an assistant-role message.
func AssistantMessage(text string) Message {
	return Message{ID: NewID(), Role: RoleAssistant, Content: text, CreatedAt: NowUnix()}
}

// AgentMessage builds an assistant-role message attributed to a named agent.
// Names longer than 64 characters are truncated.
func AgentMessage(name, text string) Message {
	m := AssistantMessage(text)
	m.Name = truncateStr(name, maxAuthorNameLen)
	return m
}

// ToolResultMessage builds a tool-role message answering the given call.
func ToolResultMessage(callID, name, content string) Message {
	return Message{ID: NewID(), Role: RoleTool, Name: name, Content: content, ToolCallID: callID, CreatedAt: NowUnix()}
}

// truncateStr truncates a string to n runes.
func truncateStr(s string, n int) string {
	// Byte length ≤ n guarantees rune count ≤ n, avoiding the []rune
	// allocation for short/ASCII strings.
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
