package ensemble

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// HistoryStore is the persistence collaborator for session history.
// Implementations live in store subpackages; read/write failures are
// non-fatal for a turn.
type HistoryStore interface {
	// ReadHistory returns the stored history, or (nil, nil) when the
	// session has no stored history yet.
	ReadHistory(ctx context.Context, sessionID, userID string) ([]Message, error)
	// WriteHistory persists the full history for a session.
	WriteHistory(ctx context.Context, session Session, history []Message) error
	// DeleteSession removes a session and its history.
	DeleteSession(ctx context.Context, sessionID, userID string) error
}

const (
	defaultMaxMessages = 50
	// appendSoftBuffer is how far past the message cap a history may grow
	// before count-based auto-truncation runs.
	appendSoftBuffer = 10
	// minKeptNonSystem is the floor of non-system messages count-based
	// truncation always keeps.
	minKeptNonSystem = 5
	// summaryWindow is how many trailing non-system messages Summary digests.
	summaryWindow = 10
)

// Memory maps session IDs to chat histories with token-aware truncation.
// Sessions are independent: each holds its own lock, so appends in one
// session never block reads in another.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]*sessionState

	store        HistoryStore // nil = in-memory only
	accountant   *Accountant
	systemPrompt string
	maxMessages  int
	logger       *slog.Logger
}

type sessionState struct {
	mu      sync.Mutex
	userID  string
	history []Message
}

// MemoryOption configures a Memory.
type MemoryOption func(*Memory)

// WithHistoryStore sets the persistence collaborator.
func WithHistoryStore(s HistoryStore) MemoryOption {
	return func(m *Memory) { m.store = s }
}

// WithMaxMessages sets the soft message cap per session (default 50).
func WithMaxMessages(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.maxMessages = n
		}
	}
}

// WithMemoryLogger sets a structured logger.
func WithMemoryLogger(l *slog.Logger) MemoryOption {
	return func(m *Memory) { m.logger = orNop(l) }
}

// NewMemory creates a Memory seeded with the given system prompt and
// budgeted by the accountant.
func NewMemory(systemPrompt string, accountant *Accountant, opts ...MemoryOption) *Memory {
	m := &Memory{
		sessions:     make(map[string]*sessionState),
		accountant:   accountant,
		systemPrompt: systemPrompt,
		maxMessages:  defaultMaxMessages,
		logger:       nopLogger,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Load returns a copy of the session's history, reading from the
// persistence collaborator on first touch. Read failures are non-fatal: a
// fresh history seeded with the system prompt is returned and the failure
// logged.
func (m *Memory) Load(ctx context.Context, sessionID, userID string) []Message {
	s := m.session(sessionID, userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.history == nil {
		s.history = m.initialHistory(ctx, sessionID, userID)
	}
	return copyMessages(s.history)
}

func (m *Memory) initialHistory(ctx context.Context, sessionID, userID string) []Message {
	if m.store != nil {
		stored, err := m.store.ReadHistory(ctx, sessionID, userID)
		if err != nil {
			m.logger.Warn("history read failed, starting fresh",
				"session", sessionID, "error", err)
		} else if len(stored) > 0 {
			return stored
		}
	}
	return []Message{SystemMessage(m.systemPrompt)}
}

// Append pushes a message onto the session's history. When the history
// grows past the cap plus a soft buffer, count-based truncation keeps all
// system messages plus the most recent non-system ones; the hard model
// context bound is then enforced by token truncation if still exceeded.
func (m *Memory) Append(ctx context.Context, sessionID string, msg Message) {
	s := m.session(sessionID, "")
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.history == nil {
		s.history = m.initialHistory(ctx, sessionID, s.userID)
	}
	s.history = append(s.history, msg)

	if m.messageCount(s) > m.maxMessages+appendSoftBuffer {
		before := len(s.history)
		s.history = truncateByCount(s.history, m.maxMessages)
		m.logger.Info("history truncated by count",
			"session", sessionID, "before", before, "after", len(s.history))
	}

	// Hard bound: a history must never exceed the model context.
	if tokens := m.accountant.CountMessages(s.history).Padded(); tokens > m.accountant.Budget().ModelContext {
		plan := m.accountant.PlanTruncation(s.history, m.accountant.Budget().ModelContext)
		s.history = ApplyTruncation(s.history, plan)
	}
}

// OptimizeForTokens applies token-driven truncation when the session's
// history exceeds the budget available for history.
func (m *Memory) OptimizeForTokens(sessionID string) {
	s := m.session(sessionID, "")
	s.mu.Lock()
	defer s.mu.Unlock()
	target := m.accountant.Budget().AvailableForHistory()
	tokens := m.accountant.CountMessages(s.history).Padded()
	if tokens <= target {
		return
	}
	plan := m.accountant.PlanTruncation(s.history, target)
	before := len(s.history)
	s.history = ApplyTruncation(s.history, plan)
	m.logger.Info("history optimized for tokens",
		"session", sessionID, "tokens", tokens, "target", target,
		"dropped", before-len(s.history))
}

// Summary returns a compact digest of the last messages, capped to
// maxChars. System messages are excluded.
func (m *Memory) Summary(sessionID string, maxChars int) string {
	s := m.session(sessionID, "")
	s.mu.Lock()
	defer s.mu.Unlock()

	var tail []Message
	for i := len(s.history) - 1; i >= 0 && len(tail) < summaryWindow; i-- {
		if s.history[i].Role != RoleSystem {
			tail = append(tail, s.history[i])
		}
	}
	var b strings.Builder
	for i := len(tail) - 1; i >= 0; i-- {
		msg := tail[i]
		label := msg.Role
		if msg.Name != "" {
			label = msg.Name
		}
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(truncateStr(msg.Content, 200))
		b.WriteString("\n")
	}
	return truncateStr(strings.TrimRight(b.String(), "\n"), maxChars)
}

// Save writes the session's history to the persistence collaborator.
// Failures are logged and swallowed: persistence never fails a turn.
func (m *Memory) Save(ctx context.Context, sessionID, userID string) {
	if m.store == nil {
		return
	}
	s := m.session(sessionID, userID)
	s.mu.Lock()
	history := copyMessages(s.history)
	s.mu.Unlock()

	session := Session{ID: sessionID, UserID: userID, UpdatedAt: NowUnix()}
	if err := m.store.WriteHistory(ctx, session, history); err != nil {
		m.logger.Warn("history save failed", "session", sessionID, "error", err)
	}
}

// Delete removes a session from memory and the persistence collaborator.
// The only path that destroys a session.
func (m *Memory) Delete(ctx context.Context, sessionID, userID string) error {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if m.store == nil {
		return nil
	}
	return m.store.DeleteSession(ctx, sessionID, userID)
}

// TokenCount returns the padded token count of the session's history.
func (m *Memory) TokenCount(sessionID string) int {
	s := m.session(sessionID, "")
	s.mu.Lock()
	defer s.mu.Unlock()
	return m.accountant.CountMessages(s.history).Padded()
}

// session returns the session state, creating it on first use.
func (m *Memory) session(sessionID, userID string) *sessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		s = &sessionState{userID: userID}
		m.sessions[sessionID] = s
	}
	if userID != "" && s.userID == "" {
		s.userID = userID
	}
	return s
}

// messageCount is the current history length for a locked session.
func (m *Memory) messageCount(s *sessionState) int { return len(s.history) }

// truncateByCount keeps all system messages plus the most recent
// (max - systemCount) non-system messages, with a floor of minKeptNonSystem
// non-system messages. Relative order is preserved.
func truncateByCount(history []Message, max int) []Message {
	var systemCount int
	for _, msg := range history {
		if msg.Role == RoleSystem {
			systemCount++
		}
	}
	keepNonSystem := max - systemCount
	if keepNonSystem < minKeptNonSystem {
		keepNonSystem = minKeptNonSystem
	}

	var nonSystem int
	for _, msg := range history {
		if msg.Role != RoleSystem {
			nonSystem++
		}
	}
	dropFirst := nonSystem - keepNonSystem
	if dropFirst <= 0 {
		return history
	}

	out := make([]Message, 0, len(history)-dropFirst)
	dropped := 0
	for _, msg := range history {
		if msg.Role != RoleSystem && dropped < dropFirst {
			dropped++
			continue
		}
		out = append(out, msg)
	}
	return out
}

// copyMessages returns a copy so callers can hold history snapshots
// across a turn without racing truncation.
func copyMessages(msgs []Message) []Message {
	cp := make([]Message, len(msgs))
	copy(cp, msgs)
	return cp
}
