package ensemble

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

// fakeHistoryStore is an in-process HistoryStore with scriptable failures.
type fakeHistoryStore struct {
	mu        sync.Mutex
	histories map[string][]Message
	readErr   error
	writeErr  error
	writes    int
}

func newFakeHistoryStore() *fakeHistoryStore {
	return &fakeHistoryStore{histories: make(map[string][]Message)}
}

func (f *fakeHistoryStore) ReadHistory(_ context.Context, sessionID, _ string) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.histories[sessionID], nil
}

func (f *fakeHistoryStore) WriteHistory(_ context.Context, session Session, history []Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	if f.writeErr != nil {
		return f.writeErr
	}
	f.histories[session.ID] = history
	return nil
}

func (f *fakeHistoryStore) DeleteSession(_ context.Context, sessionID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.histories, sessionID)
	return nil
}

func testAccountant() *Accountant {
	return NewAccountant(DefaultBudget, WithTokenizer(fixedTokenizer{}))
}

func TestLoadSeedsFreshSessionWithSystemPrompt(t *testing.T) {
	m := NewMemory("you are a coordinator", testAccountant())
	history := m.Load(context.Background(), "s1", "u1")
	if len(history) != 1 || history[0].Role != RoleSystem {
		t.Fatalf("fresh history = %+v", history)
	}
	if history[0].Content != "you are a coordinator" {
		t.Fatalf("system prompt = %q", history[0].Content)
	}
}

func TestLoadReadsStoreOnFirstTouch(t *testing.T) {
	store := newFakeHistoryStore()
	store.histories["s1"] = []Message{
		SystemMessage("sys"),
		UserMessage("earlier question"),
	}
	m := NewMemory("sys", testAccountant(), WithHistoryStore(store))
	history := m.Load(context.Background(), "s1", "u1")
	if len(history) != 2 || history[1].Content != "earlier question" {
		t.Fatalf("stored history not loaded: %+v", history)
	}
}

func TestLoadSurvivesStoreReadFailure(t *testing.T) {
	store := newFakeHistoryStore()
	store.readErr = errors.New("connection refused")
	m := NewMemory("sys", testAccountant(), WithHistoryStore(store))
	history := m.Load(context.Background(), "s1", "u1")
	if len(history) != 1 || history[0].Role != RoleSystem {
		t.Fatalf("read failure must yield a fresh history, got %+v", history)
	}
}

func TestAppendTruncatesByCount(t *testing.T) {
	m := NewMemory("sys", testAccountant(), WithMaxMessages(10))
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		m.Append(ctx, "s1", UserMessage("message "+strings.Repeat("x", i)))
	}
	history := m.Load(ctx, "s1", "u1")
	if len(history) > 10+appendSoftBuffer {
		t.Fatalf("history length %d exceeds cap plus buffer", len(history))
	}
	if history[0].Role != RoleSystem {
		t.Fatal("system message must survive count truncation")
	}
	last := history[len(history)-1]
	if !strings.HasPrefix(last.Content, "message ") || len(last.Content) != len("message ")+29 {
		t.Fatalf("most recent message lost: %q", last.Content)
	}
}

func TestAppendKeepsRecentNonSystemFloor(t *testing.T) {
	// A cap smaller than the floor still keeps minKeptNonSystem messages.
	m := NewMemory("sys", testAccountant(), WithMaxMessages(3))
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		m.Append(ctx, "s1", UserMessage(strings.Repeat("q ", 5)))
	}
	history := m.Load(ctx, "s1", "u1")
	var nonSystem int
	for _, msg := range history {
		if msg.Role != RoleSystem {
			nonSystem++
		}
	}
	if nonSystem < minKeptNonSystem {
		t.Fatalf("kept %d non-system messages, floor is %d", nonSystem, minKeptNonSystem)
	}
}

func TestAppendEnforcesModelContextBound(t *testing.T) {
	budget := Budget{ModelContext: 1_000, SafetyReserve: 100, ResponseReserve: 100, PromptOverhead: 50}
	acct := NewAccountant(budget, WithTokenizer(fixedTokenizer{}))
	m := NewMemory("sys", acct)
	ctx := context.Background()

	// One message several times the whole model context.
	m.Append(ctx, "s1", UserMessage(strings.Repeat("word ", 5_000)))
	if tokens := m.TokenCount("s1"); tokens > budget.ModelContext {
		t.Fatalf("history holds %d tokens, model context is %d", tokens, budget.ModelContext)
	}
	history := m.Load(ctx, "s1", "u1")
	if !strings.Contains(history[len(history)-1].Content, "[earlier content truncated]") {
		t.Fatal("oversized message body was not cut")
	}
}

func TestOptimizeForTokensDropsOldest(t *testing.T) {
	budget := Budget{ModelContext: 1_000, SafetyReserve: 100, ResponseReserve: 100, PromptOverhead: 50}
	acct := NewAccountant(budget, WithTokenizer(fixedTokenizer{}))
	m := NewMemory("sys", acct)
	ctx := context.Background()

	// 12 messages of 74 tokens each: under ModelContext but over the 750
	// tokens available for history.
	for i := 0; i < 12; i++ {
		m.Append(ctx, "s1", UserMessage(strings.Repeat("w ", 70)))
	}
	before := len(m.Load(ctx, "s1", "u1"))
	m.OptimizeForTokens("s1")
	after := m.Load(ctx, "s1", "u1")
	if len(after) >= before {
		t.Fatalf("optimize dropped nothing: %d -> %d", before, len(after))
	}
	if m.TokenCount("s1") > budget.AvailableForHistory() {
		t.Fatalf("still over budget: %d > %d", m.TokenCount("s1"), budget.AvailableForHistory())
	}
	if after[0].Role != RoleSystem {
		t.Fatal("system message must survive token truncation")
	}
}

func TestOptimizeForTokensNoopUnderBudget(t *testing.T) {
	m := NewMemory("sys", testAccountant())
	ctx := context.Background()
	m.Append(ctx, "s1", UserMessage("short question"))
	before := m.Load(ctx, "s1", "u1")
	m.OptimizeForTokens("s1")
	after := m.Load(ctx, "s1", "u1")
	if len(after) != len(before) {
		t.Fatal("optimize must not touch a history under budget")
	}
}

func TestSaveAndReload(t *testing.T) {
	store := newFakeHistoryStore()
	acct := testAccountant()
	ctx := context.Background()

	m := NewMemory("sys", acct, WithHistoryStore(store))
	m.Append(ctx, "s1", UserMessage("remember this"))
	m.Save(ctx, "s1", "u1")

	// A new Memory over the same store sees the saved history.
	m2 := NewMemory("sys", acct, WithHistoryStore(store))
	history := m2.Load(ctx, "s1", "u1")
	if len(history) != 2 || history[1].Content != "remember this" {
		t.Fatalf("reloaded history = %+v", history)
	}
}

func TestSaveFailureIsNonFatal(t *testing.T) {
	store := newFakeHistoryStore()
	store.writeErr = errors.New("disk full")
	m := NewMemory("sys", testAccountant(), WithHistoryStore(store))
	ctx := context.Background()
	m.Append(ctx, "s1", UserMessage("q"))
	m.Save(ctx, "s1", "u1") // must not panic or error out

	history := m.Load(ctx, "s1", "u1")
	if len(history) != 2 {
		t.Fatalf("in-memory history lost after failed save: %+v", history)
	}
}

func TestDeleteRemovesSessionEverywhere(t *testing.T) {
	store := newFakeHistoryStore()
	m := NewMemory("sys", testAccountant(), WithHistoryStore(store))
	ctx := context.Background()
	m.Append(ctx, "s1", UserMessage("q"))
	m.Save(ctx, "s1", "u1")

	if err := m.Delete(ctx, "s1", "u1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := store.histories["s1"]; ok {
		t.Fatal("store still holds deleted session")
	}
	history := m.Load(ctx, "s1", "u1")
	if len(history) != 1 {
		t.Fatalf("deleted session not fresh on reload: %+v", history)
	}
}

func TestSummaryDigestsRecentMessages(t *testing.T) {
	m := NewMemory("sys", testAccountant())
	ctx := context.Background()
	m.Append(ctx, "s1", UserMessage("what were Q3 sales?"))
	m.Append(ctx, "s1", AgentMessage("Database", "Q3 sales were 4.2M."))

	s := m.Summary("s1", 500)
	if !strings.Contains(s, "what were Q3 sales?") || !strings.Contains(s, "Database: Q3 sales were 4.2M.") {
		t.Fatalf("summary = %q", s)
	}
	if strings.Contains(s, "sys") {
		t.Fatal("summary must exclude system messages")
	}
	if short := m.Summary("s1", 10); len([]rune(short)) > 10 {
		t.Fatalf("summary over cap: %q", short)
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	m := NewMemory("sys", testAccountant())
	ctx := context.Background()
	m.Append(ctx, "a", UserMessage("alpha"))
	m.Append(ctx, "b", UserMessage("beta"))

	ha := m.Load(ctx, "a", "u1")
	hb := m.Load(ctx, "b", "u2")
	if ha[1].Content != "alpha" || hb[1].Content != "beta" {
		t.Fatalf("cross-session bleed: a=%+v b=%+v", ha, hb)
	}
}

func TestConcurrentAppendsDoNotRace(t *testing.T) {
	m := NewMemory("sys", testAccountant(), WithMaxMessages(100))
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				m.Append(ctx, "s1", UserMessage("concurrent"))
			}
		}()
	}
	wg.Wait()
	history := m.Load(ctx, "s1", "u1")
	if len(history) != 81 { // system + 80 appends
		t.Fatalf("history length %d, want 81", len(history))
	}
}
