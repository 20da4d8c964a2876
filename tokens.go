package ensemble

import (
	"log/slog"
	"math"
)

// Tokenizer counts tokens the way a specific model family does. When the
// exact tokenizer is unavailable the Accountant falls back to a character
// heuristic and marks counts as estimated.
type Tokenizer interface {
	// Count returns the token count for text. An error means the tokenizer
	// is unavailable and the caller should fall back to estimation.
	Count(text string) (int, error)
}

// TokenCount is a token total plus whether it was estimated. Estimated
// counts should be padded via Padded before budget comparisons.
type TokenCount struct {
	Tokens    int
	Estimated bool
}

// Padded returns the count with the estimation safety multiplier applied.
// Exact counts pass through unchanged.
func (tc TokenCount) Padded() int {
	if !tc.Estimated {
		return tc.Tokens
	}
	return int(math.Ceil(float64(tc.Tokens) * estimateSafetyFactor))
}

const (
	// estimateCharsPerToken is the fallback heuristic when no tokenizer is
	// available: roughly 3.5 characters per token for English prose.
	estimateCharsPerToken = 3.5
	// estimateSafetyFactor pads estimated counts before budget checks.
	estimateSafetyFactor = 1.15
	// perMessageOverhead reflects the serialization tokens a chat model
	// charges per message (role markers, separators).
	perMessageOverhead = 4
	// preserveRecent is the number of most recent non-system messages a
	// truncation plan keeps even when over target.
	preserveRecent = 5
)

// Budget holds the token limits one model context imposes.
type Budget struct {
	ModelContext    int // absolute model window
	SafetyReserve   int // subtracted before SafeLimit
	ResponseReserve int // max_tokens reserved for the answer
	PromptOverhead  int // fixed overhead per model call
}

// DefaultBudget is sized for a 128K-context model.
var DefaultBudget = Budget{
	ModelContext:    128_000,
	SafetyReserve:   4_000,
	ResponseReserve: 1_500,
	PromptOverhead:  1_000,
}

// SafeLimit is the usable window after the safety reserve.
func (b Budget) SafeLimit() int { return b.ModelContext - b.SafetyReserve }

// AvailableForHistory is what remains for conversation history after the
// response reserve and prompt overhead.
func (b Budget) AvailableForHistory() int {
	return b.SafeLimit() - b.ResponseReserve - b.PromptOverhead
}

// BudgetClass grades token usage against the history budget.
type BudgetClass string

const (
	BudgetOK       BudgetClass = "ok"       // below 70%
	BudgetWarn     BudgetClass = "warn"     // 70–90%
	BudgetCritical BudgetClass = "critical" // 90% and above
)

// Accountant counts tokens and plans history truncation against a Budget.
type Accountant struct {
	budget    Budget
	tokenizer Tokenizer
	logger    *slog.Logger
}

// AccountantOption configures an Accountant.
type AccountantOption func(*Accountant)

// WithTokenizer sets an exact tokenizer. Without one, counts use the
// character heuristic and are flagged estimated.
func WithTokenizer(t Tokenizer) AccountantOption {
	return func(a *Accountant) { a.tokenizer = t }
}

// WithAccountantLogger sets a structured logger for truncation decisions.
func WithAccountantLogger(l *slog.Logger) AccountantOption {
	return func(a *Accountant) { a.logger = l }
}

// NewAccountant creates an Accountant for the given budget. Zero-valued
// budget fields fall back to DefaultBudget.
func NewAccountant(budget Budget, opts ...AccountantOption) *Accountant {
	if budget.ModelContext <= 0 {
		budget.ModelContext = DefaultBudget.ModelContext
	}
	if budget.SafetyReserve <= 0 {
		budget.SafetyReserve = DefaultBudget.SafetyReserve
	}
	if budget.ResponseReserve <= 0 {
		budget.ResponseReserve = DefaultBudget.ResponseReserve
	}
	if budget.PromptOverhead <= 0 {
		budget.PromptOverhead = DefaultBudget.PromptOverhead
	}
	a := &Accountant{budget: budget, logger: nopLogger}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Budget returns the accountant's budget.
func (a *Accountant) Budget() Budget { return a.budget }

// Count returns the token count for text, estimated when no tokenizer is
// configured or the tokenizer fails.
func (a *Accountant) Count(text string) TokenCount {
	if a.tokenizer != nil {
		if n, err := a.tokenizer.Count(text); err == nil {
			return TokenCount{Tokens: n}
		}
		a.logger.Warn("tokenizer unavailable, falling back to character heuristic")
	}
	return TokenCount{Tokens: estimateTokens(text), Estimated: true}
}

// CountMessages sums per-message counts plus the per-message serialization
// overhead. The result is estimated if any message count was estimated.
func (a *Accountant) CountMessages(msgs []Message) TokenCount {
	var total TokenCount
	for _, m := range msgs {
		c := a.countMessage(m)
		total.Tokens += c.Tokens
		total.Estimated = total.Estimated || c.Estimated
	}
	return total
}

func (a *Accountant) countMessage(m Message) TokenCount {
	c := a.Count(m.Content)
	c.Tokens += perMessageOverhead
	if m.Name != "" {
		nc := a.Count(m.Name)
		c.Tokens += nc.Tokens
		c.Estimated = c.Estimated || nc.Estimated
	}
	return c
}

// Classify grades a token total against the history budget.
func (a *Accountant) Classify(tokens int) BudgetClass {
	budget := a.budget.AvailableForHistory()
	switch {
	case tokens >= budget*9/10:
		return BudgetCritical
	case tokens >= budget*7/10:
		return BudgetWarn
	default:
		return BudgetOK
	}
}

// TruncationPlan lists what to drop from a history to fit a token target.
// Drop holds message indices in drop order (oldest non-system first).
// BodyLimit, when non-zero, is a character cap to apply to the content of
// the message at BodyIndex after the drops. It is set only when dropping
// every droppable message still leaves the preserved tail over target.
type TruncationPlan struct {
	Drop      []int
	BodyIndex int
	BodyLimit int
}

// Empty reports whether the plan changes nothing.
func (p TruncationPlan) Empty() bool { return len(p.Drop) == 0 && p.BodyLimit == 0 }

// PlanTruncation computes which messages to drop so the remaining history
// fits targetTokens. System messages are never dropped. The most recent
// preserveRecent non-system messages are kept unless even those exceed the
// target, in which case the earliest preserved message's body is truncated.
func (a *Accountant) PlanTruncation(history []Message, targetTokens int) TruncationPlan {
	total := a.CountMessages(history).Padded()
	if total <= targetTokens {
		return TruncationPlan{}
	}

	// Index the droppable candidates: non-system messages outside the
	// preserved tail, oldest first.
	nonSystem := make([]int, 0, len(history))
	for i, m := range history {
		if m.Role != RoleSystem {
			nonSystem = append(nonSystem, i)
		}
	}
	preserved := nonSystem
	droppable := []int{}
	if len(nonSystem) > preserveRecent {
		droppable = nonSystem[:len(nonSystem)-preserveRecent]
		preserved = nonSystem[len(nonSystem)-preserveRecent:]
	}

	var plan TruncationPlan
	remaining := total
	for _, idx := range droppable {
		if remaining <= targetTokens {
			return plan
		}
		remaining -= a.countMessage(history[idx]).Padded()
		plan.Drop = append(plan.Drop, idx)
	}
	if remaining <= targetTokens || len(preserved) == 0 {
		return plan
	}

	// Even the preserved tail is over target: truncate the body of the
	// earliest preserved message down to the token room left for it.
	first := preserved[0]
	var restTokens int
	for _, idx := range preserved[1:] {
		restTokens += a.countMessage(history[idx]).Padded()
	}
	for _, m := range history {
		if m.Role == RoleSystem {
			restTokens += a.countMessage(m).Padded()
		}
	}
	room := targetTokens - restTokens - perMessageOverhead
	if room < 1 {
		// Target smaller than the preserved tail itself: cut to the minimum
		// rather than producing an empty plan while still over budget.
		room = 1
	}
	plan.BodyIndex = first
	// Sized so the cut body stays under target even after estimation padding.
	plan.BodyLimit = int(float64(room) / estimateSafetyFactor * estimateCharsPerToken)
	a.logger.Warn("truncation plan requires body cut",
		"message_index", first, "body_limit_chars", plan.BodyLimit)
	return plan
}

// ApplyTruncation materializes a plan against a history, returning a new
// slice. Order is preserved; dropped messages are removed and a body cut is
// applied with a visible marker.
func ApplyTruncation(history []Message, plan TruncationPlan) []Message {
	if plan.Empty() {
		return history
	}
	drop := make(map[int]bool, len(plan.Drop))
	for _, idx := range plan.Drop {
		drop[idx] = true
	}
	out := make([]Message, 0, len(history)-len(plan.Drop))
	for i, m := range history {
		if drop[i] {
			continue
		}
		if plan.BodyLimit > 0 && i == plan.BodyIndex && len([]rune(m.Content)) > plan.BodyLimit {
			m.Content = truncateStr(m.Content, plan.BodyLimit) + "\n[earlier content truncated]"
		}
		out = append(out, m)
	}
	return out
}

// estimateTokens applies the character heuristic.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return int(math.Ceil(float64(len([]rune(text))) / estimateCharsPerToken))
}
