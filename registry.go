package ensemble

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/cases"
)

// Health is an agent's operational state as tracked by the registry.
type Health string

const (
	Healthy   Health = "healthy"
	Degraded  Health = "degraded"
	Unhealthy Health = "unhealthy"
)

// Descriptor is an agent's registry entry: identity, routing metadata, and
// the tools it is allowed to invoke.
type Descriptor struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Domains     []string `json:"domains"`
	Keywords    []string `json:"keywords"` // lowercased tokens
	Examples    []string `json:"examples"`
	// ToolAllowlist names the tools this agent may invoke. The mediator
	// rejects anything else with forbidden-tool.
	ToolAllowlist []string `json:"tool_allowlist"`
	Weight        float64  `json:"weight"` // routing weight, default 1
	Health        Health   `json:"health"`
	// Coordinator marks the privileged synthesis agent. A roster has
	// exactly one.
	Coordinator bool `json:"coordinator"`
}

// AllowsTool reports whether a tool name is on the allowlist.
func (d Descriptor) AllowsTool(name string) bool {
	for _, t := range d.ToolAllowlist {
		if t == name {
			return true
		}
	}
	return false
}

// domainBonus is added to a match score per domain tag found in the message.
const domainBonus = 2.0

// Match pairs an agent with its routing score for one message.
type Match struct {
	Agent Agent
	Score float64
}

// Registry owns the set of registered agents. Reads take a consistent
// snapshot for the duration of a turn; writes are serialized.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
	order  []string // registration order, for deterministic listing
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds an agent. Registering a duplicate ID is an error.
func (r *Registry) Register(a Agent) error {
	id := a.Describe().ID
	if id == "" {
		return Errf(KindInputInvalid, "agent has empty id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[id]; ok {
		return Errf(KindInputInvalid, "agent %q already registered", id)
	}
	r.agents[id] = a
	r.order = append(r.order, id)
	return nil
}

// Unregister removes an agent by ID. Unknown IDs are a no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[id]; !ok {
		return
	}
	delete(r.agents, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns an agent by ID.
func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// List returns all agents in registration order. The returned slice is a
// snapshot: later registry mutations do not affect it.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.agents[id])
	}
	return out
}

// Coordinator returns the roster's coordinator agent, or nil when none is
// registered.
func (r *Registry) Coordinator() Agent {
	for _, a := range r.List() {
		if a.Describe().Coordinator {
			return a
		}
	}
	return nil
}

// Match scores every registered agent against a message: weighted keyword
// hits plus a bonus per domain tag present. Agents scoring zero are
// omitted. Results are ordered by score descending, then ID, so identical
// inputs yield identical output.
func (r *Registry) Match(message string) []Match {
	folded := foldText(message)
	tokens := tokenSet(folded)
	var out []Match
	for _, a := range r.List() {
		d := a.Describe()
		score := matchScore(d, folded, tokens)
		if score > 0 {
			out = append(out, Match{Agent: a, Score: score})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Agent.Describe().ID < out[j].Agent.Describe().ID
	})
	return out
}

// matchScore computes one agent's score for a folded message.
func matchScore(d Descriptor, folded string, tokens map[string]bool) float64 {
	weight := d.Weight
	if weight <= 0 {
		weight = 1
	}
	var score float64
	for _, kw := range d.Keywords {
		kw = foldText(kw)
		if strings.Contains(kw, " ") {
			// Multi-word keywords match as phrases.
			if strings.Contains(folded, kw) {
				score += weight
			}
		} else if tokens[kw] {
			score += weight
		}
	}
	for _, dom := range d.Domains {
		if tokens[foldText(dom)] {
			score += domainBonus
		}
	}
	return score
}

// Roster renders the registry contents for the coordinator's system prompt:
// one block per agent with name, description, and example queries. Called
// at startup and after registry mutations so the coordinator's behavior
// tracks the roster.
func (r *Registry) Roster() string {
	var b strings.Builder
	b.WriteString("Available specialists:\n")
	for _, a := range r.List() {
		d := a.Describe()
		if d.Coordinator {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", d.Name, d.Description)
		for _, ex := range d.Examples {
			fmt.Fprintf(&b, "  e.g. %q\n", ex)
		}
	}
	return b.String()
}

// foldText lowercases text with full Unicode case folding.
func foldText(s string) string {
	return cases.Fold().String(s)
}

// tokenSet splits folded text into a set of letter/digit tokens.
func tokenSet(folded string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		set[tok] = true
	}
	return set
}
