package ensemble

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
)

const (
	// defaultIncludeThreshold is the minimum match score a specialist needs
	// to join the participant list.
	defaultIncludeThreshold = 2.0
	// generalQueryLen is the token length past which an unmatched message is
	// treated as a general query and routed to every specialist.
	generalQueryLen = 4
	// documentsDomain tags the specialist force-included for contextual
	// document references.
	documentsDomain = "documents"
)

// contextualPhrases signal the user means a previously mentioned document
// without naming it.
var contextualPhrases = []string{
	"that document", "this document", "the document",
	"that file", "this file", "the file",
	"that pdf", "this pdf", "the pdf",
	"analyze it", "summarize it", "read it",
}

// filenamePattern recognizes an explicit filename in the message; when one
// is present the contextual-reference rule does not fire.
var filenamePattern = regexp.MustCompile(`\b[\w\-]+\.(pdf|docx?|txt|csv|md|xlsx?|pptx?|json)\b`)

// Route is one turn's participant selection: the coordinator at position 0,
// any selected specialists after it, plus optional model-produced guidance.
type Route struct {
	Participants []Agent
	// Strategy is natural-language routing guidance from the coordinator's
	// model. It augments downstream selection and never changes the
	// deterministic participant set.
	Strategy string
}

// Router picks the minimal participant set for a user message from the
// registry snapshot.
type Router struct {
	registry  *Registry
	threshold float64
	// strategist, when set, is asked for a routing strategy string. Usually
	// the coordinator's provider.
	strategist Provider
	logger     *slog.Logger
	tracer     Tracer
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithIncludeThreshold sets the score cut-off for specialists (default 2).
func WithIncludeThreshold(t float64) RouterOption {
	return func(r *Router) {
		if t > 0 {
			r.threshold = t
		}
	}
}

// WithStrategist enables the model-produced routing strategy.
func WithStrategist(p Provider) RouterOption {
	return func(r *Router) { r.strategist = p }
}

// WithRouterLogger sets a structured logger.
func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = orNop(l) }
}

// WithRouterTracer enables span creation for selections.
func WithRouterTracer(t Tracer) RouterOption {
	return func(r *Router) { r.tracer = t }
}

// NewRouter creates a Router over a registry.
func NewRouter(registry *Registry, opts ...RouterOption) *Router {
	r := &Router{
		registry:  registry,
		threshold: defaultIncludeThreshold,
		logger:    nopLogger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Select builds the participant list for one user message. The digest is a
// short history summary used only for the strategy prompt. Selection is
// deterministic for a fixed registry; the strategy is computed before the
// caller's fast-path check so contextual document questions can still carry
// guidance even when the participant set is just the coordinator.
func (r *Router) Select(ctx context.Context, message, digest string) (Route, error) {
	if r.tracer != nil {
		var span Span
		ctx, span = r.tracer.Start(ctx, "router.select")
		defer span.End()
	}

	coord := r.registry.Coordinator()
	if coord == nil {
		return Route{}, Errf(KindInputInvalid, "no coordinator registered")
	}

	route := Route{Participants: []Agent{coord}}
	included := map[string]bool{coord.Describe().ID: true}
	add := func(a Agent) {
		id := a.Describe().ID
		if !included[id] {
			included[id] = true
			route.Participants = append(route.Participants, a)
		}
	}

	// Scored matches above threshold, best first.
	for _, m := range r.registry.Match(message) {
		if m.Agent.Describe().Coordinator {
			continue
		}
		if m.Score >= r.threshold {
			add(m.Agent)
		}
	}

	// A contextual reference to an unnamed document pulls in the documents
	// specialist even when no keyword matched.
	if referencesDocument(message) && !filenamePattern.MatchString(strings.ToLower(message)) {
		if docs := r.documentsSpecialist(); docs != nil {
			add(docs)
		}
	}

	// When in doubt, include: an unmatched message longer than a few tokens
	// goes to every specialist rather than to nobody.
	if len(route.Participants) == 1 && len(strings.Fields(message)) > generalQueryLen {
		for _, a := range r.registry.List() {
			if !a.Describe().Coordinator {
				add(a)
			}
		}
		if len(route.Participants) > 1 {
			r.logger.Info("no specialist matched, including all",
				"participants", len(route.Participants)-1)
		}
	}

	route.Strategy = r.strategy(ctx, message, digest)
	return route, nil
}

// strategy asks the strategist model for routing guidance. Failures are
// non-fatal: routing proceeds without guidance.
func (r *Router) strategy(ctx context.Context, message, digest string) string {
	if r.strategist == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("Given the conversation so far and the new user message, ")
	b.WriteString("describe in two sentences or fewer which specialists should handle it and in what order. ")
	b.WriteString("Do not answer the question itself.\n\n")
	b.WriteString(r.registry.Roster())
	if digest != "" {
		b.WriteString("\nConversation so far:\n")
		b.WriteString(digest)
		b.WriteString("\n")
	}
	b.WriteString("\nUser message: ")
	b.WriteString(message)

	resp, err := r.strategist.Chat(ctx, ChatRequest{
		Messages: []Message{UserMessage(b.String())},
	})
	if err != nil {
		r.logger.Warn("routing strategy unavailable", "error", err)
		return ""
	}
	return strings.TrimSpace(resp.Content)
}

// documentsSpecialist finds the specialist tagged with the documents domain.
func (r *Router) documentsSpecialist() Agent {
	for _, a := range r.registry.List() {
		d := a.Describe()
		if d.Coordinator {
			continue
		}
		for _, dom := range d.Domains {
			if foldText(dom) == documentsDomain {
				return a
			}
		}
	}
	return nil
}

// referencesDocument reports whether the message contains a contextual
// document reference phrase.
func referencesDocument(message string) bool {
	folded := foldText(message)
	for _, p := range contextualPhrases {
		if strings.Contains(folded, p) {
			return true
		}
	}
	return false
}
