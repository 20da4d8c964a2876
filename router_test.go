package ensemble

import (
	"context"
	"errors"
	"testing"
)

func routingRegistry() *Registry {
	r := NewRegistry()
	r.Register(coordinatorStub())
	r.Register(dbStub())
	r.Register(docsStub())
	return r
}

func participantIDs(route Route) []string {
	ids := make([]string, len(route.Participants))
	for i, a := range route.Participants {
		ids[i] = a.Describe().ID
	}
	return ids
}

func TestSelectAlwaysPutsCoordinatorFirst(t *testing.T) {
	router := NewRouter(routingRegistry())
	route, err := router.Select(context.Background(), "query the sales database table", "")
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if route.Participants[0].Describe().ID != "coordinator" {
		t.Fatalf("participants = %v", participantIDs(route))
	}
}

func TestSelectIncludesSpecialistsAboveThreshold(t *testing.T) {
	router := NewRouter(routingRegistry())
	// "database" keyword + domain bonus clears the threshold for db; docs
	// scores zero.
	route, _ := router.Select(context.Background(), "show the sales database", "")
	ids := participantIDs(route)
	if len(ids) != 2 || ids[1] != "db" {
		t.Fatalf("participants = %v", ids)
	}
}

func TestSelectFailsWithoutCoordinator(t *testing.T) {
	r := NewRegistry()
	r.Register(dbStub())
	_, err := NewRouter(r).Select(context.Background(), "anything", "")
	if err == nil || KindOf(err) != KindInputInvalid {
		t.Fatalf("want input-invalid, got %v", err)
	}
}

func TestSelectForceIncludesDocumentsOnContextualReference(t *testing.T) {
	router := NewRouter(routingRegistry())
	route, _ := router.Select(context.Background(), "summarize that document", "")
	var found bool
	for _, id := range participantIDs(route) {
		if id == "docs" {
			found = true
		}
	}
	if !found {
		t.Fatalf("documents specialist missing: %v", participantIDs(route))
	}
}

func TestSelectSkipsForceIncludeWhenFilenameNamed(t *testing.T) {
	// Use a documents specialist without keywords so inclusion can only come
	// from the contextual rule.
	r := NewRegistry()
	r.Register(coordinatorStub())
	docs := &stubAgent{desc: Descriptor{
		ID: "docs", Name: "Documents", Domains: []string{"documents"},
	}}
	r.Register(docs)
	router := NewRouter(r)

	withName, _ := router.Select(context.Background(), "summarize it: report.pdf", "")
	for _, id := range participantIDs(withName) {
		if id == "docs" {
			t.Fatalf("contextual rule fired despite filename: %v", participantIDs(withName))
		}
	}
	withoutName, _ := router.Select(context.Background(), "ok summarize it", "")
	if ids := participantIDs(withoutName); len(ids) != 2 || ids[1] != "docs" {
		t.Fatalf("contextual rule did not fire: %v", ids)
	}
}

func TestSelectIncludesAllOnLongUnmatchedQuery(t *testing.T) {
	router := NewRouter(routingRegistry())
	route, _ := router.Select(context.Background(),
		"compare our spending against revenue for last year please", "")
	if len(route.Participants) != 3 {
		t.Fatalf("want all specialists for a general query, got %v", participantIDs(route))
	}
}

func TestSelectShortUnmatchedQueryStaysCoordinatorOnly(t *testing.T) {
	router := NewRouter(routingRegistry())
	route, _ := router.Select(context.Background(), "hello there", "")
	if ids := participantIDs(route); len(ids) != 1 || ids[0] != "coordinator" {
		t.Fatalf("participants = %v", ids)
	}
}

func TestSelectStrategyAugmentsButNeverReplaces(t *testing.T) {
	strategist := &scriptProvider{fn: replyWith(ChatResponse{
		Content: "Only the documents specialist is relevant.",
	})}
	router := NewRouter(routingRegistry(), WithStrategist(strategist))

	route, _ := router.Select(context.Background(), "show the sales database", "")
	if route.Strategy != "Only the documents specialist is relevant." {
		t.Fatalf("strategy = %q", route.Strategy)
	}
	// The deterministic choice stands regardless of what the model said.
	if ids := participantIDs(route); len(ids) != 2 || ids[1] != "db" {
		t.Fatalf("model output changed the participant set: %v", ids)
	}
}

func TestSelectStrategyComputedEvenForFastPath(t *testing.T) {
	strategist := &scriptProvider{fn: replyWith(ChatResponse{Content: "guidance"})}
	router := NewRouter(routingRegistry(), WithStrategist(strategist))

	route, _ := router.Select(context.Background(), "hi", "")
	if len(route.Participants) != 1 {
		t.Fatalf("participants = %v", participantIDs(route))
	}
	if route.Strategy != "guidance" {
		t.Fatal("strategy must be computed before the fast-path check")
	}
}

func TestSelectSurvivesStrategistFailure(t *testing.T) {
	strategist := &scriptProvider{fn: func(ChatRequest) (ChatResponse, error) {
		return ChatResponse{}, errors.New("model down")
	}}
	router := NewRouter(routingRegistry(), WithStrategist(strategist))

	route, err := router.Select(context.Background(), "show the sales database", "")
	if err != nil {
		t.Fatalf("strategist failure must be non-fatal: %v", err)
	}
	if route.Strategy != "" || len(route.Participants) != 2 {
		t.Fatalf("route = %v strategy=%q", participantIDs(route), route.Strategy)
	}
}

func TestSelectIsIdempotent(t *testing.T) {
	router := NewRouter(routingRegistry())
	msg := "query the sales database and check that document"
	first, _ := router.Select(context.Background(), msg, "")
	second, _ := router.Select(context.Background(), msg, "")
	a, b := participantIDs(first), participantIDs(second)
	if len(a) != len(b) {
		t.Fatalf("selection not stable: %v vs %v", a, b)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("selection not stable: %v vs %v", a, b)
		}
	}
}
