// Package ensemble is a multi-agent orchestration framework for building
// conversational systems in Go.
//
// It provides modular, interface-driven building blocks: a token accountant,
// session memory with pluggable persistence, a tool mediator, an agent
// registry with keyword routing, a group chat engine, and an activity stream
// for progress events.
//
// # Quick Start
//
// Wire an orchestrator over a roster of model-backed agents:
//
//	model := ensemble.WithRetry(openaicompat.NewProvider(apiKey, model, baseURL))
//	store := sqlite.New("ensemble.db")
//
//	mediator := ensemble.NewMediator()
//	mediator.AddEndpoint(database.New(db, "sales"))
//
//	registry := ensemble.NewRegistry()
//	orch := ensemble.NewOrchestrator(registry, model,
//		ensemble.WithMemory(ensemble.NewMemory(systemPrompt, accountant,
//			ensemble.WithHistoryStore(store))),
//	)
//	orch.Register(ensemble.NewModelAgent(desc, model,
//		ensemble.WithMediator(mediator)))
//
//	answer, err := orch.Ask(ctx, sessionID, userID, "how many orders shipped today?")
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Agent] — a roster member that can answer on behalf of its domain
//   - [Provider] — LLM backend (chat and tool calling)
//   - [Endpoint] — a group of tools the mediator can invoke
//   - [HistoryStore] — session transcript persistence
//   - [Sink] — receiver for activity events
//   - [Tracer] — optional span instrumentation
//
// # Included Implementations
//
// Providers: provider/openaicompat (OpenAI-compatible APIs).
// Storage: store/sqlite (local), store/postgres (shared).
// Tools: tools/database, tools/documents, tools/remote (HTTP tool servers).
// Observability: observer (OpenTelemetry traces, metrics, logs, cost).
//
// See the cmd/ensemble directory for a complete reference application.
package ensemble
