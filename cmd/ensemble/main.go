// Command ensemble runs a multi-agent chat session on the terminal. It wires
// the full stack from ensemble.toml: an OpenAI-compatible model with retry,
// session persistence, the tool mediator with the database and document
// endpoints, and a coordinator plus two specialists.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	ensemble "github.com/ensembleai/ensemble"
	"github.com/ensembleai/ensemble/internal/config"
	"github.com/ensembleai/ensemble/observer"
	"github.com/ensembleai/ensemble/provider/openaicompat"
	"github.com/ensembleai/ensemble/store/postgres"
	"github.com/ensembleai/ensemble/store/sqlite"
	"github.com/ensembleai/ensemble/tools/database"
	"github.com/ensembleai/ensemble/tools/documents"
	"github.com/ensembleai/ensemble/tools/remote"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ensemble:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load(os.Getenv("ENSEMBLE_CONFIG"))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Observability (optional).
	var (
		inst   *observer.Instruments
		tracer ensemble.Tracer
	)
	if cfg.Observer.Enabled {
		var shutdown func(context.Context) error
		var err error
		inst, shutdown, err = observer.Init(ctx, nil)
		if err != nil {
			return fmt.Errorf("init observer: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sctx)
		}()
		tracer = observer.NewTracer()
	}

	// Chat model: OpenAI-compatible endpoint wrapped with retry.
	var model ensemble.Provider = openaicompat.NewProvider(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.BaseURL)
	if inst != nil {
		model = observer.WrapProvider(model, cfg.LLM.Model, inst)
	}
	model = ensemble.WithRetry(model, ensemble.RetryLogger(logger))

	// Token accounting.
	budget := ensemble.Budget{
		ModelContext:    cfg.Budget.ModelContextTokens,
		SafetyReserve:   cfg.Budget.SafetyReserveTokens,
		ResponseReserve: cfg.Budget.ResponseReserveTokens,
		PromptOverhead:  cfg.Budget.PromptOverheadTokens,
	}
	accountant := ensemble.NewAccountant(budget)

	// Session persistence.
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// Activity streaming.
	stream := ensemble.NewStreamer(
		ensemble.WithSinkBuffer(cfg.Activity.Buffer),
		ensemble.WithStreamerLogger(logger),
	)

	// Tool mediator with the in-process endpoints.
	mediator := ensemble.NewMediator(
		ensemble.WithActivityStream(stream),
		ensemble.WithToolTimeouts(
			time.Duration(cfg.Tools.RequestTimeoutSeconds)*time.Second,
			time.Duration(cfg.Tools.StreamTimeoutSeconds)*time.Second,
		),
		ensemble.WithMediatorLogger(logger),
		ensemble.WithMediatorTracer(tracer),
	)

	dbEndpoint, err := database.Open(cfg.Store.Path, "ensemble")
	if err != nil {
		return fmt.Errorf("open database endpoint: %w", err)
	}
	defer dbEndpoint.Close()
	docEndpoint := documents.New()
	endpoints := []ensemble.Endpoint{dbEndpoint, docEndpoint}
	if cfg.Tools.RemoteURL != "" {
		remoteEndpoint, err := remote.Discover(ctx, cfg.Tools.RemoteURL)
		if err != nil {
			return fmt.Errorf("discover remote tools: %w", err)
		}
		logger.Info("remote tools discovered", "url", cfg.Tools.RemoteURL, "count", len(remoteEndpoint.Specs()))
		endpoints = append(endpoints, remoteEndpoint)
	}
	for _, ep := range endpoints {
		if inst != nil {
			ep = observer.WrapEndpoint(ep, inst)
		}
		mediator.AddEndpoint(ep)
	}

	// Roster: coordinator plus two tool-backed specialists.
	registry := ensemble.NewRegistry()
	memory := ensemble.NewMemory("You are a helpful assistant.", accountant,
		ensemble.WithHistoryStore(store),
		ensemble.WithMaxMessages(cfg.Memory.MaxHistoryMessages),
		ensemble.WithMemoryLogger(logger),
	)

	orch := ensemble.NewOrchestrator(registry, model,
		ensemble.WithAccountant(accountant),
		ensemble.WithMemory(memory),
		ensemble.WithStream(stream),
		ensemble.WithRouter(ensemble.NewRouter(registry,
			ensemble.WithIncludeThreshold(cfg.Turn.IncludeThreshold),
			ensemble.WithStrategist(model),
			ensemble.WithRouterLogger(logger),
		)),
		ensemble.WithEngine(ensemble.NewEngine(
			ensemble.WithSelector(model),
			ensemble.WithEngineStream(stream),
			ensemble.WithMaxIterations(cfg.Turn.MaxIterations),
			ensemble.WithTurnTimeout(time.Duration(cfg.Turn.TurnTimeoutSeconds)*time.Second),
			ensemble.WithEngineLogger(logger),
			ensemble.WithEngineTracer(tracer),
		)),
		ensemble.WithRerouteIterations(cfg.Turn.RerouteIterations),
		ensemble.WithOrchestratorLogger(logger),
		ensemble.WithOrchestratorTracer(tracer),
	)

	agents := []ensemble.Agent{
		ensemble.NewModelAgent(ensemble.Descriptor{
			ID:          "coordinator",
			Name:        "Coordinator",
			Description: "routes questions and combines specialist answers",
			Coordinator: true,
		}, model, ensemble.WithAgentLogger(logger)),

		ensemble.NewModelAgent(ensemble.Descriptor{
			ID:            "db",
			Name:          "Database Analyst",
			Description:   "answers questions about stored data by running SQL",
			Domains:       []string{"database"},
			Keywords:      []string{"database", "table", "query", "sql", "rows", "count"},
			Examples:      []string{"how many users signed up last week"},
			ToolAllowlist: []string{"list_databases", "describe_table", "run_query"},
		}, model,
			ensemble.WithMediator(mediator),
			ensemble.WithSystemPrompt("You are a database analyst. Inspect the schema before querying and answer with concrete numbers."),
			ensemble.WithAgentLogger(logger)),

		ensemble.NewModelAgent(ensemble.Descriptor{
			ID:            "docs",
			Name:          "Document Analyst",
			Description:   "reads and summarizes uploaded documents",
			Domains:       []string{"documents"},
			Keywords:      []string{"document", "pdf", "file", "upload", "summarize"},
			Examples:      []string{"summarize the report I uploaded"},
			ToolAllowlist: []string{"list_documents", "get_document"},
		}, model,
			ensemble.WithMediator(mediator),
			ensemble.WithSystemPrompt("You are a document analyst. Fetch the relevant document before answering and cite it by name."),
			ensemble.WithAgentLogger(logger)),
	}
	for _, a := range agents {
		if inst != nil {
			a = observer.WrapAgent(a, inst)
		}
		if err := orch.Register(a); err != nil {
			return fmt.Errorf("register agent: %w", err)
		}
	}

	return repl(ctx, orch, stream, logger)
}

// openStore picks the history backend from config.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (ensemble.HistoryStore, func(), error) {
	if cfg.Store.Driver == "postgres" {
		pool, err := pgxpool.New(ctx, cfg.Store.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		pg := postgres.New(pool)
		if err := pg.Init(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("init postgres: %w", err)
		}
		logger.Info("history store ready", "driver", "postgres")
		return pg, pool.Close, nil
	}

	s := sqlite.New(cfg.Store.Path, sqlite.WithLogger(logger))
	if err := s.Init(ctx); err != nil {
		return nil, nil, fmt.Errorf("init sqlite: %w", err)
	}
	logger.Info("history store ready", "driver", "sqlite", "path", cfg.Store.Path)
	return s, func() { _ = s.Close() }, nil
}

// repl reads questions from stdin until EOF or interrupt.
func repl(ctx context.Context, orch *ensemble.Orchestrator, stream *ensemble.Streamer, logger *slog.Logger) error {
	sessionID := ensemble.NewID()
	userID := os.Getenv("ENSEMBLE_USER")
	if userID == "" {
		userID = "local"
	}

	if os.Getenv("ENSEMBLE_VERBOSE") != "" {
		stream.Subscribe(sessionID, ensemble.SinkFunc(func(ev ensemble.ActivityEvent) {
			fmt.Fprintf(os.Stderr, "  [%s] %s %s %s\n", ev.Status, ev.Agent, ev.Action, ev.Details)
		}))
	}

	fmt.Println("ensemble ready. Ask a question, ctrl-d to exit.")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if ctx.Err() != nil {
			break
		}

		answer, err := orch.Ask(ctx, sessionID, userID, input)
		if err != nil {
			logger.Error("turn failed", "error", err)
			fmt.Println("Sorry, that didn't work:", err)
			continue
		}
		fmt.Println(answer)
	}
	return scanner.Err()
}
