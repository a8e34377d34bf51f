// Seeker research server — serves MCP over stdio, streamable HTTP,
// WebSocket, and legacy SSE, and runs the async research job engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/seekerlab/seeker/pkg/api"
	"github.com/seekerlab/seeker/pkg/cleanup"
	"github.com/seekerlab/seeker/pkg/config"
	"github.com/seekerlab/seeker/pkg/database"
	"github.com/seekerlab/seeker/pkg/embed"
	"github.com/seekerlab/seeker/pkg/events"
	"github.com/seekerlab/seeker/pkg/llm"
	"github.com/seekerlab/seeker/pkg/mcp"
	"github.com/seekerlab/seeker/pkg/queue"
	"github.com/seekerlab/seeker/pkg/research"
	"github.com/seekerlab/seeker/pkg/retrieval"
	"github.com/seekerlab/seeker/pkg/services"
	"github.com/seekerlab/seeker/pkg/stdio"
	"github.com/seekerlab/seeker/pkg/version"
)

// resolvePodID determines the worker identifier for multi-replica lease
// coordination. Priority: POD_ID env > HOSTNAME env > "local".
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	stdioMode := flag.Bool("stdio", false, "serve JSON-RPC on stdin/stdout")
	setupClient := flag.String("setup", "", "print a config snippet for the named MCP client and exit")
	flag.Parse()

	// Logs always go to stderr so --stdio keeps stdout a clean protocol
	// stream.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, using existing environment", "error", err)
	}

	if *setupClient != "" {
		if err := printSetupSnippet(os.Stdout, *setupClient); err != nil {
			slog.Error("Setup failed", "client", *setupClient, "error", err)
			os.Exit(1)
		}
		return
	}

	podID := resolvePodID()
	ctx := context.Background()

	slog.Info("Starting seeker", "version", version.Full(), "pod_id", podID)

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	publicURL := os.Getenv("PUBLIC_URL")
	if publicURL == "" {
		publicURL = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}

	// 2. Database
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	if err := database.Migrate(dbConfig.DSN()); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig, cfg.Embeddings.Dimension)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	slog.Info("Connected to PostgreSQL")

	// 3. Domain services
	jobService := services.NewJobService(dbClient, cfg.Idempotency)
	eventService := services.NewEventService(dbClient)
	sessionService := services.NewSessionService(dbClient)
	reportService := services.NewReportService(dbClient)
	graphService := services.NewGraphService(dbClient)

	// 4. Embedder; a failed probe degrades retrieval to lexical-only
	// instead of blocking boot.
	embedderUp := false
	var embedder embed.Embedder
	if e, err := embed.New(cfg.Embeddings, cfg.Provider.APIKey); err != nil {
		slog.Error("Embedder configuration invalid, dense retrieval disabled", "error", err)
	} else if err := embed.Probe(ctx, e); err != nil {
		slog.Warn("Embeddings provider unreachable, dense retrieval disabled", "error", err)
	} else {
		embedder = e
		embedderUp = true
		slog.Info("Embeddings provider ready",
			"provider", cfg.Embeddings.Provider, "dimension", cfg.Embeddings.Dimension)
	}

	// 5. Retrieval
	indexer := retrieval.NewIndexer(dbClient)
	retriever := retrieval.NewRetriever(dbClient, cfg.Retrieval, embedder, graphService)
	retriever.SetEmbedderDown(!embedderUp)

	// 6. LLM client and streaming infrastructure
	llmClient := llm.NewClient(cfg.Provider)
	publisher := events.NewPublisher(eventService)
	streamer := events.NewStreamer(eventService, jobService, 0)
	connManager := events.NewConnectionManager(
		events.NewEventServiceAdapter(eventService), streamer, 10*time.Second)

	// 7. Worker pool running the research orchestrator
	orchestrator := research.NewOrchestrator(
		cfg, llmClient, embedder, reportService, graphService, indexer, publisher, publicURL)
	pool := queue.NewWorkerPool(podID, jobService, cfg.Queue, orchestrator)
	pool.SetPublisher(publisher)
	pool.SetNotifier(queue.NewNotifier())
	if err := pool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// 8. Retention sweeps
	sweeper := cleanup.NewService(cfg.Session, cfg.Idempotency, sessionService, jobService, eventService)
	sweeper.Start(ctx)

	// 9. MCP dispatcher
	dispatcher := mcp.NewDispatcher(mcp.Deps{
		Config:    cfg,
		Jobs:      jobService,
		Events:    eventService,
		Sessions:  sessionService,
		Reports:   reportService,
		Graph:     graphService,
		Retriever: retriever,
		Indexer:   indexer,
		Pool:      pool,
		PublicURL: publicURL,
	})

	if *stdioMode {
		runStdio(ctx, dispatcher, pool, sweeper, cfg)
		return
	}

	// 10. HTTP server hosting the network transports
	httpServer := api.NewServer(api.Deps{
		Config:          cfg,
		DB:              dbClient,
		Dispatcher:      dispatcher,
		Jobs:            jobService,
		Sessions:        sessionService,
		Streamer:        streamer,
		ConnManager:     connManager,
		Pool:            pool,
		EmbedderHealthy: func() bool { return embedderUp },
		PublicURL:       publicURL,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	slog.Info("Seeker started",
		"port", cfg.Server.Port,
		"mode", cfg.Server.Mode,
		"workers", cfg.Queue.Parallelism)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	shutdown(ctx, cfg, pool, sweeper, func(sctx context.Context) error {
		return httpServer.Shutdown(sctx)
	})
	slog.Info("Shutdown complete")
}

// runStdio serves the launching client until stdin closes, then drains
// the worker pool so in-flight jobs finish.
func runStdio(ctx context.Context, dispatcher *mcp.Dispatcher, pool *queue.WorkerPool, sweeper *cleanup.Service, cfg *config.Config) {
	server := stdio.NewServer(dispatcher)
	if err := server.Run(ctx); err != nil {
		slog.Error("stdio server failed", "error", err)
		shutdown(ctx, cfg, pool, sweeper, nil)
		os.Exit(1)
	}
	shutdown(ctx, cfg, pool, sweeper, nil)
	slog.Info("Shutdown complete")
}

// shutdown drains workers within the graceful budget, stops the
// retention sweeps, and finally closes the HTTP listener when present.
func shutdown(ctx context.Context, cfg *config.Config, pool *queue.WorkerPool, sweeper *cleanup.Service, stopHTTP func(context.Context) error) {
	workerCtx, cancel := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-workerCtx.Done():
		slog.Warn("Worker shutdown timeout exceeded, leases will be reclaimed")
	}

	sweeper.Stop()

	if stopHTTP != nil {
		httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
		defer httpCancel()
		if err := stopHTTP(httpCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		}
	}
}
