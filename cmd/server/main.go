package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openweave/weave/internal/artifacts"
	"github.com/openweave/weave/internal/auth"
	"github.com/openweave/weave/internal/config"
	"github.com/openweave/weave/internal/database"
	"github.com/openweave/weave/internal/llm"
	"github.com/openweave/weave/internal/middleware"
	"github.com/openweave/weave/internal/workflow/agent"
	"github.com/openweave/weave/internal/workflow/depgraph"
	"github.com/openweave/weave/internal/workflow/engine"
	"github.com/openweave/weave/internal/workflow/repo"
	"github.com/openweave/weave/internal/workflow/router"
	"github.com/openweave/weave/internal/workflow/service"
	"github.com/openweave/weave/internal/workflow/subdivision"
	"github.com/openweave/weave/internal/workflow/wfcontext"
)

func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	slog.Info("configuration loaded successfully",
		"db_host", cfg.Database.Host,
		"db_port", cfg.Database.Port,
		"db_name", cfg.Database.Name,
		"db_sslmode", cfg.Database.SSLMode,
	)

	slog.Info("server configuration",
		"port", cfg.Server.Port,
		"llm_base_url", cfg.LLM.BaseURL,
		"storage_type", cfg.Storage.Type,
	)

	// Initialize database connection
	db, err := database.New(&cfg.Database)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer func() {
		if err := database.Close(db); err != nil {
			slog.Error("failed to close database", "error", err)
		}
	}()

	if err := database.HealthCheck(db); err != nil {
		log.Fatalf("database health check failed: %v", err)
	}

	// Repositories
	workflowRepo := repo.NewWorkflowRepository(db)
	instanceRepo := repo.NewInstanceRepository(db)
	taskRepo := repo.NewTaskRepository(db)
	processorRepo := repo.NewProcessorRepository(db)
	simulatorRepo := repo.NewSimulatorRepository(db)
	subdivisionRepo := repo.NewSubdivisionRepository(db)
	cascadeRepo := repo.NewCascadeRepository(db)

	// Artifact storage
	storageDriver, err := artifacts.NewDriverFromConfig(context.Background(), cfg.Storage)
	if err != nil {
		log.Fatalf("failed to initialize artifact storage: %v", err)
	}
	artifactSvc := artifacts.NewService(storageDriver, cfg.Storage.SpillThresholdBytes)

	// Model-backed task execution
	llmClient := llm.NewClient(llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Timeout:     time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
		MaxAttempts: cfg.LLM.MaxAttempts,
	})
	agentSvc, err := agent.NewService(llmClient, simulatorRepo, agent.Config{
		AgentModel:  cfg.LLM.AgentModel,
		WeakModel:   cfg.LLM.WeakModel,
		StrongModel: cfg.LLM.StrongModel,
		MaxRounds:   cfg.LLM.MaxConsultRounds,
	})
	if err != nil {
		log.Fatalf("failed to initialize agent service: %v", err)
	}

	// Runtime state and execution engine. The task service reports node
	// completion into the context manager, which feeds ready nodes back to
	// the engine.
	contexts := wfcontext.NewManager(instanceRepo, depgraph.NewManager())
	taskSvc := service.NewTaskService(taskRepo, instanceRepo, contexts, simulatorRepo)
	eng := engine.NewEngine(workflowRepo, instanceRepo, taskRepo, processorRepo, contexts, agentSvc, taskSvc)
	subdivisionSvc := subdivision.NewService(taskRepo, subdivisionRepo, workflowRepo, eng, cascadeRepo)

	// HTTP surface
	mux := http.NewServeMux()
	router.Register(mux,
		router.NewInstanceRouter(eng),
		router.NewTaskRouter(taskSvc, artifactSvc),
		router.NewSubdivisionRouter(subdivisionSvc),
		func() error { return database.HealthCheck(db) },
	)

	handler := middleware.CORS(&cfg.CORS)(auth.Middleware()(mux))

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler,
	}

	// Channel to listen for interrupt signals
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("failed to start server", "error", err)
			quit <- syscall.SIGTERM
		}
	}()

	<-quit
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	} else {
		slog.Info("server gracefully stopped")
	}

	slog.Info("server stopped")
}
