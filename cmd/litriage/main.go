package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/wenlab/litriage/internal/config"
	"github.com/wenlab/litriage/internal/gemini"
	"github.com/wenlab/litriage/internal/httpapi"
	"github.com/wenlab/litriage/internal/observability"
	"github.com/wenlab/litriage/internal/project"
	"github.com/wenlab/litriage/internal/suggest"
	"github.com/wenlab/litriage/internal/tasks"
)

func main() {
	// A missing .env is normal in production; environment variables win.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()

	var history tasks.Store
	if cfg.DatabaseURL != "" {
		store, err := tasks.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("task history store init failed: %v", err)
		}
		defer store.Close()
		history = store
		log.Printf("task history: postgres")
	} else {
		log.Printf("task history: disabled (DATABASE_URL not set)")
	}

	projects := project.NewStore(cfg.ProjectsYAML)

	var model suggest.ChatModel
	if cfg.GeminiAPIKey != "" {
		client, err := gemini.NewClient(ctx, cfg.GeminiAPIKey)
		if err != nil {
			log.Fatalf("gemini client init failed: %v", err)
		}
		model = client
		log.Printf("chat model: gemini")
	} else {
		model = gemini.Disabled{}
		log.Printf("chat model: disabled (GEMINI_API_KEY not set)")
	}

	taskManager := tasks.NewManager()
	if history != nil {
		taskManager.SetStore(history)
	}
	taskManager.SetDropHook(func() {
		metrics.DroppedEvents.Inc()
	})
	taskManager.SetFinishHook(func(stage string, status tasks.Status) {
		metrics.TasksFinished.WithLabelValues(stage, string(status)).Inc()
		metrics.RunningTasks.Dec()
	})

	suggestManager := suggest.NewManager(projects, model)

	api := httpapi.New(cfg, taskManager, suggestManager, projects, history, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s (scripts root %s)", cfg.BindAddr, cfg.ScriptsRoot)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
