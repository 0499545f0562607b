// Package main is the entry point for the API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/llm-mux/llm-mux/internal/config"
	"github.com/llm-mux/llm-mux/internal/contextlimit"
	"github.com/llm-mux/llm-mux/internal/handler"
	"github.com/llm-mux/llm-mux/internal/middleware"
	"github.com/llm-mux/llm-mux/internal/orchestrator"
	"github.com/llm-mux/llm-mux/internal/provider"
	"github.com/llm-mux/llm-mux/internal/store"
	"github.com/llm-mux/llm-mux/pkg/logger"
	"github.com/llm-mux/llm-mux/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting API server")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "llm-mux", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Open the conversation store
	st, err := store.New(cfg.StatePath)
	if err != nil {
		log.Error("failed to open store", zap.Error(err))
		os.Exit(1)
	}

	// Seed provider credentials from the environment when the stored config
	// has none.
	seedConfig(st, cfg)

	// Adapter registry, resolved once at startup
	registry := provider.NewRegistry()

	// Core services
	orch := orchestrator.New(st, registry, log)
	estimator := contextlimit.New()

	// Handlers
	healthHandler := handler.NewHealthHandler(st)
	providerHandler := handler.NewProviderHandler(st)
	folderHandler := handler.NewFolderHandler(st, log)
	chatHandler := handler.NewChatHandler(st, log)
	streamHandler := handler.NewStreamHandler(st, orch, registry, log)
	limitsHandler := handler.NewLimitsHandler(st, estimator)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Get("/providers", providerHandler.Catalog)
		r.Get("/config", providerHandler.GetConfig)
		r.Put("/config", providerHandler.SetConfig)

		r.Get("/folders", folderHandler.List)
		r.Post("/folders", folderHandler.Create)
		r.Patch("/folders/{id}", folderHandler.Update)

		r.Post("/chat/stream", streamHandler.Stream)
		r.Post("/context-limits", limitsHandler.Resolve)

		r.Route("/chats", func(r chi.Router) {
			r.Get("/", chatHandler.List)
			r.Post("/", chatHandler.Create)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", chatHandler.Get)
				r.Patch("/", chatHandler.Update)
				r.Post("/fork", chatHandler.Fork)

				r.Post("/regenerate", streamHandler.Regenerate)
				r.Post("/summarize", streamHandler.Summarize)

				r.Patch("/messages/{messageID}", chatHandler.UpdateMessage)
				r.Patch("/messages/{messageID}/history", chatHandler.SetHistoryIndex)
				r.Post("/messages/{messageID}/edit", chatHandler.EditMessage)
			})
		})
	})

	// Create HTTP server. WriteTimeout stays 0 so long-lived SSE responses
	// are never cut off.
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadTimeout:       cfg.ServerReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       cfg.ServerIdleTimeout,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}

// seedConfig fills missing provider credentials from the environment.
func seedConfig(st *store.Store, cfg *config.Config) {
	stored := st.GetConfig()
	changed := false
	if stored.OpenRouter.APIKey == "" && cfg.OpenRouterAPIKey != "" {
		stored.OpenRouter.APIKey = cfg.OpenRouterAPIKey
		changed = true
	}
	if stored.Anthropic.APIKey == "" && cfg.AnthropicAPIKey != "" {
		stored.Anthropic.APIKey = cfg.AnthropicAPIKey
		changed = true
	}
	// The store always carries an Ollama base URL default, so an explicitly
	// set env var wins over it.
	if cfg.OllamaBaseURL != "" && stored.Ollama.BaseURL != cfg.OllamaBaseURL {
		stored.Ollama.BaseURL = cfg.OllamaBaseURL
		changed = true
	}
	if changed {
		_ = st.SetConfig(stored)
	}
}
