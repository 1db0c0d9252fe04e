// Package main is the entry point for the API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mindful-ai/companion/internal/app"
	"github.com/mindful-ai/companion/internal/config"
	"github.com/mindful-ai/companion/internal/handler"
	"github.com/mindful-ai/companion/internal/service"
	"github.com/mindful-ai/companion/pkg/logger"
	"github.com/mindful-ai/companion/pkg/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting API server", zap.String("store", cfg.StoreBackend), zap.String("llm_provider", cfg.LLMProvider))

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "companion", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	conversations, closeStore, err := app.NewStore(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open store", zap.Error(err))
		return err
	}
	defer closeStore()

	llmClient, err := app.NewLLM(cfg, log)
	if err != nil {
		log.Error("failed to create LLM client", zap.Error(err))
		return err
	}

	registry := service.NewSessionRegistry(conversations, llmClient, app.ServiceOptions(cfg), log)

	evictCtx, stopEviction := context.WithCancel(ctx)
	defer stopEviction()
	if cfg.SessionIdleTTL > 0 {
		go registry.RunEviction(evictCtx, cfg.SessionIdleTTL/2, cfg.SessionIdleTTL)
	}

	if cfg.AuthDisabled {
		log.Warn("authentication disabled, all requests share the anonymous owner")
	}

	server := &http.Server{
		Addr: ":" + cfg.ServerPort,
		Handler: handler.NewRouter(handler.RouterConfig{
			Registry:          registry,
			Store:             conversations,
			Logger:            log,
			JWTSecret:         cfg.JWTSecret,
			AuthDisabled:      cfg.AuthDisabled,
			AllowedOrigins:    cfg.CORSAllowedOrigins,
			RateLimitRequests: cfg.RateLimitRequests,
			RateLimitWindow:   cfg.RateLimitWindow,
		}),
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		log.Error("server error", zap.Error(err))
		return err
	}

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	if err := registry.Wait(shutdownCtx); err != nil {
		log.Warn("pending writes not flushed", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}
