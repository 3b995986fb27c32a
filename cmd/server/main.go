// Cantor - Bach tutor conversation memory server
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/cantor/internal/api"
	"github.com/ashureev/cantor/internal/config"
	"github.com/ashureev/cantor/internal/convlog"
	"github.com/ashureev/cantor/internal/llm"
	"github.com/ashureev/cantor/internal/memory"
	"github.com/ashureev/cantor/internal/store"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "store", cfg.StoreBackend, "mock_ai", cfg.Model.Mock)

	// Initialize dependencies.
	conversations, err := openStore(context.Background(), cfg)
	if err != nil {
		slog.Error("Failed to initialize conversation store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := conversations.Close(); closeErr != nil {
			slog.Error("Failed to close conversation store", "error", closeErr)
		}
	}()

	if err := conversations.Ping(context.Background()); err != nil {
		slog.Error("Conversation store health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Conversation store connected", "backend", cfg.StoreBackend)

	var runner llm.Runner
	if !cfg.Model.Mock {
		runner = llm.NewWorkersAIClient(llm.WorkersAIConfig{
			BaseURL:   cfg.Model.BaseURL,
			AccountID: cfg.Model.AccountID,
			APIToken:  cfg.Model.APIToken,
			Timeout:   cfg.Model.Timeout,
		}, logger)
		slog.Info("Workers AI client initialized", "model", cfg.Model.Name)
	} else {
		slog.Info("AI calls disabled, serving mock replies (MOCK_AI=true)")
	}

	transcript, err := convlog.New(convlog.Config{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := transcript.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	registry, err := memory.NewRegistry(memory.Options{
		Store:  conversations,
		Runner: runner,
		Settings: memory.Settings{
			Model:        cfg.Model.Name,
			Persona:      cfg.Model.Persona,
			HistoryLimit: cfg.Model.HistoryLimit,
			Temperature:  cfg.Model.Temperature,
			MaxTokens:    cfg.Model.MaxTokens,
			Mock:         cfg.Model.Mock,
		},
		IdleTTL:    cfg.SessionIdleTTL,
		Logger:     logger,
		Transcript: transcript,
	})
	if err != nil {
		slog.Error("Failed to initialize conversation registry", "error", err)
		os.Exit(1)
	}

	// Setup router.
	r := api.NewRouter(api.Routes{
		Chat:      api.NewChatHandler(registry),
		Health:    api.NewHealthHandler(conversations, registry.Len),
		WebSocket: api.NewWebSocketHandler(registry, cfg.FrontendURL, cfg.IsDevelopment()),
	})

	// Create server.
	// WriteTimeout covers the model call; WebSocket connections are hijacked
	// and not subject to it.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.Model.Timeout + 15*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start session sweeper.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry.StartSweeper(ctx)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	// Drain in-flight turns before the store closes.
	registry.Close()

	slog.Info("Server stopped successfully")
}

// openStore selects the conversation store named by STORE_BACKEND.
func openStore(ctx context.Context, cfg *config.Config) (store.ConversationStore, error) {
	switch cfg.StoreBackend {
	case config.StoreSQLite:
		return store.NewSQLite(cfg.DBPath)
	case config.StoreRedis:
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return store.DialRedis(dialCtx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, store.RedisStoreConfig{
			Prefix: cfg.Redis.KeyPrefix,
			TTL:    cfg.Redis.TTL,
		})
	case config.StorePostgres:
		return store.NewPostgres(ctx, cfg.DatabaseURL)
	case config.StoreMemory:
		slog.Warn("Using in-memory conversation store, history is lost on restart")
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
