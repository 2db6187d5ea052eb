// wsproxy - intercepting WebSocket reverse proxy
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fransiscuss/wsproxy/internal/api"
	"github.com/fransiscuss/wsproxy/internal/config"
	"github.com/fransiscuss/wsproxy/internal/middleware"
	"github.com/fransiscuss/wsproxy/internal/proxy"
	"github.com/fransiscuss/wsproxy/internal/session"
	"github.com/fransiscuss/wsproxy/internal/store"
	"github.com/fransiscuss/wsproxy/internal/telemetry"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
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

	slog.Info("Starting proxy", "port", cfg.Port)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	// Initialize services.
	bus := telemetry.NewBus(cfg.Telemetry.QueueSize, cfg.Telemetry.WriteTimeout)
	mgr := session.NewManager(repo, repo, bus, cfg)

	// Initialize handlers.
	wsHandler := proxy.NewHandler(repo, mgr, cfg)
	opsHandler := telemetry.NewHandler(bus, mgr, repo)
	apiHandler := api.NewHandler(mgr)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Operational API.
	apiHandler.RegisterRoutes(r)

	// Data plane.
	r.Get("/ws", wsHandler.ServeInvalidPath)
	r.Get("/ws/", wsHandler.ServeInvalidPath)
	r.Get("/ws/{endpointID}", wsHandler.ServeHTTP)

	// Telemetry subscriber channel.
	r.Get("/ops", opsHandler.ServeHTTP)

	// Create server.
	// Note: WebSocket connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  0,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start reaper.
	mgr.StartReaper(ctx)

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

	// Drain order: listener first, then subscribers, then live sessions.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	bus.Shutdown()
	mgr.Shutdown(shutdownCtx)

	slog.Info("Server stopped successfully")
}
