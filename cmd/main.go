/*
Package main is the entry point for the meetmesh signaling server.

It loads configuration, initializes the global logger, opens the configured membership
store, and runs the HTTP/WebSocket server alongside the idle-meeting sweeper until an
interrupt (SIGINT, SIGTERM) triggers a graceful shutdown.
*/
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

	"golang.org/x/sync/errgroup"

	"meetmesh/internal/app/db"
	"meetmesh/internal/app/meeting"
	"meetmesh/internal/app/presence"
	"meetmesh/internal/app/relay"
	"meetmesh/internal/app/storage"
	"meetmesh/internal/configs"
	"meetmesh/internal/handler"
	"meetmesh/internal/pkg/logx"
	"meetmesh/internal/pkg/pow"
)

func main() {
	// Load configuration from environment variables (and .env when present)
	cfg, err := configs.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logx.InitGlobalLogger(cfg.IsDevelopment())
	logx.Logger().Info().
		Str("environment", cfg.Environment).
		Int("port", cfg.Port).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Int("pow_difficulty", cfg.PowDifficulty).
		Str("store_backend", cfg.StoreBackend).
		Dur("meeting_retention", cfg.MeetingRetention).
		Msg("Configuration loaded successfully")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logx.Fatal(err, "Failed to open membership store", "backend", cfg.StoreBackend)
	}
	defer closeStore()

	registry := presence.NewRegistry()
	rl := relay.New(ctx, registry)

	meetings := meeting.NewService(store, meeting.RetryPolicy{MaxRetries: cfg.JoinMaxRetries})
	sweeper := meeting.NewSweeper(store, registry, cfg.SweepInterval, cfg.MeetingRetention)

	deps := &handler.AppDeps{
		Config:   cfg,
		Relay:    rl,
		Registry: registry,
		Meetings: meetings,
		Pow:      pow.NewManager(ctx, cfg.PowDifficulty),
	}

	serverAddr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      handler.Router(ctx, deps),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logx.Info(fmt.Sprintf("meetmesh signaling server starting on http://localhost%s", serverAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return sweeper.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logx.Info("Received shutdown signal. Starting graceful shutdown...")

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()

		rl.Shutdown()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logx.Error(err, "Server stopped with error")
		closeStore()
		os.Exit(1)
	}

	logx.Info("Server gracefully stopped.")
}

// openStore returns the membership store selected by STORE_BACKEND and its release func.
func openStore(ctx context.Context, cfg *configs.AppConfig) (meeting.Store, func(), error) {
	switch cfg.StoreBackend {
	case configs.BackendPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseDSN)
		if err != nil {
			return nil, nil, err
		}
		return db.NewStore(pool), pool.Close, nil

	case configs.BackendS3:
		s, err := storage.NewMeetingStore(ctx, storage.ServiceConfig{
			S3BucketName:      cfg.S3BucketName,
			S3Endpoint:        cfg.S3Endpoint,
			S3AccessKeyID:     cfg.S3AccessKeyID,
			S3SecretAccessKey: cfg.S3SecretAccessKey,
			S3Prefix:          cfg.S3Prefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil

	default:
		return meeting.NewMemoryStore(), func() {}, nil
	}
}
