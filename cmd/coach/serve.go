package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/boddenberg/salescoach-bfa-go/internal/handler"
	"github.com/boddenberg/salescoach-bfa-go/internal/infra/devauth"
	"github.com/boddenberg/salescoach-bfa-go/internal/infra/observability"
	"github.com/boddenberg/salescoach-bfa-go/internal/service"
	"github.com/boddenberg/salescoach-bfa-go/internal/session"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.String("store_backend", cfg.StoreBackend),
		zap.Duration("poll_interval", cfg.PollInterval),
		zap.Duration("http_timeout", cfg.HTTPTimeout),
		zap.Duration("cache_ttl", cfg.CacheTTL),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Duration("initial_backoff", cfg.InitialBackoff),
		zap.Duration("jwt_access_ttl", cfg.JWTAccessTTL),
		zap.Duration("session_idle_ttl", cfg.SessionIdleTTL),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Tracing ---
	shutdownTracer, err := observability.InitTracer(ctx, cfg.OTLPEndpoint, "salescoach-bfa", cfg.OTelEnabled)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdownTracer(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Store and auth ---
	store, closeStore := openStore(cfg, metrics, logger)
	defer closeStore()

	auth := devauth.New(cfg.JWTSecret, cfg.JWTAccessTTL, cfg.ResetLinkBaseURL, logger)
	if err := applyFixture(ctx, cfg, store, auth, logger); err != nil {
		return fmt.Errorf("seed: %w", err)
	}

	// --- Sessions and services ---
	sessions := session.NewManager(store, auth, metrics, logger, cfg.SessionIdleTTL)
	defer sessions.Shutdown()
	members := service.NewMemberService(store, auth, metrics, logger)

	// --- Server ---
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     handler.NewRouter(sessions, members, auth, store, metrics, logger),
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: /v1/session/stream holds its response open.
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sessions.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("server shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		return err
	}
	logger.Info("server stopped")
	return nil
}
