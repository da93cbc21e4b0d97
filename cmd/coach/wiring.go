package main

import (
	"context"
	"net/http"

	"github.com/boddenberg/salescoach-bfa-go/internal/config"
	"github.com/boddenberg/salescoach-bfa-go/internal/infra/memstore"
	"github.com/boddenberg/salescoach-bfa-go/internal/infra/observability"
	"github.com/boddenberg/salescoach-bfa-go/internal/infra/resilience"
	"github.com/boddenberg/salescoach-bfa-go/internal/infra/supabase"
	"github.com/boddenberg/salescoach-bfa-go/internal/port"
	"github.com/boddenberg/salescoach-bfa-go/internal/seed"

	"go.uber.org/zap"
)

// loadConfig reads the dotenv file, when present, then the environment.
func loadConfig() (*config.Config, error) {
	_ = config.LoadDotEnv(envFile)
	return config.Load()
}

// openStore builds the configured RemoteStore. The returned func releases it.
func openStore(cfg *config.Config, metrics *observability.Metrics, logger *zap.Logger) (port.RemoteStore, func()) {
	if cfg.StoreBackend == config.BackendSupabase {
		logger.Info("using Supabase as document store", zap.String("supabase_url", cfg.SupabaseURL))

		resilienceCfg := resilience.Config{
			MaxRetries:     cfg.MaxRetries,
			InitialBackoff: cfg.InitialBackoff,
			MaxConcurrency: cfg.MaxConcurrency,
		}
		client := supabase.NewClient(
			&http.Client{Timeout: cfg.HTTPTimeout},
			cfg.SupabaseURL,
			cfg.SupabaseAnonKey,
			cfg.SupabaseServiceKey,
			resilience.NewCircuitBreaker("supabase"),
			resilienceCfg,
			metrics,
			logger,
		)
		store := supabase.NewStore(client, cfg.PollInterval, cfg.CacheTTL, cfg.MaxConcurrency, metrics, logger)
		return store, store.Close
	}

	logger.Warn("using in-memory document store: data is lost on exit")
	store := memstore.New(logger)
	return store, store.Close
}

// loadFixture returns the fixture to seed: SEED_FILE when set, the demo
// tenant for the in-memory store, nothing otherwise.
func loadFixture(cfg *config.Config) (*seed.Fixture, error) {
	switch {
	case cfg.SeedFile != "":
		return seed.Load(cfg.SeedFile)
	case cfg.StoreBackend == config.BackendMemory:
		return seed.Demo()
	}
	return nil, nil
}

func applyFixture(ctx context.Context, cfg *config.Config, store port.RemoteStore, enroller port.CredentialEnroller, logger *zap.Logger) error {
	fx, err := loadFixture(cfg)
	if err != nil || fx == nil {
		return err
	}
	return seed.Apply(ctx, store, enroller, fx, logger)
}
