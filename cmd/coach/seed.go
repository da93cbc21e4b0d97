package main

import (
	"fmt"

	"github.com/boddenberg/salescoach-bfa-go/internal/config"
	"github.com/boddenberg/salescoach-bfa-go/internal/infra/observability"
	"github.com/boddenberg/salescoach-bfa-go/internal/seed"

	"github.com/spf13/cobra"
)

var seedFile string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Write a fixture's profiles and documents to the configured store",
	Long: "seed validates a YAML fixture and writes it to the Supabase store. " +
		"Credentials are not persisted: serve enrolls them from SEED_FILE at startup.",
	RunE: runSeed,
}

func init() {
	seedCmd.Flags().StringVarP(&seedFile, "file", "f", "", "fixture file (default: the built-in demo tenant)")
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	var fx *seed.Fixture
	if seedFile != "" {
		fx, err = seed.Load(seedFile)
	} else {
		fx, err = seed.Demo()
	}
	if err != nil {
		return err
	}

	if cfg.StoreBackend != config.BackendSupabase {
		fmt.Fprintf(cmd.OutOrStdout(), "fixture valid: %d users, %d documents (memory store: nothing written)\n",
			len(fx.Users), len(fx.Documents))
		return nil
	}

	store, closeStore := openStore(cfg, observability.NewMetrics(), logger)
	defer closeStore()
	if err := seed.Apply(cmd.Context(), store, nil, fx, logger); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "seeded %d users and %d documents\n", len(fx.Users), len(fx.Documents))
	return nil
}
