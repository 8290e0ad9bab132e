package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	systemclock "github.com/harvestd/harvestd/internal/clock/system"
	"github.com/harvestd/harvestd/internal/config"
	sha "github.com/harvestd/harvestd/internal/hash/sha256"
	uuidgen "github.com/harvestd/harvestd/internal/id/uuid"
	"github.com/harvestd/harvestd/internal/ingest"
	"github.com/harvestd/harvestd/internal/logging"
	pubmemory "github.com/harvestd/harvestd/internal/publisher/memory"
)

// newSweepCmd creates and configures the 'sweep' subcommand.
func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Runs one document lifecycle sweep and exits",
		Long: `Archives documents whose archive date has passed and deletes
archived documents past their expiry date, then exits. Safe to run
repeatedly; the serve command also sweeps on a timer.`,
		RunE: runSweepCommand,
	}
}

func runSweepCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	docStore, _, closeStores, err := buildStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	pipeline := ingest.New(
		docStore,
		nil,
		pubmemory.New(),
		sha.New(),
		systemclock.New(),
		uuidgen.NewGenerator(),
		cfg.Ingest,
		ingest.OutputConfig{Topic: topicContent},
		logger.Named("ingest"),
	)

	archived, deleted, err := pipeline.SweepLifecycle(ctx)
	if err != nil {
		return fmt.Errorf("lifecycle sweep: %w", err)
	}
	logger.Info("lifecycle sweep complete",
		zap.Int64("archived", archived), zap.Int64("deleted", deleted))
	return nil
}
