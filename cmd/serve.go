package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	gcstorage "cloud.google.com/go/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/harvestd/harvestd/internal/accounts"
	"github.com/harvestd/harvestd/internal/api"
	systemclock "github.com/harvestd/harvestd/internal/clock/system"
	"github.com/harvestd/harvestd/internal/config"
	"github.com/harvestd/harvestd/internal/dispatcher"
	collyfetcher "github.com/harvestd/harvestd/internal/fetcher/colly"
	headlessfetcher "github.com/harvestd/harvestd/internal/fetcher/headless"
	"github.com/harvestd/harvestd/internal/harvest"
	sha "github.com/harvestd/harvestd/internal/hash/sha256"
	uuidgen "github.com/harvestd/harvestd/internal/id/uuid"
	"github.com/harvestd/harvestd/internal/ingest"
	"github.com/harvestd/harvestd/internal/logging"
	"github.com/harvestd/harvestd/internal/metrics"
	"github.com/harvestd/harvestd/internal/orchestrator"
	"github.com/harvestd/harvestd/internal/pacing"
	"github.com/harvestd/harvestd/internal/platform"
	pubmemory "github.com/harvestd/harvestd/internal/publisher/memory"
	pubsubpublisher "github.com/harvestd/harvestd/internal/publisher/pubsub"
	queuememory "github.com/harvestd/harvestd/internal/queue/memory"
	queuepubsub "github.com/harvestd/harvestd/internal/queue/pubsub"
	"github.com/harvestd/harvestd/internal/scheduler"
	"github.com/harvestd/harvestd/internal/storage/gcs"
	"github.com/harvestd/harvestd/internal/storage/local"
	storememory "github.com/harvestd/harvestd/internal/storage/memory"
	"github.com/harvestd/harvestd/internal/storage/postgres"
	"github.com/harvestd/harvestd/internal/worker"
)

// Logical event topics resolved by the publisher.
const (
	topicContent = "content"
	topicStatus  = "status"
)

// newServeCmd creates and configures the 'serve' subcommand.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the crawl workers and the ops HTTP server",
		Long: `Starts the full engine: task queue consumption, the account pool,
the crawl workers and the operational HTTP surface. Backends are chosen
from configuration; unset backends degrade to in-memory equivalents.`,
		RunE: runServeCommand,
	}
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := systemclock.New()

	docStore, acctStore, closeStores, err := buildStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	blobs, closeBlobs, err := buildBlobStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBlobs()

	publisher, taskQueue, closeMessaging, err := buildMessaging(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeMessaging()

	sessions, closeSessions, err := buildSessions(cfg)
	if err != nil {
		return err
	}
	defer closeSessions()

	prober := platform.NewProber(cfg.Platform.BaseURL, cfg.Platform.ProbePath, 10*time.Second)
	pool := accounts.NewPool(acctStore, prober, clock, cfg.Accounts, logger.Named("accounts"))
	pool.Refresh(ctx)

	limiter := pacing.NewLimiter(cfg.Pacing)
	pipeline := ingest.New(
		docStore,
		blobs,
		publisher,
		sha.New(),
		clock,
		uuidgen.NewGenerator(),
		cfg.Ingest,
		ingest.OutputConfig{
			Topic:       topicContent,
			BlobPrefix:  cfg.Storage.Prefix,
			ContentType: cfg.Storage.ContentType,
		},
		logger.Named("ingest"),
	)

	urls := platform.NewURLs(cfg.Platform.BaseURL)
	probeFetcher := collyfetcher.New(collyfetcher.Config{UserAgent: cfg.Pacing.UserAgent})
	harvester := platform.NewHarvester(probeFetcher, limiter, pipeline, blobs, urls, logger.Named("harvester"))

	sched := scheduler.New(
		pool,
		sessions,
		limiter,
		pipeline,
		platform.NewParser(),
		docStore,
		taskQueue,
		publisher,
		clock,
		urls,
		cfg.Scheduler,
		cfg.Worker.SourceType,
		topicStatus,
		accounts.StrategyHealthBased,
		logger.Named("scheduler"),
	)
	orch := orchestrator.New(sched, harvester, clock, cfg.Orchestrator, logger.Named("orchestrator"))

	workers := make([]*worker.Worker, 0, cfg.Worker.Concurrency)
	for i := 0; i < cfg.Worker.Concurrency; i++ {
		workers = append(workers, worker.New(taskQueue, orch, clock,
			logger.Named("worker").With(zap.Int("index", i))))
	}
	disp := dispatcher.New(taskQueue, workers)

	apiServer := api.NewServer(disp, pool, pipeline, clock, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("dispatcher started", zap.Int("workers", cfg.Worker.Concurrency))
		disp.Run(ctx)
	}()
	go runSweepLoop(ctx, pipeline, logger.Named("sweep"))
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

// buildStores selects Postgres-backed stores when a DSN is configured
// and in-memory stores seeded from the bootstrap accounts otherwise.
func buildStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (harvest.DocumentStore, harvest.AccountStore, func(), error) {
	if cfg.DB.DSN == "" {
		logger.Warn("db.dsn not configured, using in-memory stores")
		accountStore := storememory.NewAccountStore(bootstrapAccounts(cfg.Accounts.Bootstrap)...)
		return storememory.NewDocumentStore(), accountStore, func() {}, nil
	}
	docs, accts, err := postgres.NewStores(ctx, postgres.DocumentStoreConfig{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
		MinConns: cfg.DB.MinConns,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init postgres stores: %w", err)
	}
	return docs, accts, docs.Close, nil
}

func bootstrapAccounts(seed []config.BootstrapAccount) []harvest.Account {
	out := make([]harvest.Account, 0, len(seed))
	for _, a := range seed {
		out = append(out, harvest.Account{
			ID:          a.ID,
			Credentials: a.Credentials,
			Status:      harvest.AccountStatusActive,
			HealthScore: 100,
			Priority:    a.Priority,
		})
	}
	return out
}

func buildBlobStore(ctx context.Context, cfg config.Config) (harvest.BlobStore, func(), error) {
	switch cfg.Storage.Provider {
	case "gcs":
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("init gcs client: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.Storage.GCSBucket})
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("init gcs blob store: %w", err)
		}
		return store, func() { _ = client.Close() }, nil
	case "local":
		if err := os.MkdirAll(cfg.Storage.LocalDir, 0o750); err != nil {
			return nil, nil, fmt.Errorf("create blob dir: %w", err)
		}
		store, err := local.New(local.Config{BaseDir: cfg.Storage.LocalDir})
		if err != nil {
			return nil, nil, fmt.Errorf("init local blob store: %w", err)
		}
		return store, func() {}, nil
	default:
		return storememory.NewBlobStore(), func() {}, nil
	}
}

// buildMessaging selects Pub/Sub when a project is configured and the
// in-memory queue and publisher otherwise.
func buildMessaging(ctx context.Context, cfg config.Config, logger *zap.Logger) (harvest.Publisher, harvest.TaskQueue, func(), error) {
	if cfg.PubSub.ProjectID == "" {
		logger.Warn("pubsub.project_id not configured, using in-memory messaging")
		q := queuememory.NewQueue(cfg.Worker.QueueDepth)
		return pubmemory.New(), q, q.Close, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init pubsub client: %w", err)
	}
	pub := pubsubpublisher.New(client, map[string]string{
		topicContent: cfg.PubSub.ContentTopic,
		topicStatus:  cfg.PubSub.StatusTopic,
	})
	q := queuepubsub.NewQueue(client, cfg.PubSub.TaskTopic, cfg.PubSub.TaskSubscription,
		cfg.Worker.QueueDepth, logger.Named("queue"))
	q.Start(ctx)
	return pub, q, func() { _ = client.Close() }, nil
}

func buildSessions(cfg config.Config) (harvest.SessionFactory, func(), error) {
	if !cfg.Headless.Enabled {
		return platform.NewHTTPSessions(cfg.Pacing.UserAgent, 15*time.Second), func() {}, nil
	}
	userAgent := cfg.Headless.UserAgent
	if userAgent == "" {
		userAgent = cfg.Pacing.UserAgent
	}
	factory, err := headlessfetcher.NewFactory(headlessfetcher.Config{
		MaxParallel:       cfg.Headless.MaxParallel,
		UserAgent:         userAgent,
		NavigationTimeout: cfg.Headless.NavTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init headless sessions: %w", err)
	}
	return factory, factory.Close, nil
}

// runSweepLoop periodically archives past-due documents and deletes
// expired ones. The sweep is idempotent, so the interval is not
// load-bearing.
func runSweepLoop(ctx context.Context, pipeline *ingest.Pipeline, logger *zap.Logger) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			archived, deleted, err := pipeline.SweepLifecycle(ctx)
			if err != nil {
				logger.Warn("lifecycle sweep failed", zap.Error(err))
				continue
			}
			logger.Info("lifecycle sweep complete",
				zap.Int64("archived", archived), zap.Int64("deleted", deleted))
		}
	}
}
