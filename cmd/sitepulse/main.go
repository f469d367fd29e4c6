// Package main wires together the sitepulse scan service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	gcpPubsub "cloud.google.com/go/pubsub"
	gcpStorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/sitepulse/sitepulse/internal/analyzer"
	"github.com/sitepulse/sitepulse/internal/api"
	"github.com/sitepulse/sitepulse/internal/archive"
	"github.com/sitepulse/sitepulse/internal/cache"
	"github.com/sitepulse/sitepulse/internal/clock/system"
	"github.com/sitepulse/sitepulse/internal/config"
	"github.com/sitepulse/sitepulse/internal/events"
	"github.com/sitepulse/sitepulse/internal/events/sinks"
	headlessfetcher "github.com/sitepulse/sitepulse/internal/fetcher/headless"
	"github.com/sitepulse/sitepulse/internal/fetcher/probe"
	"github.com/sitepulse/sitepulse/internal/fetcher/throttled"
	"github.com/sitepulse/sitepulse/internal/hash/sha256"
	"github.com/sitepulse/sitepulse/internal/headless/detector"
	"github.com/sitepulse/sitepulse/internal/hostqueue"
	"github.com/sitepulse/sitepulse/internal/id/uuid"
	"github.com/sitepulse/sitepulse/internal/logging"
	"github.com/sitepulse/sitepulse/internal/metrics"
	pubsubpublisher "github.com/sitepulse/sitepulse/internal/publisher/pubsub"
	"github.com/sitepulse/sitepulse/internal/scan"
	"github.com/sitepulse/sitepulse/internal/storage/gcs"
	"github.com/sitepulse/sitepulse/internal/storage/local"
	memoryStorage "github.com/sitepulse/sitepulse/internal/storage/memory"
	"github.com/sitepulse/sitepulse/internal/storage/postgres"
	redisStorage "github.com/sitepulse/sitepulse/internal/storage/redis"
	"github.com/sitepulse/sitepulse/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	hasher := sha256.New()
	idGen := uuid.New()

	// Persistence: Postgres when a DSN is configured, in-memory otherwise.
	var store scan.Store
	var pgStore *postgres.ScanStore
	if cfg.DB.DSN != "" {
		pgStore, err = postgres.NewScanStore(ctx, postgres.ScanStoreConfig{
			DSN:             cfg.DB.DSN,
			MaxConns:        int32(cfg.DB.MaxConns),
			MinConns:        int32(cfg.DB.MinConns),
			MaxConnLifetime: time.Duration(cfg.DB.ConnLifetimeMin) * time.Minute,
		}, clock, idGen)
		if err != nil {
			logger.Fatal("postgres init failed", zap.Error(err))
		}
		defer pgStore.Close()
		if err := pgStore.EnsureSchema(ctx); err != nil {
			logger.Fatal("postgres schema migration failed", zap.Error(err))
		}
		store = pgStore
	} else {
		logger.Warn("no database DSN configured, using in-memory store")
		store = memoryStorage.NewScanStore(clock, idGen)
	}

	// Durable cache tier: Redis first, then Postgres, else in-process only.
	var durable scan.DurableCache
	var pgCache *postgres.CacheStore
	switch {
	case cfg.Redis.Addr != "":
		redisCache := redisStorage.NewCacheStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, clock)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Fatal("redis ping failed", zap.Error(err))
		}
		defer func() {
			if err := redisCache.Close(); err != nil {
				logger.Warn("redis close failed", zap.Error(err))
			}
		}()
		durable = redisCache
	case pgStore != nil:
		pgCache, err = postgres.NewCacheStoreWithPool(pgStore.DB(), clock)
		if err != nil {
			logger.Fatal("cache store init failed", zap.Error(err))
		}
		if err := pgCache.EnsureSchema(ctx); err != nil {
			logger.Fatal("cache schema migration failed", zap.Error(err))
		}
		durable = pgCache
	}

	resultCache := cache.New(cache.Config{
		Capacity:      cfg.Cache.Capacity,
		SuccessTTL:    cfg.Cache.SuccessTTL(),
		FailureTTL:    cfg.Cache.FailureTTL(),
		SchemaVersion: cfg.Cache.SchemaVersion,
	}, clock, hasher, durable, logger.Named("cache"))

	queue := hostqueue.New(hostqueue.Config{
		Concurrency: cfg.Queue.Concurrency,
		JobTimeout:  cfg.Queue.JobTimeout(),
		PerHostRPS:  cfg.Queue.PerHostRPS,
	}, logger.Named("hostqueue"))

	probeFetcher := probe.New(probe.Config{
		UserAgent: cfg.Fetcher.UserAgent,
		Timeout:   time.Duration(cfg.Fetcher.TimeoutSeconds) * time.Second,
	})
	var renderer scan.Fetcher
	if cfg.Headless.Enabled {
		chromedpFetcher, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Fetcher.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			logger.Warn("headless fetcher init failed", zap.Error(err))
		} else {
			renderer = throttled.New(queue, chromedpFetcher)
		}
	}

	archiver := buildArchiver(ctx, cfg, hasher, logger)
	detect := detector.NewHeuristic(cfg.Headless.PromotionThresh)

	registry := analyzer.Registry{
		Tech:   analyzer.NewTech(probeFetcher, renderer, detect, archiver, clock, logger.Named("tech")),
		Colors: analyzer.NewColors(probeFetcher, renderer, clock, logger.Named("colors")),
		SEO:    analyzer.NewSEO(probeFetcher, clock),
		Perf:   analyzer.NewPerf(probeFetcher, renderer, clock),
	}

	eventSinks := []events.Sink{
		sinks.NewLogSink(logger.Named("events")),
		sinks.NewMetricsSink(),
	}
	if cfg.Events.PubSubTopic != "" {
		client, err := gcpPubsub.NewClient(ctx, cfg.Events.PubSubProjectID)
		if err != nil {
			logger.Fatal("pubsub client init failed", zap.Error(err))
		}
		publisher := pubsubpublisher.New(client)
		defer publisher.Close()
		eventSinks = append(eventSinks,
			sinks.NewPublisherSink(publisher, cfg.Events.PubSubTopic, logger.Named("publisher")))
	}
	hub := events.NewHub(events.Config{
		BufferSize:     cfg.Events.BufferSize,
		MaxBatchEvents: cfg.Events.MaxBatchEvents,
		MaxBatchWait:   time.Duration(cfg.Events.MaxBatchWaitMs) * time.Millisecond,
		Logger:         logger.Named("events"),
	}, eventSinks...)

	workerCfg := worker.Config{
		PollInterval: cfg.Worker.PollInterval(),
		FaultBackoff: cfg.Worker.FaultBackoff(),
		TaskTimeout:  cfg.Worker.TaskTimeout(),
	}
	var wg sync.WaitGroup
	for i := 0; i < cfg.Worker.Count; i++ {
		w := worker.New(store, resultCache, registry, clock, hub, workerCfg,
			logger.Named("worker").With(zap.Int("index", i)))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				logger.Error("worker exited", zap.Error(err))
			}
		}()
	}

	go reportQueueGauges(ctx, queue)
	if pgCache != nil {
		go pruneDurableCache(ctx, pgCache, cfg.Cache.PrunePeriod(), logger)
	}

	apiServer := api.NewServer(store, queue, resultCache, clock, hub, logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
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
	wg.Wait()
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Error("event hub close error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// buildArchiver selects the page-archive backend. A nil-blob recorder
// is valid and simply disables archiving.
func buildArchiver(ctx context.Context, cfg config.Config, hasher scan.Hasher, logger *zap.Logger) *archive.Recorder {
	switch cfg.Archive.Backend {
	case "local":
		blobs, err := local.New(local.Config{BaseDir: cfg.Archive.LocalDir})
		if err != nil {
			logger.Warn("local archive init failed", zap.Error(err))
			return archive.New(nil, hasher, logger)
		}
		return archive.New(blobs, hasher, logger.Named("archive"))
	case "gcs":
		client, err := gcpStorage.NewClient(ctx)
		if err != nil {
			logger.Warn("gcs client init failed", zap.Error(err))
			return archive.New(nil, hasher, logger)
		}
		blobs, err := gcs.New(client, gcs.Config{Bucket: cfg.Archive.GCSBucket})
		if err != nil {
			logger.Warn("gcs archive init failed", zap.Error(err))
			return archive.New(nil, hasher, logger)
		}
		return archive.New(blobs, hasher, logger.Named("archive"))
	default:
		return archive.New(nil, hasher, logger)
	}
}

func reportQueueGauges(ctx context.Context, queue *hostqueue.Queue) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := queue.Stats()
			metrics.SetQueueGauges(len(stats.ActiveHosts), stats.QueueSize)
		}
	}
}

func pruneDurableCache(ctx context.Context, store *postgres.CacheStore, period time.Duration, logger *zap.Logger) {
	if period <= 0 {
		period = time.Hour
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := store.PruneExpired(ctx)
			if err != nil {
				logger.Warn("cache prune failed", zap.Error(err))
				continue
			}
			if pruned > 0 {
				logger.Debug("pruned expired cache entries", zap.Int64("count", pruned))
			}
		}
	}
}
