package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-logwatch/internal/alerts"
	"github.com/miradorstack/mirador-logwatch/internal/api"
	"github.com/miradorstack/mirador-logwatch/internal/cache"
	"github.com/miradorstack/mirador-logwatch/internal/config"
	"github.com/miradorstack/mirador-logwatch/internal/engine"
	"github.com/miradorstack/mirador-logwatch/internal/ingest"
	"github.com/miradorstack/mirador-logwatch/internal/metrics"
	"github.com/miradorstack/mirador-logwatch/internal/patterns"
	"github.com/miradorstack/mirador-logwatch/internal/repo"
	"github.com/miradorstack/mirador-logwatch/internal/services"
	"github.com/miradorstack/mirador-logwatch/internal/utils"
	"github.com/miradorstack/mirador-logwatch/internal/window"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON, utils.LogFile{
		Path:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	slog.SetDefault(logger)
	logger.Info("starting mirador-logwatch",
		slog.String("http", cfg.Server.HTTPAddress),
		slog.String("grpc", cfg.Server.GRPCAddress),
		slog.Duration("interval", cfg.Detector.Interval),
	)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("mirador-logwatch exited", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("mirador-logwatch stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	cacheProvider := services.BuildCache(ctx, cfg, logger)
	defer cacheProvider.Close()

	pipeline, err := services.BuildPipeline(cfg, logger)
	if err != nil {
		return err
	}

	history, err := services.BuildHistory(ctx, cfg)
	if err != nil {
		return err
	}
	defer history.Close()

	var lokiClient *repo.LokiClient
	if cfg.Sources.Loki.Enabled {
		lokiClient = repo.NewLokiClient(cfg.Sources.Loki.BaseURL, cfg.Sources.Loki.Timeout)
	}

	channels := services.BuildChannels(cfg, lokiClient, logger)
	dispatcher, err := alerts.NewDispatcher(
		cacheProvider,
		cfg.Alerts.Cooldown,
		services.BuildRoutes(cfg, channels, logger),
		channels,
		history,
		logger,
	)
	if err != nil {
		return err
	}

	hub := api.NewHub(cfg.Server.CORSOrigins, logger)
	buffer := window.NewBuffer(cfg.Detector.WindowCapacity, cfg.Detector.WindowMaxAge)
	batches := cache.NewBatchSink(cacheProvider, cfg.Cache.LatestTTL)
	coordinator := engine.NewCoordinator(buffer, pipeline, cfg.Detector.Interval, logger,
		engine.WithAlertHandler(dispatcher),
		engine.WithSinks(hub, batches),
	)
	if last, err := batches.Load(ctx); err == nil && coordinator.Restore(last) {
		logger.Info("restored latest batch from cache", slog.String("cycle_id", last.CycleID))
	}

	miner := patterns.NewMiner(logger, services.HotspotStore(cacheProvider, cfg.Cache.LatestTTL))
	service := services.NewAnomalyService(logger, coordinator, alerts.NewSummarizer(history, miner))

	grpcServer, err := api.NewServer(cfg.Server, services.NewQueryService(service), logger)
	if err != nil {
		return err
	}
	httpServer := api.NewHTTPServer(cfg.Server, service, hub, prometheus.DefaultGatherer, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coordinator.Run(gctx) })
	g.Go(func() error {
		return services.RunHistoryRetention(gctx, history, cfg.Alerts.History.Retention, time.Hour, logger)
	})
	if mem, ok := cacheProvider.(*cache.MemoryProvider); ok {
		g.Go(func() error { return sweepLoop(gctx, mem, time.Minute) })
	}
	if lokiClient != nil {
		poller, err := ingest.NewPoller(lokiClient, coordinator, ingest.PollerConfig{
			Query:    cfg.Sources.Loki.Query,
			Interval: cfg.Sources.Loki.PollInterval,
			Lookback: cfg.Sources.Loki.Lookback,
			Limit:    cfg.Sources.Loki.Limit,
		}, logger)
		if err != nil {
			return err
		}
		g.Go(func() error { return poller.Run(gctx) })
	}
	g.Go(grpcServer.Start)
	g.Go(httpServer.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
		defer cancel()
		grpcServer.Shutdown(shutdownCtx)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown", slog.Any("error", err))
		}
		return nil
	})

	return g.Wait()
}

func sweepLoop(ctx context.Context, mem *cache.MemoryProvider, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			mem.Sweep()
		}
	}
}
