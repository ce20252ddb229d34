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

	"github.com/swa-analytics/anomaly-pipeline/internal/api"
	"github.com/swa-analytics/anomaly-pipeline/internal/bootstrap"
	"github.com/swa-analytics/anomaly-pipeline/internal/bus"
	"github.com/swa-analytics/anomaly-pipeline/internal/cache"
	"github.com/swa-analytics/anomaly-pipeline/internal/config"
	"github.com/swa-analytics/anomaly-pipeline/internal/engine"
	"github.com/swa-analytics/anomaly-pipeline/internal/metrics"
	"github.com/swa-analytics/anomaly-pipeline/internal/services"
	"github.com/swa-analytics/anomaly-pipeline/internal/state"
	"github.com/swa-analytics/anomaly-pipeline/internal/utils"
)

func main() {
	var (
		configPath string
		once       bool
		at         string
	)
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.BoolVar(&once, "once", false, "Run a single evaluation and exit")
	flag.StringVar(&at, "at", "", "RFC3339 tick for -once (defaults to now)")
	flag.Parse()

	os.Exit(run(configPath, once, at))
}

func run(configPath string, once bool, at string) int {
	cfg, err := config.Load(configPath)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		return 1
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting anomaly evaluator",
		slog.Int("sites", len(cfg.Anomaly.Sites)),
		slog.String("aggregates", cfg.Aggregates.Driver),
		slog.String("state", cfg.State.Driver),
		slog.String("bus", cfg.Bus.Driver),
	)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := bootstrap.OpenCache(ctx, cfg.Cache)
	if err != nil {
		if cfg.State.Driver == "valkey" || cfg.Cache.RunLock {
			logger.Error("valkey unavailable", slog.Any("error", err))
			return 1
		}
		logger.Warn("valkey cache unavailable, continuing without cache", slog.Any("error", err))
		provider = cache.NoopProvider{}
	}
	defer provider.Close()

	reader, closeReader, err := bootstrap.OpenReader(ctx, cfg, provider)
	if err != nil {
		logger.Error("failed to open aggregates source", slog.Any("error", err))
		return 1
	}
	defer closeReader()

	store, closeStore, err := bootstrap.OpenStore(ctx, cfg, provider)
	if err != nil {
		logger.Error("failed to open status store", slog.Any("error", err))
		return 1
	}
	defer closeStore()

	removed, err := state.Prune(ctx, store, cfg.Anomaly.Sites)
	switch {
	case err != nil:
		logger.Warn("status prune failed", slog.Any("error", err))
	case len(removed) > 0:
		logger.Info("pruned status for removed sites", slog.Any("sites", removed))
	}

	var server *api.AdminServer
	if !once {
		server, err = api.NewAdminServer(cfg.Server, api.EvaluatorService)
		if err != nil {
			logger.Error("failed to create gRPC server", slog.Any("error", err))
			return 1
		}
	}
	setServing := func(up bool) {
		if server != nil {
			server.SetServing(up)
		}
	}

	eventBus, err := bootstrap.OpenBus(ctx, cfg, "anomaly-evaluator", logger, setServing)
	if err != nil {
		logger.Error("failed to connect event bus", slog.Any("error", err))
		return 1
	}
	defer func() {
		if err := eventBus.Close(); err != nil {
			logger.Warn("event bus close", slog.Any("error", err))
		}
	}()

	// The in-memory bus has no other subscribers, so the alert worker runs here.
	if eventBus.Memory != nil {
		worker, err := bootstrap.NewWorker(cfg, eventBus, logger)
		if err != nil {
			logger.Error("failed to build alert worker", slog.Any("error", err))
			return 1
		}
		if _, err := eventBus.Subscribe(ctx, cfg, worker.Handle, logger); err != nil {
			logger.Error("failed to subscribe alert worker", slog.Any("error", err))
			return 1
		}
	}

	alignment, err := engine.ParseAlignment(cfg.Anomaly.Alignment)
	if err != nil {
		logger.Error("invalid baseline alignment", slog.Any("error", err))
		return 1
	}
	evaluator := engine.NewEvaluator(
		logger,
		reader,
		engine.NewBaselineCalculator(reader, alignment),
		store,
		bus.NewPublisher(eventBus.Transport, cfg.Bus.SourceID, cfg.Bus.SubjectPrefix),
		cfg.Anomaly.Sites,
		engine.Params{
			Window:       cfg.Anomaly.EvaluationWindow,
			Multiplier:   cfg.Anomaly.BreachingMultiplier,
			MinimumViews: cfg.Anomaly.MinimumViews,
			SettleDelay:  cfg.Anomaly.SettleDelay,
		},
		engine.WithConcurrency(cfg.Anomaly.Concurrency),
		engine.WithSiteTimeout(cfg.Anomaly.SiteTimeout),
		engine.WithPublishTimeout(cfg.Bus.PublishTimeout),
	)

	var lock *services.RunLock
	if cfg.Cache.RunLock {
		lock = services.NewRunLock(provider, "", cfg.Cache.RunLockTTL)
	}
	service := services.NewEvaluationService(logger, evaluator, lock, cfg.Anomaly.RunTimeout)

	if once {
		return runOnce(ctx, service, at, logger)
	}

	metricsServer := bootstrap.ServeMetrics(cfg.Server.MetricsAddress, logger, stop)
	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()
	setServing(true)

	services.NewScheduler(service, cfg.Anomaly.ScheduleMinute, logger).Run(ctx)
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), server.GracefulTimeout())
	defer cancel()
	server.Shutdown(shutdownCtx)
	bootstrap.ShutdownMetrics(metricsServer, logger)

	logger.Info("anomaly evaluator stopped")
	return 0
}

func runOnce(ctx context.Context, service *services.EvaluationService, at string, logger *slog.Logger) int {
	tick := time.Now()
	if at != "" {
		parsed, err := utils.ParseRFC3339(at)
		if err != nil {
			logger.Error("invalid -at value", slog.String("at", at), slog.Any("error", err))
			return 1
		}
		tick = parsed
	}

	result, err := service.RunOnce(ctx, tick)
	if err != nil {
		logger.Error("evaluation run failed", slog.Any("error", err))
		return 1
	}
	if !result.Success() {
		return 2
	}
	return 0
}
