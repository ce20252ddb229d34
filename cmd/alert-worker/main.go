package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/swa-analytics/anomaly-pipeline/internal/api"
	"github.com/swa-analytics/anomaly-pipeline/internal/bootstrap"
	"github.com/swa-analytics/anomaly-pipeline/internal/config"
	"github.com/swa-analytics/anomaly-pipeline/internal/metrics"
	"github.com/swa-analytics/anomaly-pipeline/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	if cfg.Bus.Driver != "nats" {
		logger.Error("alert worker needs the nats bus driver; the memory bus runs the worker inside the evaluator",
			slog.String("driver", cfg.Bus.Driver))
		os.Exit(1)
	}
	logger.Info("starting alert worker",
		slog.String("channel", cfg.Alerts.Channel),
		slog.String("durable", cfg.Bus.Durable),
	)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	server, err := api.NewAdminServer(cfg.Server, api.AlertWorkerService)
	if err != nil {
		logger.Error("failed to create gRPC server", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eventBus, err := bootstrap.OpenBus(ctx, cfg, "alert-worker", logger, server.SetServing)
	if err != nil {
		logger.Error("failed to connect event bus", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := bootstrap.NewWorker(cfg, eventBus, logger)
	if err != nil {
		logger.Error("failed to build alert worker", slog.Any("error", err))
		_ = eventBus.Close()
		os.Exit(1)
	}
	stopConsumer, err := eventBus.Subscribe(ctx, cfg, worker.Handle, logger)
	if err != nil {
		logger.Error("failed to start consumer", slog.Any("error", err))
		_ = eventBus.Close()
		os.Exit(1)
	}

	metricsServer := bootstrap.ServeMetrics(cfg.Server.MetricsAddress, logger, stop)
	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()
	server.SetServing(true)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	server.SetServing(false)
	stopConsumer()
	if err := eventBus.Close(); err != nil {
		logger.Warn("event bus close", slog.Any("error", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), server.GracefulTimeout())
	defer cancel()
	server.Shutdown(shutdownCtx)
	bootstrap.ShutdownMetrics(metricsServer, logger)

	logger.Info("alert worker stopped")
}
