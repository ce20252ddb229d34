// Package bootstrap builds the runtime components of both binaries from Config.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/swa-analytics/anomaly-pipeline/internal/alerts"
	"github.com/swa-analytics/anomaly-pipeline/internal/bus"
	"github.com/swa-analytics/anomaly-pipeline/internal/cache"
	"github.com/swa-analytics/anomaly-pipeline/internal/config"
	"github.com/swa-analytics/anomaly-pipeline/internal/engine"
	"github.com/swa-analytics/anomaly-pipeline/internal/models"
	"github.com/swa-analytics/anomaly-pipeline/internal/repo"
	"github.com/swa-analytics/anomaly-pipeline/internal/state"
)

// OpenCache returns a Valkey provider when caching is enabled, otherwise NoopProvider.
func OpenCache(ctx context.Context, cfg config.CacheConfig) (cache.Provider, error) {
	if !cfg.Enabled {
		return cache.NoopProvider{}, nil
	}
	return cache.NewValkeyProvider(ctx, cache.ValkeyConfig{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
		PoolSize:     cfg.PoolSize,
		TLS:          cfg.TLS,
	})
}

// OpenReader builds the aggregate source. The returned close func is never nil.
func OpenReader(ctx context.Context, cfg *config.Config, provider cache.Provider) (engine.AggregateReader, func(), error) {
	switch cfg.Aggregates.Driver {
	case "http":
		client := repo.NewAggregatesClient(cfg.Aggregates.BaseURL, cfg.Aggregates.Path, cfg.Aggregates.Timeout, provider, cfg.Cache.AggregateTTL)
		return client, func() {}, nil
	case "postgres":
		pool, err := repo.OpenPool(ctx, cfg.Aggregates.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open aggregates database: %w", err)
		}
		return repo.NewPostgresAggregates(pool, cfg.Aggregates.Table), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown aggregates driver %q", cfg.Aggregates.Driver)
	}
}

// OpenStore builds the status store. The returned close func is never nil.
func OpenStore(ctx context.Context, cfg *config.Config, provider cache.Provider) (state.Store, func(), error) {
	switch cfg.State.Driver {
	case "memory":
		return state.NewMemoryStore(), func() {}, nil
	case "valkey":
		if _, noop := provider.(cache.NoopProvider); noop {
			return nil, nil, errors.New("valkey status store requires an enabled cache")
		}
		return state.NewCacheStore(provider, cfg.State.KeyPrefix), func() {}, nil
	case "postgres":
		pool, err := repo.OpenPool(ctx, cfg.State.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open status database: %w", err)
		}
		store := state.NewPostgresStore(pool, state.WithStatusTable(cfg.State.Table))
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown state driver %q", cfg.State.Driver)
	}
}

// Bus bundles the configured transport. Exactly one of JetStream and Memory is set.
type Bus struct {
	Transport bus.Transport
	JetStream *bus.JetStream
	Memory    *bus.MemoryBus
}

// OpenBus connects the configured transport. onConn reports connection changes
// for health reporting; the memory bus reports connected immediately.
func OpenBus(ctx context.Context, cfg *config.Config, name string, logger *slog.Logger, onConn func(bool)) (*Bus, error) {
	if onConn == nil {
		onConn = func(bool) {}
	}
	switch cfg.Bus.Driver {
	case "memory":
		mem := bus.NewMemoryBus(cfg.Bus.MaxDeliver, time.Second, logger)
		onConn(true)
		return &Bus{Transport: mem, Memory: mem}, nil
	case "nats":
		js, err := bus.ConnectJetStream(ctx, bus.JetStreamConfig{
			URL:                cfg.Bus.URL,
			Name:               name,
			Stream:             cfg.Bus.Stream,
			SubjectPrefix:      cfg.Bus.SubjectPrefix,
			Durable:            cfg.Bus.Durable,
			MaxDeliver:         cfg.Bus.MaxDeliver,
			AckWait:            cfg.Bus.AckWait,
			MaxInFlight:        cfg.Bus.MaxInFlight,
			OnConnectionChange: onConn,
		}, logger)
		if err != nil {
			return nil, err
		}
		return &Bus{Transport: js, JetStream: js}, nil
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.Bus.Driver)
	}
}

// Close releases the transport.
func (b *Bus) Close() error {
	if b.JetStream != nil {
		return b.JetStream.Close()
	}
	if b.Memory != nil {
		b.Memory.Close()
	}
	return nil
}

// Subscribe routes anomaly events to handler. The returned stop func waits for
// in-flight deliveries.
func (b *Bus) Subscribe(ctx context.Context, cfg *config.Config, handler bus.EventHandler, logger *slog.Logger) (func(), error) {
	dispatcher := bus.NewDispatcher(cfg.Bus.SourceID, handler, logger)
	subjects := bus.AnomalySubjects(cfg.Bus.SubjectPrefix)
	if b.JetStream != nil {
		return b.JetStream.Subscribe(ctx, subjects, dispatcher)
	}
	b.Memory.Subscribe(subjects, dispatcher)
	return b.Memory.Wait, nil
}

// NewWorker builds the alert policy, template and notification channel.
func NewWorker(cfg *config.Config, b *Bus, logger *slog.Logger) (*alerts.Worker, error) {
	var channel alerts.Channel
	var err error
	switch cfg.Alerts.Channel {
	case "log":
		channel = alerts.NewLogChannel(logger)
	case "webhook":
		channel, err = alerts.NewWebhookChannel(cfg.Alerts.WebhookURL, cfg.Alerts.WebhookTimeout)
	case "nats":
		if b == nil || b.JetStream == nil {
			return nil, errors.New("nats alert channel requires the nats bus driver")
		}
		channel, err = alerts.NewNATSChannel(b.JetStream.Conn(), cfg.Alerts.NATSSubject)
	default:
		err = fmt.Errorf("unknown alert channel %q", cfg.Alerts.Channel)
	}
	if err != nil {
		return nil, err
	}

	tpl, err := alerts.NewTemplate(cfg.Alerts.Template)
	if err != nil {
		return nil, err
	}
	policy := models.AlertPolicy{
		NotifyOnAlarm: cfg.Alerts.NotifyOnAlarm,
		NotifyOnOK:    cfg.Alerts.NotifyOnOK,
		ChannelRef:    cfg.Alerts.Channel,
	}
	return alerts.NewWorker(policy, channel, tpl, logger)
}

// ServeMetrics exposes promhttp on addr in the background. onFail is called if
// the listener exits unexpectedly. Returns nil when addr is empty.
func ServeMetrics(addr string, logger *slog.Logger, onFail func()) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", slog.String("address", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server exited", slog.Any("error", err))
			onFail()
		}
	}()
	return server
}

// ShutdownMetrics stops a server returned by ServeMetrics.
func ShutdownMetrics(server *http.Server, logger *slog.Logger) {
	if server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("metrics server shutdown", slog.Any("error", err))
	}
}
