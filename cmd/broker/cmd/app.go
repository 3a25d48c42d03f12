package cmd

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"broker/internal/broker"
	"broker/internal/broker/consumer"
	"broker/internal/broker/metrics"
	"broker/internal/broker/notify"
	"broker/internal/broker/publisher"
	"broker/internal/broker/tracing"
	"broker/internal/config"
	"broker/internal/storage"
	cbstore "broker/internal/storage/couchbase"
	"broker/internal/storage/memory"
	"broker/internal/storage/mysql"
)

const (
	connectionStatsInterval = 10 * time.Second
	shutdownTimeout         = 5 * time.Second
)

// app holds the engine wired for the configured storage driver.
type app struct {
	cfg       config.Config
	logger    *zap.Logger
	registry  *metrics.Registry
	notifier  *notify.Notifier
	publisher broker.Publisher
	consumer  broker.Consumer
	metrics   *metrics.Server

	stats   func() (active, idle int)
	closers []func(context.Context) error
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger, err := config.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	a := app{
		cfg:      cfg,
		logger:   logger,
		registry: metrics.NewRegistry(),
	}
	a.registry.SetSystemInfo(cfg.Version, cfg.StorageDriver)

	if err := a.wire(ctx); err != nil {
		a.close()
		return nil, err
	}

	return &a, nil
}

func (a *app) wire(ctx context.Context) error {
	store, ready, err := a.openStorage(ctx)
	if err != nil {
		return err
	}

	tracer, tracingCleanup, err := tracing.NewTracer(a.cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.closers = append(a.closers, tracingCleanup)

	a.notifier = notify.New(a.logger)
	a.closers = append(a.closers, func(context.Context) error { return a.notifier.Close() })

	instrumented := storage.NewMetricsStorage(store, a.registry)

	basePublisher, err := publisher.NewPublisher(instrumented, a.logger,
		publisher.WithRetryPolicy(a.cfg.Retry),
		publisher.WithNotifier(a.notifier),
	)
	if err != nil {
		return fmt.Errorf("failed to create publisher: %w", err)
	}
	metricsPublisher := publisher.NewMetricsPublisher(basePublisher, a.registry)
	a.publisher = publisher.NewTracedPublisher(metricsPublisher, tracer)

	baseConsumer, err := consumer.NewConsumer(instrumented, a.logger,
		consumer.WithOrderingWindow(a.cfg.OrderingWindow),
		consumer.WithRetryPolicy(a.cfg.Retry),
	)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}
	metricsConsumer := consumer.NewMetricsConsumer(baseConsumer, a.registry)
	a.consumer = consumer.NewTracedConsumer(metricsConsumer, tracer)

	a.metrics = metrics.NewServer(a.cfg.Metrics, a.registry, ready, a.logger)

	a.logger.Info("broker wired",
		zap.String("storage", a.cfg.StorageDriver),
		zap.Bool("tracing", a.cfg.Tracing.Enabled),
		zap.Duration("ordering_window", a.cfg.OrderingWindow),
	)

	return nil
}

func (a *app) openStorage(ctx context.Context) (broker.Storage, metrics.ReadyFunc, error) {
	switch a.cfg.StorageDriver {
	case config.DriverMySQL:
		s, err := mysql.Open(ctx, a.cfg.MySQL, a.logger)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return s.Close() })
		a.stats = func() (int, int) {
			st := s.Stats()
			return st.InUse, st.Idle
		}
		return s, s.Ping, nil

	case config.DriverCouchbase:
		s, err := cbstore.Open(ctx, a.cfg.Couchbase, a.logger)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return s.Close() })
		return s, s.Ping, nil

	default:
		return memory.New(), nil, nil
	}
}

// background adds the metrics server and the connection stats loop to g.
// Both return once ctx is done.
func (a *app) background(ctx context.Context, g *errgroup.Group) {
	if a.cfg.Metrics.Enabled {
		g.Go(func() error {
			return a.metrics.Start(ctx)
		})
	}

	if a.stats != nil {
		g.Go(func() error {
			ticker := time.NewTicker(connectionStatsInterval)
			defer ticker.Stop()

			for {
				active, idle := a.stats()
				a.registry.UpdateConnectionMetrics(active, idle)

				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		})
	}
}

// close releases resources in reverse acquisition order.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Error("failed to release resource", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
