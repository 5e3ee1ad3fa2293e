package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/cimillas/order-lifecycle/internal/alert"
	"github.com/cimillas/order-lifecycle/internal/broker"
	"github.com/cimillas/order-lifecycle/internal/config"
	"github.com/cimillas/order-lifecycle/internal/metrics"
	"github.com/cimillas/order-lifecycle/migrations"
)

// runtime owns the process-wide resources shared by every component a command starts.
type runtime struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	pool     *pgxpool.Pool

	pub     broker.Publisher
	memory  *broker.Memory
	closers []func() error
}

func newRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger, applyMigrations bool) (*runtime, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	timeout := cfg.Database.ConnTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	startupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if applyMigrations {
		if err := migrations.Apply(startupCtx, cfg.Database.URL); err != nil {
			return nil, err
		}
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.Database.MaxConns > 0 {
		poolCfg.MaxConns = cfg.Database.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(startupCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to db: %w", err)
	}
	if err := pool.Ping(startupCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &runtime{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		metrics:  metrics.New(reg),
		pool:     pool,
	}, nil
}

func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.logger.Warn("close failed", slog.Any("error", err))
		}
	}
	rt.pool.Close()
}

func (rt *runtime) metricsHandler() http.Handler {
	return promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{})
}

func (rt *runtime) memoryBroker() *broker.Memory {
	if rt.memory == nil {
		rt.memory = broker.NewMemory()
	}
	return rt.memory
}

// publisher returns the shared broker publisher, connecting on first use.
func (rt *runtime) publisher() (broker.Publisher, error) {
	if rt.pub != nil {
		return rt.pub, nil
	}
	switch rt.cfg.Broker.Kind {
	case config.BrokerKafka:
		p := broker.NewKafkaPublisher(rt.cfg.Broker.Brokers)
		rt.closers = append(rt.closers, p.Close)
		rt.pub = p
	case config.BrokerRabbitMQ:
		p, err := broker.NewRabbitPublisher(rt.cfg.Broker.URL)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, p.Close)
		rt.pub = p
	case config.BrokerMemory:
		rt.logger.Warn("using in-memory broker; events do not leave this process")
		rt.pub = rt.memoryBroker()
	default:
		return nil, fmt.Errorf("unknown broker kind %q", rt.cfg.Broker.Kind)
	}
	return rt.pub, nil
}

func (rt *runtime) consumer(topic, group string) (broker.Consumer, error) {
	var c broker.Consumer
	switch rt.cfg.Broker.Kind {
	case config.BrokerKafka:
		c = broker.NewKafkaConsumer(rt.cfg.Broker.Brokers, group, topic, rt.logger)
	case config.BrokerRabbitMQ:
		rc, err := broker.NewRabbitConsumer(rt.cfg.Broker.URL, topic, rt.cfg.Broker.Prefetch, rt.logger)
		if err != nil {
			return nil, err
		}
		c = rc
	case config.BrokerMemory:
		c = rt.memoryBroker().Consumer(topic)
	default:
		return nil, fmt.Errorf("unknown broker kind %q", rt.cfg.Broker.Kind)
	}
	rt.closers = append(rt.closers, c.Close)
	return c, nil
}

// alerts logs every alert and forwards it to the ops-alerts topic.
func (rt *runtime) alerts() (alert.Sink, error) {
	pub, err := rt.publisher()
	if err != nil {
		return nil, err
	}
	return alert.Fanout{
		alert.NewLogSink(rt.logger, rt.metrics),
		alert.NewBrokerSink(pub),
	}, nil
}

// serveHTTP runs srv until ctx is done, then drains in-flight requests.
func serveHTTP(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", slog.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http shutdown: %w", err)
	}
	logger.Info("http server stopped")
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
