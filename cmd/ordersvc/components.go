package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cimillas/order-lifecycle/internal/app"
	"github.com/cimillas/order-lifecycle/internal/clock"
	"github.com/cimillas/order-lifecycle/internal/domain"
	"github.com/cimillas/order-lifecycle/internal/email"
	"github.com/cimillas/order-lifecycle/internal/outbox"
	"github.com/cimillas/order-lifecycle/internal/payment"
	"github.com/cimillas/order-lifecycle/internal/storage/postgres"
	transporthttp "github.com/cimillas/order-lifecycle/internal/transport/http"
)

// component is a long-running part of the process; it returns when ctx is done.
type component func(ctx context.Context) error

func apiComponent(rt *runtime) component {
	clk := clock.NewSystem()
	orders := postgres.NewOrderRepository(rt.pool)
	outboxRepo := postgres.NewOutboxRepository(rt.pool)
	payments := payment.NewClient(rt.cfg.Payment, &http.Client{}, rt.metrics)

	checkout := app.NewCheckoutService(orders, outboxRepo, app.CartPricer{}, payments, clk, rt.cfg.StoreRetry, rt.metrics)
	webhooks := app.NewWebhookService(orders, outboxRepo, payments, clk, rt.cfg.StoreRetry, rt.metrics)
	queries := app.NewOrderQueryService(orders)

	handler := transporthttp.NewRouter(transporthttp.RouterDeps{
		Checkout: checkout,
		Webhooks: webhooks,
		Orders:   queries,
		DB:       rt.pool,
		Metrics:  rt.metricsHandler(),
		CORS:     rt.cfg.HTTP.CORS,
		Logger:   rt.logger,
	})
	srv := &http.Server{
		Addr:              rt.cfg.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return func(ctx context.Context) error {
		return serveHTTP(ctx, srv, rt.cfg.HTTP.ShutdownTimeout, rt.logger)
	}
}

// relayComponent runs the outbox relay woken by commit notifications.
func relayComponent(rt *runtime) (component, error) {
	pub, err := rt.publisher()
	if err != nil {
		return nil, err
	}
	alerts, err := rt.alerts()
	if err != nil {
		return nil, err
	}
	logger := rt.logger.With(slog.String("component", "outbox-relay"))
	relay := outbox.NewRelay(postgres.NewOutboxRepository(rt.pool), pub, alerts, clock.NewSystem(), rt.cfg.Outbox, logger, rt.metrics)
	listener := postgres.NewOutboxListener(rt.pool, logger)

	return func(ctx context.Context) error {
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return ignoreCanceled(listener.Listen(ctx, relay.Wake)) })
		g.Go(func() error { return ignoreCanceled(relay.Run(ctx)) })
		return g.Wait()
	}, nil
}

// dispatchComponent consumes notification requests and sweeps due retries.
func dispatchComponent(rt *runtime) (component, error) {
	alerts, err := rt.alerts()
	if err != nil {
		return nil, err
	}
	cfg := rt.cfg.Notifications
	consumer, err := rt.consumer(domain.TopicNotificationsToSend, cfg.ConsumerName)
	if err != nil {
		return nil, err
	}
	logger := rt.logger.With(slog.String("component", "notification-dispatcher"))
	mailer := email.NewClient(rt.cfg.Email, &http.Client{}, rt.metrics)
	svc := app.NewNotificationService(postgres.NewNotificationRepository(rt.pool), mailer, alerts, clock.NewSystem(), cfg, logger, rt.metrics)

	return func(ctx context.Context) error {
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return ignoreCanceled(consumer.Consume(ctx, svc.HandleMessage)) })
		g.Go(func() error { return ignoreCanceled(svc.RunSweeper(ctx)) })
		return g.Wait()
	}, nil
}

// metricsComponent exposes /health and /metrics for worker-only processes.
func metricsComponent(rt *runtime, addr string) component {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", transporthttp.HealthHandler)
	mux.Handle("/ready", transporthttp.ReadyHandler(rt.pool))
	mux.Handle("/metrics", rt.metricsHandler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return func(ctx context.Context) error {
		return serveHTTP(ctx, srv, rt.cfg.HTTP.ShutdownTimeout, rt.logger)
	}
}

func runComponents(ctx context.Context, components ...component) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range components {
		g.Go(func() error { return c(ctx) })
	}
	return g.Wait()
}
