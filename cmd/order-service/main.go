package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"shopline/internal/config"
	"shopline/internal/httpapi"
	"shopline/internal/order"
	"shopline/internal/saga"
	"shopline/internal/storage"
	"shopline/internal/websocket"
	"shopline/pkg/bus"
	"shopline/pkg/telemetry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("order-service exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := config.Load("ORDERS")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.New(ctx, cfg.DatabaseURL, "orders")
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewServiceMetrics(order.ServiceName(), reg)

	// Availability over consistency: without a broker the HTTP surface
	// still takes orders, but no facts are announced and the saga stalls.
	eventBus, err := connectBus(cfg, logger, metrics)
	if err != nil {
		logger.Error("running degraded, no events", "err", err)
		eventBus = bus.Degraded{}
	}
	defer eventBus.Close()

	hub := websocket.NewHub()
	orderSvc := order.NewService(order.NewPgStore(store.Pool()), eventBus, hub, logger)

	coordinator := saga.NewCoordinator(
		saga.NewHTTPCartClient(cfg.CartServiceURL, cfg.HTTPTimeout),
		saga.NewHTTPStockClient(cfg.ProductServiceURL, cfg.HTTPTimeout),
		saga.NewLocalOrderClient(orderSvc),
		saga.NewHTTPPaymentClient(cfg.PaymentServiceURL, cfg.HTTPTimeout),
		logger,
	)

	api := httpapi.NewOrderServer(orderSvc, coordinator, eventBus.Healthy, reg, logger)
	wsHandler := websocket.NewHandler(hub, orderSvc, logger)
	api.Handle("GET /orders/{orderID}/ws", wsHandler.ServeWS)

	err = eventBus.Subscribe(ctx, order.ServiceName(), order.RoutingKeys(), orderSvc.HandleEvent,
		bus.WithPrefetch(cfg.Prefetch),
		bus.WithMaxRetries(cfg.MaxRetries),
		bus.WithBaseDelay(cfg.RetryBaseDelay),
		bus.WithDLQTTL(cfg.DLQTTL),
	)
	if err != nil {
		logger.Error("consumer not started", "err", err)
	}

	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: api}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("order-service listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func connectBus(cfg config.Config, logger *slog.Logger, metrics *telemetry.ServiceMetrics) (bus.Bus, error) {
	return bus.Connect(cfg.RabbitURL, cfg.Exchange, order.ServiceName(), logger,
		bus.WithMetrics(metrics),
		bus.WithReconnect(cfg.ReconnectAttempts, cfg.ReconnectDelay),
	)
}
