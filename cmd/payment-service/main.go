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
	"shopline/internal/payment"
	"shopline/internal/storage"
	"shopline/pkg/bus"
	"shopline/pkg/telemetry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("payment-service exited", "err", err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := config.Load("PAYMENTS")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.New(ctx, cfg.DatabaseURL, "payments")
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewServiceMetrics(payment.ServiceName(), reg)

	// Degraded mode keeps the synchronous capture path available for the
	// checkout coordinator even while order.created cannot be consumed.
	eventBus, err := connectBus(cfg, logger, metrics)
	if err != nil {
		logger.Error("running degraded, no events", "err", err)
		eventBus = bus.Degraded{}
	}
	defer eventBus.Close()

	accounts := payment.NewAccounts(store.Pool())
	processor := payment.NewProcessor(payment.NewPgStore(store.Pool()), accounts, eventBus, logger)

	err = eventBus.Subscribe(ctx, payment.ServiceName(), payment.RoutingKeys(), processor.HandleEvent,
		bus.WithPrefetch(cfg.Prefetch),
		bus.WithMaxRetries(cfg.MaxRetries),
		bus.WithBaseDelay(cfg.RetryBaseDelay),
		bus.WithDLQTTL(cfg.DLQTTL),
	)
	if err != nil {
		logger.Error("consumer not started", "err", err)
	}

	api := httpapi.NewPaymentServer(processor, accounts, eventBus.Healthy, reg, logger)
	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: api}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("payment-service listening", "addr", cfg.HTTPAddr)
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
	return bus.Connect(cfg.RabbitURL, cfg.Exchange, payment.ServiceName(), logger,
		bus.WithMetrics(metrics),
		bus.WithReconnect(cfg.ReconnectAttempts, cfg.ReconnectDelay),
	)
}
