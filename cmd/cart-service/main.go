package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ogozo/service-checkout/internal/bootstrap"
	"github.com/ogozo/service-checkout/internal/broker"
	"github.com/ogozo/service-checkout/internal/cart"
	"github.com/ogozo/service-checkout/internal/config"
	"github.com/ogozo/service-checkout/internal/logging"
	"github.com/ogozo/service-checkout/internal/retry"
	"github.com/ogozo/service-checkout/internal/server"
	"github.com/ogozo/service-checkout/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Load configuration, logging to a default logger until it is known
	_ = logging.Init("production", "info")
	cfg, err := config.LoadCart()
	if err != nil {
		logging.L().Fatal("invalid configuration", zap.Error(err))
	}
	if err := logging.Init(cfg.Env, cfg.LogLevel); err != nil {
		logging.L().Fatal("failed to initialise logger", zap.Error(err))
	}
	defer logging.Sync()

	if err := run(ctx, cfg); err != nil {
		logging.Error(ctx, "cart service stopped", err)
		logging.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.CartConfig) error {
	shutdownTracer, err := telemetry.SetupTracer(ctx, cfg.OtelServiceName, cfg.OtelExporterEndpoint, cfg.Env)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logging.Error(ctx, "tracer shutdown failed", err)
		}
	}()

	health := server.NewHealth()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return health.Serve(gctx, cfg.GRPCPort) })
	g.Go(func() error { return server.ServeMetrics(gctx, cfg.MetricsPort) })

	// 2. Connect dependencies, retrying while they come up
	policy := retry.Fixed(cfg.BootstrapMaxAttempts, cfg.BootstrapDelay)

	var client *redis.Client
	err = bootstrap.Run(gctx, "redis", func(ctx context.Context) error {
		c, err := cart.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		client = c
		return nil
	}, policy)
	if err != nil {
		return err
	}
	defer client.Close()

	var bus broker.Bus
	err = bootstrap.Run(gctx, "bus", func(ctx context.Context) error {
		b, err := broker.Open(ctx, cfg.Bus)
		if err != nil {
			return err
		}
		bus = b
		return nil
	}, policy)
	if err != nil {
		return err
	}
	defer bus.Close()
	g.Go(func() error {
		// a lost bus connection stops the process so its supervisor restarts it
		if err := broker.Watch(gctx, bus); err != nil {
			health.SetServing(false)
			return err
		}
		return nil
	})

	// 3. Wire store -> coordinator -> handler
	store := cart.NewRedisStore(client)
	coordinator := cart.NewCoordinator(store, bus, cfg.PublishTimeout)
	handler := cart.NewHandler(store, coordinator)

	// 4. Serve
	g.Go(func() error { return server.ServeHTTP(gctx, cfg.HTTPPort, server.NewRouter(handler.Routes)) })
	health.SetServing(true)
	logging.Info(ctx, "cart service ready",
		zap.String("bus", cfg.Bus.Driver),
		zap.String("http", cfg.HTTPPort),
	)
	return g.Wait()
}
