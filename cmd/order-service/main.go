package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ogozo/service-checkout/internal/bootstrap"
	"github.com/ogozo/service-checkout/internal/broker"
	"github.com/ogozo/service-checkout/internal/config"
	"github.com/ogozo/service-checkout/internal/logging"
	"github.com/ogozo/service-checkout/internal/order"
	"github.com/ogozo/service-checkout/internal/retry"
	"github.com/ogozo/service-checkout/internal/server"
	"github.com/ogozo/service-checkout/internal/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Load configuration, logging to a default logger until it is known
	_ = logging.Init("production", "info")
	cfg, err := config.LoadOrder()
	if err != nil {
		logging.L().Fatal("invalid configuration", zap.Error(err))
	}
	if err := logging.Init(cfg.Env, cfg.LogLevel); err != nil {
		logging.L().Fatal("failed to initialise logger", zap.Error(err))
	}
	defer logging.Sync()

	if err := run(ctx, cfg); err != nil {
		logging.Error(ctx, "order service stopped", err)
		logging.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.OrderConfig) error {
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

	store, closeStore, err := openStore(gctx, cfg, policy)
	if err != nil {
		return err
	}
	defer closeStore()

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

	// 3. Wire store -> consumer, store -> handler
	consumer := order.NewConsumer(store,
		retry.Exponential(cfg.PersistMaxAttempts, cfg.PersistInitialBackoff, cfg.PersistMaxBackoff),
		cfg.Bus.MaxDeliveries,
	)
	handler := order.NewHandler(store)

	// 4. Consume and serve
	g.Go(func() error { return bus.Subscribe(gctx, consumer.HandleDelivery) })
	g.Go(func() error { return server.ServeHTTP(gctx, cfg.HTTPPort, server.NewRouter(handler.Routes)) })
	health.SetServing(true)
	logging.Info(ctx, "order service ready",
		zap.String("bus", cfg.Bus.Driver),
		zap.String("store", cfg.OrderStore),
		zap.String("http", cfg.HTTPPort),
	)
	return g.Wait()
}

// openStore connects the configured order store and applies its schema.
// Connecting and migrating are retried together.
func openStore(ctx context.Context, cfg config.OrderConfig, policy retry.Policy) (order.Store, func(), error) {
	var (
		store   order.Store
		closeFn = func() {}
	)
	err := bootstrap.Run(ctx, cfg.OrderStore, func(ctx context.Context) error {
		switch cfg.OrderStore {
		case "postgres":
			pool, err := order.NewPostgresPool(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			s := order.NewPostgresStore(pool)
			if err := s.Migrate(ctx); err != nil {
				pool.Close()
				return err
			}
			store, closeFn = s, pool.Close
		case "sqlite":
			db, err := order.OpenSQLite(ctx, cfg.SQLitePath)
			if err != nil {
				return err
			}
			s := order.NewSQLStore(db)
			if err := s.Migrate(ctx); err != nil {
				db.Close()
				return err
			}
			store, closeFn = s, func() { db.Close() }
		case "dynamodb":
			awsCfg, err := config.LoadAWS(ctx, cfg.Bus.AWSRegion)
			if err != nil {
				return err
			}
			s := order.NewDynamoStore(order.NewDynamoClient(awsCfg, cfg.Bus.AWSEndpointURL), cfg.DynamoOrdersTable, cfg.DynamoEventsTable)
			if err := s.Migrate(ctx); err != nil {
				return err
			}
			store = s
		default:
			return retry.Permanent(fmt.Errorf("unknown order store %q", cfg.OrderStore))
		}
		return nil
	}, policy)
	return store, closeFn, err
}
