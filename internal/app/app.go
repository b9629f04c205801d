// Package app wires configuration, storage, transports, and domain services
// into the running API server.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/droplabs/market/internal/domain/order"
	"github.com/droplabs/market/internal/domain/payment"
	"github.com/droplabs/market/internal/events"
	"github.com/droplabs/market/internal/gateway/toss"
	"github.com/droplabs/market/internal/handler"
	"github.com/droplabs/market/internal/lock"
	"github.com/droplabs/market/internal/popularity"
	"github.com/droplabs/market/internal/reconcile"
	"github.com/droplabs/market/internal/repository"
	"github.com/droplabs/market/pkg/health"
	"github.com/droplabs/market/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server and the payment
// reconciler, and handles graceful shutdown. It is the single wiring point
// for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// PostgreSQL pool + migrations.
	pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Redis: distributed stock locks and the popularity cache.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = rdb.Close() }()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "ping redis")
	}

	// Domain events: Kafka when brokers are configured, otherwise dropped.
	var publisher events.Publisher = events.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, "market-api")
		defer func() { _ = kp.Close() }()
		publisher = kp
	} else {
		lg.Info("No Kafka brokers configured, domain events disabled")
	}

	// External payment gateway.
	gw := toss.New(toss.Config{
		BaseURL:   cfg.Gateway.BaseURL,
		SecretKey: cfg.Gateway.SecretKey,
		Timeout:   cfg.Gateway.Timeout,
	})

	// Repositories.
	productRepo := repository.NewProductRepository(pool)
	orderRepo := repository.NewOrderRepository(pool)
	paymentRepo := repository.NewPaymentRepository(pool)

	// Domain services.
	meter := m.MeterProvider().Meter("market")
	popCache := popularity.New(rdb)
	locker := lock.NewRedisLocker(rdb, cfg.Lock.TTL)

	orderService := order.NewService(productRepo, orderRepo, publisher)
	orderFacade, err := order.NewFacade(locker, orderService, cfg.Lock.WaitTimeout, meter)
	if err != nil {
		return errors.Wrap(err, "create order facade")
	}
	paymentService := payment.NewService(orderRepo, paymentRepo, gw, popCache, publisher)

	reconciler, err := reconcile.New(reconcile.Config{
		Interval:     cfg.Reconcile.Interval,
		StuckAfter:   cfg.Reconcile.StuckAfter,
		AbandonAfter: cfg.Reconcile.AbandonAfter,
	}, paymentRepo, gw, meter)
	if err != nil {
		return errors.Wrap(err, "create reconciler")
	}

	// Health checks.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	healthSvc.AddReadinessCheck("redis", 2*time.Second, func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.SetReady(true)

	// Router.
	h := handler.NewHandler(orderFacade, orderRepo, paymentService, productRepo, popCache)
	mux := chi.NewRouter()
	mux.Get("/livez", healthSvc.LiveEndpoint)
	mux.Get("/readyz", healthSvc.ReadyEndpoint)
	h.Register(mux)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins: cfg.CORS.Origins,
				AllowHeaders: []string{"Content-Type", "Authorization"},
				MaxAge:       86400,
			}),
			httpmiddleware.RateLimit(httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.LogRequests(),
		),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := reconciler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		// Graceful shutdown: drain readiness, wait, then stop the server.
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})

	return g.Wait()
}
