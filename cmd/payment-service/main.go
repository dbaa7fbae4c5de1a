package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/dmehra2102/orderflow/internal/payment/application"
	"github.com/dmehra2102/orderflow/internal/payment/infrastructure/gateway"
	payhttp "github.com/dmehra2102/orderflow/internal/payment/infrastructure/http"
	paypg "github.com/dmehra2102/orderflow/internal/payment/infrastructure/postgres"
	"github.com/dmehra2102/orderflow/pkg/clock"
	"github.com/dmehra2102/orderflow/pkg/lock"
	"github.com/dmehra2102/orderflow/pkg/logging"
	"github.com/dmehra2102/orderflow/pkg/metrics"
	"github.com/dmehra2102/orderflow/pkg/outbox"
	"github.com/dmehra2102/orderflow/pkg/shutdown"
	"github.com/dmehra2102/orderflow/pkg/tracing"
)

func main() {
	log := logging.New("payment-service")
	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	c, err := loadConfig()
	if err != nil {
		log.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	tp, err := tracing.Init(ctx, "payment-service", c.otelEndpoint, log)
	if err != nil {
		log.Error("otel init failed", "err", err)
		os.Exit(1)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()
	mp, err := metrics.Init(ctx, "payment-service", c.otelEndpoint)
	if err != nil {
		log.Error("metrics init failed", "err", err)
		os.Exit(1)
	}
	defer func() { _ = mp.Shutdown(context.Background()) }()

	pool, err := pgxpool.New(ctx, c.pgURL)
	if err != nil {
		log.Error("pg connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	repo := paypg.NewRepository(log, pool)
	if err := repo.Migrate(ctx); err != nil {
		log.Error("migration failed", "err", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{Addr: c.redisAddr})
	defer rdb.Close()
	locks := lock.NewManager(log, lock.NewRedisBackend(rdb),
		lock.WithTTL(c.lockTTL),
		lock.WithRetry(c.lockRetries, 50*time.Millisecond, time.Second),
	)

	gw := gateway.NewSimulator(log, gateway.WithDeclineAbove(c.declineAbove), gateway.WithLatency(c.gatewayLatency))
	svc := application.NewService(log, repo, locks, gw, clock.Real{})

	writer := outbox.NewKafkaWriter(c.kafkaBrokers)
	defer writer.Close()
	relay := outbox.NewRelay(log, outbox.NewPostgresStore(log, pool),
		outbox.NewDispatcher(log, writer, c.topicPrefix), "payment-service-relay",
		outbox.WithInterval(c.relayInterval), outbox.WithBatchSize(c.relayBatch))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := relay.Run(ctx); err != nil {
			log.Error("relay stopped", "err", err)
		}
	}()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Mount("/", payhttp.NewHandler(log, svc).Routes())
	srv := &http.Server{
		Addr:         c.httpAddr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		log.Info("http listening", "addr", c.httpAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", "err", err)
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	if !shutdown.Drain(&wg, 10*time.Second) {
		log.Warn("relay did not stop in time")
	}
	log.Info("payment-service shutdown complete")
}
