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

	"github.com/dmehra2102/orderflow/internal/inventory/application"
	invgrpc "github.com/dmehra2102/orderflow/internal/inventory/infrastructure/grpc"
	invhttp "github.com/dmehra2102/orderflow/internal/inventory/infrastructure/http"
	invpg "github.com/dmehra2102/orderflow/internal/inventory/infrastructure/postgres"
	"github.com/dmehra2102/orderflow/pkg/clock"
	"github.com/dmehra2102/orderflow/pkg/lock"
	"github.com/dmehra2102/orderflow/pkg/logging"
	"github.com/dmehra2102/orderflow/pkg/metrics"
	"github.com/dmehra2102/orderflow/pkg/outbox"
	"github.com/dmehra2102/orderflow/pkg/shutdown"
	"github.com/dmehra2102/orderflow/pkg/tracing"
)

func main() {
	log := logging.New("inventory-service")
	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	c, err := loadConfig()
	if err != nil {
		log.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	tp, err := tracing.Init(ctx, "inventory-service", c.otelEndpoint, log)
	if err != nil {
		log.Error("otel init failed", "err", err)
		os.Exit(1)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()
	mp, err := metrics.Init(ctx, "inventory-service", c.otelEndpoint)
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

	repo := invpg.NewRepository(log, pool)
	if err := repo.Migrate(ctx); err != nil {
		log.Error("migration failed", "err", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{Addr: c.redisAddr})
	defer rdb.Close()
	locks := lock.NewManager(log, lock.NewRedisBackend(rdb),
		lock.WithTTL(c.lockTTL),
		lock.WithRetry(c.lockRetries, 25*time.Millisecond, time.Second),
	)

	svc := application.NewService(log, repo, locks, clock.Real{}, c.inventory)

	writer := outbox.NewKafkaWriter(c.kafkaBrokers)
	defer writer.Close()
	relay := outbox.NewRelay(log, outbox.NewPostgresStore(log, pool),
		outbox.NewDispatcher(log, writer, c.topicPrefix), "inventory-service-relay",
		outbox.WithInterval(c.relayInterval), outbox.WithBatchSize(c.relayBatch))
	sweeper := application.NewSweeper(log, svc, c.sweepInterval)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := relay.Run(ctx); err != nil {
			log.Error("relay stopped", "err", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := sweeper.Run(ctx); err != nil {
			log.Error("sweeper stopped", "err", err)
		}
	}()

	gs, err := invgrpc.Run(c.grpcAddr, invgrpc.NewServer(log, svc))
	if err != nil {
		log.Error("grpc server failed", "err", err)
		os.Exit(1)
	}
	log.Info("grpc listening", "addr", c.grpcAddr)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Mount("/", invhttp.NewHandler(log, svc).Routes())
	srv := &http.Server{
		Addr:         c.httpAddr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
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
	gs.GracefulStop()
	if !shutdown.Drain(&wg, 10*time.Second) {
		log.Warn("background workers did not stop in time")
	}
	log.Info("inventory-service shutdown complete")
}
