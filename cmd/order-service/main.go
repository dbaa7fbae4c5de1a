package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	orchestrator "github.com/dmehra2102/orderflow/internal/orchestrator/application"
	sagapg "github.com/dmehra2102/orderflow/internal/orchestrator/infrastructure/postgres"
	sagalog "github.com/dmehra2102/orderflow/internal/orchestrator/infrastructure/sqlite"
	"github.com/dmehra2102/orderflow/internal/order/application"
	ordergrpc "github.com/dmehra2102/orderflow/internal/order/infrastructure/grpc"
	orderhttp "github.com/dmehra2102/orderflow/internal/order/infrastructure/http"
	orderpg "github.com/dmehra2102/orderflow/internal/order/infrastructure/postgres"
	"github.com/dmehra2102/orderflow/internal/order/infrastructure/rest"
	"github.com/dmehra2102/orderflow/pkg/clock"
	"github.com/dmehra2102/orderflow/pkg/lock"
	"github.com/dmehra2102/orderflow/pkg/logging"
	"github.com/dmehra2102/orderflow/pkg/metrics"
	"github.com/dmehra2102/orderflow/pkg/outbox"
	"github.com/dmehra2102/orderflow/pkg/shutdown"
	"github.com/dmehra2102/orderflow/pkg/tracing"
)

func main() {
	log := logging.New("order-service")
	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	c, err := loadConfig()
	if err != nil {
		log.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	tp, err := tracing.Init(ctx, "order-service", c.otelEndpoint, log)
	if err != nil {
		log.Error("otel init failed", "err", err)
		os.Exit(1)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()
	mp, err := metrics.Init(ctx, "order-service", c.otelEndpoint)
	if err != nil {
		log.Error("metrics init failed", "err", err)
		os.Exit(1)
	}
	defer func() { _ = mp.Shutdown(context.Background()) }()

	// Postgres Setup
	pool, err := pgxpool.New(ctx, c.pgURL)
	if err != nil {
		log.Error("pg connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	repo := orderpg.NewRepository(log, pool)
	sagas := sagapg.NewStore(log, pool)
	for _, m := range []interface{ Migrate(context.Context) error }{repo, sagas} {
		if err := m.Migrate(ctx); err != nil {
			log.Error("migration failed", "err", err)
			os.Exit(1)
		}
	}

	if err := os.MkdirAll(filepath.Dir(c.sagaLogPath), 0o755); err != nil {
		log.Error("saga journal dir", "err", err)
		os.Exit(1)
	}
	journal, err := sagalog.Open(c.sagaLogPath)
	if err != nil {
		log.Error("saga journal open failed", "err", err)
		os.Exit(1)
	}
	defer journal.Close()

	inventory, err := ordergrpc.NewInventoryClient(log, c.inventoryGRPCAddr)
	if err != nil {
		log.Error("inventory client failed", "err", err)
		os.Exit(1)
	}
	defer inventory.Close()
	payments := rest.NewPaymentClient(log, c.paymentURL, c.saga.StepTimeout)

	// Redis holds the saga claims shared by every order-service replica
	rdb := redis.NewClient(&redis.Options{Addr: c.redisAddr})
	defer rdb.Close()
	claims := lock.NewManager(log, lock.NewRedisBackend(rdb), lock.WithTTL(c.saga.ClaimTTL))

	orders := application.NewService(log, repo, clock.Real{})
	saga := orchestrator.NewOrchestrator(log, orchestrator.Deps{
		Store:     sagas,
		Orders:    orders,
		Inventory: inventory,
		Payments:  payments,
		Journal:   journal,
		Claims:    claims,
	}, c.saga)

	// Kafka producer
	writer := outbox.NewKafkaWriter(c.kafkaBrokers)
	defer writer.Close()
	relay := outbox.NewRelay(log, outbox.NewPostgresStore(log, pool),
		outbox.NewDispatcher(log, writer, c.topicPrefix), "order-service-relay",
		outbox.WithInterval(c.relayInterval), outbox.WithBatchSize(c.relayBatch))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := relay.Run(ctx); err != nil {
			log.Error("relay stopped with error", "err", err)
		}
	}()
	// sagas interrupted by the last shutdown
	go func() {
		defer wg.Done()
		n, err := saga.Resume(ctx, c.resumeBatch)
		if err != nil {
			log.Error("saga recovery failed", "err", err)
			return
		}
		if n > 0 {
			log.Info("sagas recovered", "count", n)
		}
	}()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Mount("/", orderhttp.NewHandler(log, saga, orders).Routes())
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

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := saga.Wait(shutdownCtx); err != nil {
		log.Warn("in-flight sagas left for recovery", "err", err)
	}
	if !shutdown.Drain(&wg, 5*time.Second) {
		log.Warn("background workers did not stop in time")
	}
	log.Info("order-service shutdown complete")
}
