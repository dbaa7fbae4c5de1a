package main

import (
	"context"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dmehra2102/orderflow/internal/notification"
	"github.com/dmehra2102/orderflow/pkg/consumer"
	"github.com/dmehra2102/orderflow/pkg/idempotency"
	"github.com/dmehra2102/orderflow/pkg/logging"
	"github.com/dmehra2102/orderflow/pkg/shutdown"
	"github.com/dmehra2102/orderflow/pkg/tracing"
)

func main() {
	log := logging.New("notification-service")
	ctx, cancel := shutdown.WithSignals(context.Background())
	defer cancel()

	c, err := loadConfig()
	if err != nil {
		log.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	tp, err := tracing.Init(ctx, "notification-service", c.otelEndpoint, log)
	if err != nil {
		log.Error("otel init failed", "err", err)
		os.Exit(1)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	rdb := redis.NewClient(&redis.Options{Addr: c.redisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Error("redis unreachable", "addr", c.redisAddr, "err", err)
		os.Exit(1)
	}
	idem := idempotency.NewStore(rdb, c.group, c.dedupTTL)

	topics := notification.Topics(c.topicPrefix)
	handler := notification.NewHandler(notification.NewLogNotifier(log))
	cons := consumer.New(log, consumer.NewReader(c.kafkaBrokers, c.group, topics), idem, handler.Handle,
		consumer.WithRetries(c.retries, 500*time.Millisecond))

	log.Info("consuming", "topics", topics, "group", c.group)
	if err := cons.Run(ctx); err != nil {
		log.Error("consumer stopped", "err", err)
		os.Exit(1)
	}
	log.Info("notification-service shutdown complete")
}
