package main

import (
	"errors"
	"time"

	"github.com/dmehra2102/orderflow/pkg/config"
)

type cfg struct {
	redisAddr    string
	kafkaBrokers []string
	topicPrefix  string
	group        string
	otelEndpoint string
	dedupTTL     time.Duration
	retries      int
}

func loadConfig() (cfg, error) {
	c := cfg{
		redisAddr:    config.String("REDIS_ADDR", "localhost:6379"),
		kafkaBrokers: config.List("KAFKA_ADDR", "localhost:9092"),
		topicPrefix:  config.String("TOPIC_PREFIX", "orderflow"),
		group:        config.String("CONSUMER_GROUP", "notification-service"),
		otelEndpoint: config.String("OTEL_ENDPOINT", ""),
	}

	var errs []error
	var err error
	c.dedupTTL, err = config.Duration("DEDUP_TTL", 24*time.Hour)
	errs = append(errs, err)
	c.retries, err = config.Int("HANDLER_RETRIES", 3)
	errs = append(errs, err)

	return c, errors.Join(errs...)
}
