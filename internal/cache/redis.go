// Package cache holds the redis client bootstrap and the small key/value
// cache used for settings and seat list responses. When redis is not
// reachable an in-process TTL store is used instead.
package cache

import (
	"context"
	"time"

	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// NewRedisClient connects to redis and pings it with a short timeout.
// Returns nil when redis is disabled or unreachable; callers degrade to
// in-process stores.
func NewRedisClient(cfg config.RedisConfig, logger *logrus.Logger) *redis.Client {
	if cfg.Addr == "" {
		logger.Info("Redis not configured, using in-process stores")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.WithError(err).WithField("addr", cfg.Addr).Warn("Redis unreachable, using in-process stores")
		_ = client.Close()
		return nil
	}

	logger.WithField("addr", cfg.Addr).Info("Connected to Redis")
	return client
}
