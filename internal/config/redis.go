package config

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// InitRedis connects the shared Redis client and the lock client layered on
// top of it. The lock client serializes registration-number allocation.
func InitRedis(ctx context.Context) (*redis.Client, *redislock.Client, error) {
	db, err := strconv.Atoi(os.Getenv("REDIS_DB"))
	if err != nil {
		db = 0
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     GetEnv("REDIS_ADDR", "127.0.0.1:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}

	return rdb, redislock.New(rdb), nil
}
