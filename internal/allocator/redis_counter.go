package allocator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

const (
	counterKeyPrefix = "clinic:regno:"
	lockKeyPrefix    = "lock:regno:"

	// Counter keys outlive the clinic day by a margin so a restart just
	// after midnight still sees yesterday's key expire on its own.
	counterTTL = 48 * time.Hour

	lockTTL = 3 * time.Second
)

// MaxRegistrationFunc returns the highest registration number already
// persisted for the clinic day (0 when none). Used to re-seed the counter
// after a Redis flush so numbers never move backwards.
type MaxRegistrationFunc func(ctx context.Context, day string) (int64, error)

// RedisCounter implements Counter on a per-day Redis key guarded by a
// distributed lock. The lock makes the seed-then-increment sequence atomic
// across every server worker.
type RedisCounter struct {
	rdb      *redis.Client
	locker   *redislock.Client
	maxToday MaxRegistrationFunc
}

func NewRedisCounter(rdb *redis.Client, locker *redislock.Client, maxToday MaxRegistrationFunc) *RedisCounter {
	return &RedisCounter{rdb: rdb, locker: locker, maxToday: maxToday}
}

func (c *RedisCounter) Next(ctx context.Context, day string, floor int64) (int64, error) {
	lock, err := c.locker.Obtain(ctx, lockKeyPrefix+day, lockTTL, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), 40),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return 0, ErrBusy
	}
	if err != nil {
		return 0, fmt.Errorf("obtain allocation lock: %w", err)
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			log.Printf("[allocator] release lock for %s: %v", day, err)
		}
	}()

	key := counterKeyPrefix + day

	cur, err := c.rdb.Get(ctx, key).Int64()
	switch {
	case errors.Is(err, redis.Nil):
		// Fresh day or flushed Redis: seed from what the DB already issued.
		cur = 0
		if c.maxToday != nil {
			dbMax, err := c.maxToday(ctx, day)
			if err != nil {
				return 0, fmt.Errorf("seed counter from db: %w", err)
			}
			cur = dbMax
		}
	case err != nil:
		return 0, fmt.Errorf("read counter: %w", err)
	}

	if cur < floor {
		cur = floor
	}

	if err := c.rdb.Set(ctx, key, cur, counterTTL).Err(); err != nil {
		return 0, fmt.Errorf("write counter: %w", err)
	}

	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("increment counter: %w", err)
	}
	return n, nil
}
