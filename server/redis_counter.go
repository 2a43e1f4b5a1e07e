package server

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounter is a distributed Counter backed by a single Redis key. It
// lets --max-clients style admission hold across multiple bridge
// processes sharing one Redis instance instead of only the local process'
// registry. Grounded on the teacher's database/redis.go dial/ping idiom
// and services/loginlockout.go's INCR-based counting.
type RedisCounter struct {
	rdb *redis.Client
	key string
}

// NewRedisCounter dials addr and pings it before returning, the same
// fail-fast shape as the teacher's ConnectRedis.
func NewRedisCounter(addr, key string) (*RedisCounter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisCounter{rdb: rdb, key: key}, nil
}

func (c *RedisCounter) Incr() (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	n, err := c.rdb.Incr(ctx, c.key).Result()
	return int(n), err
}

// Decr clamps at zero: a Decr racing a crashed peer's abandoned session
// (registry gone, Redis key still positive from a count that will never
// be matched by a Remove) must never drift negative and wedge admission.
func (c *RedisCounter) Decr() (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	n, err := c.rdb.Decr(ctx, c.key).Result()
	if n < 0 {
		c.rdb.Set(ctx, c.key, 0, 0)
		return 0, err
	}
	return int(n), err
}

func (c *RedisCounter) Count() (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	n, err := c.rdb.Get(ctx, c.key).Int()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}
