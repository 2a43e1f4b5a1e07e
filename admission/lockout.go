package admission

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	lockoutKeyPrefix  = "ttybridge:lockout:"
	lockoutTTL        = 25 * time.Hour
	failThreshold     = 3
	maxLockoutMinutes = 24 * 60
)

// Lockout throttles repeated failed AuthToken attempts from the same peer
// address with a doubling backoff, tiered the same way the teacher's
// services/loginlockout.go throttles failed logins: 3 fails -> 15min,
// 6 -> 30min, 9 -> 60min, doubling each tier up to a 24h cap. Keyed by
// peer address instead of username, since the bridge has at most one
// shared credential rather than per-user accounts. A nil *Lockout (no
// TTYBRIDGE_REDIS_URL configured) makes every method a safe no-op.
type Lockout struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewLockout dials addr and pings it, the same fail-fast dial idiom as
// server.NewRedisCounter. Returns (nil, nil) when addr is empty.
func NewLockout(addr string, log zerolog.Logger) (*Lockout, error) {
	if addr == "" {
		return nil, nil
	}
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
	return &Lockout{rdb: rdb, log: log}, nil
}

func lockoutDuration(failCount int) time.Duration {
	tier := failCount / failThreshold
	if tier <= 0 {
		return 0
	}
	minutes := 15 * (1 << (tier - 1))
	if minutes > maxLockoutMinutes {
		minutes = maxLockoutMinutes
	}
	return time.Duration(minutes) * time.Minute
}

// IsLocked reports whether peer is presently locked out, and the seconds
// remaining if so.
func (l *Lockout) IsLocked(peer string) (bool, int) {
	if l == nil {
		return false, 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := lockoutKeyPrefix + peer
	lockedUntil, err := l.rdb.HGet(ctx, key, "locked_until").Result()
	if err != nil {
		return false, 0
	}
	ts, err := strconv.ParseInt(lockedUntil, 10, 64)
	if err != nil {
		return false, 0
	}
	until := time.Unix(ts, 0)
	if time.Now().After(until) {
		return false, 0
	}
	return true, int(time.Until(until).Seconds())
}

// RecordFailure increments peer's fail count and applies a lockout once
// the threshold is crossed.
func (l *Lockout) RecordFailure(peer string) {
	if l == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := lockoutKeyPrefix + peer
	newCount, err := l.rdb.HIncrBy(ctx, key, "fail_count", 1).Result()
	if err != nil {
		l.log.Warn().Err(err).Str("peer", peer).Msg("lockout: record failure")
		return
	}
	l.rdb.Expire(ctx, key, lockoutTTL)

	if newCount >= failThreshold && newCount%failThreshold == 0 {
		lockedUntil := time.Now().Add(lockoutDuration(int(newCount))).Unix()
		l.rdb.HSet(ctx, key, "locked_until", strconv.FormatInt(lockedUntil, 10))
	}
}

// RecordSuccess clears peer's fail count after a valid AuthToken.
func (l *Lockout) RecordSuccess(peer string) {
	if l == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	l.rdb.Del(ctx, lockoutKeyPrefix+peer)
}
