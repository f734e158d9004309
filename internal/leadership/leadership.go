// Package leadership answers whether this unit is the application leader.
package leadership

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Checker is the leadership predicate handlers consult before mutating
// cluster or remote state.
type Checker interface {
	IsLeader(ctx context.Context) (bool, error)
}

// Static is a fixed answer, for single-unit deployments and tests.
type Static bool

func (s Static) IsLeader(context.Context) (bool, error) {
	return bool(s), nil
}

// RedisLease elects the leader with a Redis lock on leader:{app}. The unit
// holding the lock is leader until it fails to refresh it within the TTL.
type RedisLease struct {
	locker *redislock.Client
	key    string
	unit   string
	ttl    time.Duration
	logger *zap.Logger

	mu   sync.Mutex
	lock *redislock.Lock
}

func NewRedisLease(client *redis.Client, app, unit string, ttl time.Duration, logger *zap.Logger) *RedisLease {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLease{
		locker: redislock.New(client),
		key:    "leader:" + app,
		unit:   unit,
		ttl:    ttl,
		logger: logger.Named("leadership").With(zap.String("unit", unit)),
	}
}

// IsLeader refreshes a held lease or tries once to obtain a free one.
func (l *RedisLease) IsLeader(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lock != nil {
		err := l.lock.Refresh(ctx, l.ttl, nil)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, redislock.ErrNotObtained) && !errors.Is(err, redislock.ErrLockNotHeld) {
			return false, fmt.Errorf("refresh leader lease: %w", err)
		}
		l.logger.Warn("leader lease lost")
		l.lock = nil
	}

	lock, err := l.locker.Obtain(ctx, l.key, l.ttl, &redislock.Options{
		Metadata: l.unit,
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("obtain leader lease: %w", err)
	}
	l.lock = lock
	l.logger.Info("acquired leader lease", zap.String("key", l.key), zap.Duration("ttl", l.ttl))
	return true, nil
}

// KeepAlive calls IsLeader every half TTL until ctx is done, so a leader
// keeps its lease between events.
func (l *RedisLease) KeepAlive(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.IsLeader(ctx); err != nil && ctx.Err() == nil {
				l.logger.Warn("leader lease check failed", zap.Error(err))
			}
		}
	}
}

// Release gives up the lease if held.
func (l *RedisLease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lock == nil {
		return nil
	}
	err := l.lock.Release(ctx)
	l.lock = nil
	if err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
		return fmt.Errorf("release leader lease: %w", err)
	}
	return nil
}
