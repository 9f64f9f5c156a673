package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"appforge/pkg/logger"
)

const (
	ReconcilerLockKey  = "appforge:reconciler-lock"
	lockTTL            = 30 * time.Second // lock expires if the holder dies
	lockAcquireTimeout = 5 * time.Second
	lockExtendInterval = 10 * time.Second
	maxLockHoldTime    = 5 * time.Minute
)

const unlockScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

const renewScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("expire", KEYS[1], ARGV[2])
	else
		return 0
	end
`

// DistributedLock guards work that must run on one orchestrator instance at a time
type DistributedLock interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
	IsHeld() bool
}

// RedisDistributedLock is a SET NX lock with owner-checked release and background renewal
type RedisDistributedLock struct {
	client     *redis.Client
	lockKey    string
	lockValue  string // owner token; release only deletes our own lock
	ttl        time.Duration
	isHeld     bool
	acquiredAt time.Time
	stopRenew  chan struct{}
	stopped    bool
	mu         sync.Mutex
}

// NewRedisDistributedLock creates a lock on lockKey. A nil client yields a
// lock that always succeeds (single-instance mode).
func NewRedisDistributedLock(client *redis.Client, lockKey string) *RedisDistributedLock {
	if lockKey == "" {
		lockKey = ReconcilerLockKey
	}
	return &RedisDistributedLock{
		client:    client,
		lockKey:   lockKey,
		lockValue: lockKey + "-" + uuid.New().String(),
		ttl:       lockTTL,
		stopRenew: make(chan struct{}),
		stopped:   true,
	}
}

// TryLock tries to acquire the lock without waiting for the holder
func (l *RedisDistributedLock) TryLock(ctx context.Context) (bool, error) {
	if l.client == nil {
		logger.Warn("redis client is nil, skipping distributed lock (running in single-instance mode)")
		l.mu.Lock()
		l.isHeld = true
		l.mu.Unlock()
		return true, nil
	}

	acquireCtx, cancel := context.WithTimeout(ctx, lockAcquireTimeout)
	defer cancel()

	acquired, err := l.client.SetNX(acquireCtx, l.lockKey, l.lockValue, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		logger.DebugCtx(ctx, "lock %s already held by another instance", l.lockKey)
		return false, nil
	}

	l.mu.Lock()
	l.isHeld = true
	l.acquiredAt = time.Now()
	// a fresh channel per acquisition so TryLock/Unlock can cycle
	l.stopRenew = make(chan struct{})
	l.stopped = false
	stop := l.stopRenew
	l.mu.Unlock()

	go l.renewLock(ctx, stop)

	logger.DebugCtx(ctx, "lock %s acquired", l.lockKey)
	return true, nil
}

// Unlock releases the lock if this instance holds it
func (l *RedisDistributedLock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	if !l.isHeld && l.stopped {
		l.mu.Unlock()
		return nil
	}
	if l.client == nil {
		l.isHeld = false
		l.mu.Unlock()
		return nil
	}
	if !l.stopped {
		l.stopped = true
		close(l.stopRenew)
	}
	l.mu.Unlock()

	result, err := l.client.Eval(ctx, unlockScript, []string{l.lockKey}, l.lockValue).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	l.mu.Lock()
	l.isHeld = false
	l.mu.Unlock()

	if result == 1 {
		logger.DebugCtx(ctx, "lock %s released", l.lockKey)
	} else {
		logger.WarnCtx(ctx, "lock %s was already released or held by another instance", l.lockKey)
	}
	return nil
}

// IsHeld reports whether this instance believes it holds the lock
func (l *RedisDistributedLock) IsHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isHeld
}

func (l *RedisDistributedLock) renewLock(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(lockExtendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.mu.Lock()
			held := time.Since(l.acquiredAt)
			l.mu.Unlock()

			if held > maxLockHoldTime {
				logger.WarnCtx(ctx, "lock %s held for %.0f seconds, no longer renewing", l.lockKey, held.Seconds())
				l.markLost()
				return
			}

			result, err := l.client.Eval(ctx, renewScript, []string{l.lockKey}, l.lockValue, int(l.ttl.Seconds())).Int64()
			if err != nil {
				logger.WarnCtx(ctx, "failed to renew lock %s: %v", l.lockKey, err)
				l.markLost()
				return
			}
			if result == 0 {
				logger.WarnCtx(ctx, "lock %s renewal failed, lock lost", l.lockKey)
				l.markLost()
				return
			}
		}
	}
}

// markLost flags the lock as not held; Unlock still stops renewal and cleans up.
func (l *RedisDistributedLock) markLost() {
	l.mu.Lock()
	l.isHeld = false
	l.mu.Unlock()
}

// WithLock runs fn only if the lock can be acquired. Returns false when another instance holds it.
func WithLock(ctx context.Context, lock DistributedLock, fn func(ctx context.Context) error) (bool, error) {
	acquired, err := lock.TryLock(ctx)
	if err != nil || !acquired {
		return false, err
	}
	defer func() {
		if err := lock.Unlock(ctx); err != nil {
			logger.WarnCtx(ctx, "failed to release lock: %v", err)
		}
	}()
	return true, fn(ctx)
}
