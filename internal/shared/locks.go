package shared

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld reports that another worker holds the requested lock.
var ErrLockHeld = errors.New("lock already held")

// Locker issues TTL-bound critical-section locks backed by redis.
type Locker struct {
	client *redislock.Client
}

// NewLocker wraps a redis client with a lock issuer.
func NewLocker(client *redis.Client) *Locker {
	return &Locker{client: redislock.New(client)}
}

// Lock is a held critical-section lock.
type Lock struct {
	inner *redislock.Lock
}

// Obtain acquires key for ttl without retrying. Callers treat ErrLockHeld as
// a signal to skip the critical section rather than wait.
func (l *Locker) Obtain(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	if l == nil || l.client == nil {
		return nil, errors.New("locker not initialised")
	}
	lock, err := l.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLockHeld
	}
	if err != nil {
		return nil, fmt.Errorf("shared: obtain lock %s: %w", key, err)
	}
	return &Lock{inner: lock}, nil
}

// Release frees the lock early; expiry frees it otherwise.
func (l *Lock) Release(ctx context.Context) error {
	if l == nil || l.inner == nil {
		return nil
	}
	err := l.inner.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}
	return err
}

// RepostLockKey builds the redis key guarding ledger rewrites for a voucher.
func RepostLockKey(role string, id int64) string {
	return fmt.Sprintf("ledger:repost:%s:%d:lock", strings.ToLower(role), id)
}
