package shared

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProcessedMarkers records processed work keys in redis with a TTL so
// repeated triggers inside the window become no-ops. Keys expire on their
// own; Clear exists for rolling back a failed attempt early.
type ProcessedMarkers struct {
	client *redis.Client
	ttl    time.Duration
}

// NewProcessedMarkers constructs the marker store.
func NewProcessedMarkers(client *redis.Client, ttl time.Duration) *ProcessedMarkers {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ProcessedMarkers{client: client, ttl: ttl}
}

// MarkOnce sets the key and reports whether this call was the first within
// the TTL window.
func (m *ProcessedMarkers) MarkOnce(ctx context.Context, key string) (bool, error) {
	if m == nil || m.client == nil {
		return false, errors.New("markers not initialised")
	}
	if key == "" {
		return false, errors.New("marker key required")
	}
	ok, err := m.client.SetNX(ctx, key, "1", m.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("shared: mark %s: %w", key, err)
	}
	return ok, nil
}

// Clear removes a marker so the work can be retried before the TTL lapses.
func (m *ProcessedMarkers) Clear(ctx context.Context, key string) error {
	if m == nil || m.client == nil {
		return errors.New("markers not initialised")
	}
	if key == "" {
		return errors.New("marker key required")
	}
	return m.client.Del(ctx, key).Err()
}

// RepostMarkerKey builds the processed marker for one voucher under one
// repost trigger.
func RepostMarkerKey(trigger string, role string, id int64) string {
	return fmt.Sprintf("ledger:repost:%s:%s:%d:done", trigger, strings.ToLower(role), id)
}
