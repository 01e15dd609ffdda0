package reserve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Cache memoizes weighted-liquidity results for closed windows in
// Redis. A window whose end is in the past can never change, so cached
// entries need no invalidation, only an expiry to bound memory.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Cache{client: client, ttl: ttl}
}

func windowKey(start, end time.Time) string {
	return fmt.Sprintf("zilscope:weighted-liquidity:%d:%d", start.Unix(), end.Unix())
}

// Get returns the cached weights for a window; ok is false on a miss.
func (c *Cache) Get(ctx context.Context, start, end time.Time) (map[string]map[string]decimal.Decimal, bool, error) {
	if c == nil || c.client == nil {
		return nil, false, nil
	}
	raw, err := c.client.Get(ctx, windowKey(start, end)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var weights map[string]map[string]decimal.Decimal
	if err := json.Unmarshal(raw, &weights); err != nil {
		return nil, false, fmt.Errorf("decode cached weights: %w", err)
	}
	return weights, true, nil
}

// Put stores the weights for a closed window. Open windows must not be
// cached; the caller checks end against the clock.
func (c *Cache) Put(ctx context.Context, start, end time.Time, weights map[string]map[string]decimal.Decimal) error {
	if c == nil || c.client == nil {
		return nil
	}
	raw, err := json.Marshal(weights)
	if err != nil {
		return fmt.Errorf("encode weights: %w", err)
	}
	return c.client.Set(ctx, windowKey(start, end), raw, c.ttl).Err()
}
