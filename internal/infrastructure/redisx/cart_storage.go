package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	domain "github.com/canteenhq/orderflow/internal/domain/cart"
)

const cartKeyPrefix = "cart:"

// CartStorage persists carts as JSON blobs so they survive process restarts
// and page reloads. Each cart lives under cart:{sessionKey} with a sliding
// TTL refreshed on every save.
type CartStorage struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCartStorage(client *redis.Client, ttl time.Duration) *CartStorage {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &CartStorage{client: client, ttl: ttl}
}

func (s *CartStorage) Load(ctx context.Context, key string) (*domain.Cart, error) {
	payload, err := s.client.Get(ctx, cartKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redisx: load cart %q: %w", key, err)
	}

	var c domain.Cart
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, fmt.Errorf("redisx: decode cart %q: %w", key, err)
	}
	return &c, nil
}

func (s *CartStorage) Save(ctx context.Context, key string, c *domain.Cart) error {
	if c == nil || c.IsEmpty() {
		if err := s.client.Del(ctx, cartKeyPrefix+key).Err(); err != nil {
			return fmt.Errorf("redisx: delete cart %q: %w", key, err)
		}
		return nil
	}

	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("redisx: encode cart %q: %w", key, err)
	}
	if err := s.client.Set(ctx, cartKeyPrefix+key, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("redisx: save cart %q: %w", key, err)
	}
	return nil
}
