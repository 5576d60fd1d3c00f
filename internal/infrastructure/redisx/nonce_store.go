package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const nonceKeyPrefix = "guestauth:nonce:"

// NonceStore records redeemed guest-auth nonces across instances. SETNX
// makes the first redemption win; anyone else sees the nonce as spent for
// the retention window.
type NonceStore struct {
	client *redis.Client
}

func NewNonceStore(client *redis.Client) *NonceStore {
	return &NonceStore{client: client}
}

func (s *NonceStore) Consume(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, nonceKeyPrefix+nonce, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redisx: consume nonce: %w", err)
	}
	return ok, nil
}
