package memory

import (
	"context"
	"sync"
	"time"
)

// NonceStore tracks redeemed guest-auth nonces in process memory. Entries
// expire lazily so the map does not grow without bound.
type NonceStore struct {
	mu       sync.Mutex
	consumed map[string]time.Time
	now      func() time.Time
}

func NewNonceStore() *NonceStore {
	return &NonceStore{
		consumed: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Consume marks the nonce as redeemed. Returns false when it was already
// redeemed within its retention window.
func (s *NonceStore) Consume(ctx context.Context, nonce string, ttl time.Duration) (bool, error) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for n, expiry := range s.consumed {
		if now.After(expiry) {
			delete(s.consumed, n)
		}
	}

	if _, exists := s.consumed[nonce]; exists {
		return false, nil
	}
	s.consumed[nonce] = now.Add(ttl)
	return true, nil
}
