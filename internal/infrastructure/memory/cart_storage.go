package memory

import (
	"context"
	"sync"

	domain "github.com/canteenhq/orderflow/internal/domain/cart"
)

// CartStorage holds carts per session key. Fallback for deployments without
// redis; carts do not survive a restart.
type CartStorage struct {
	mu    sync.RWMutex
	carts map[string]*domain.Cart
}

func NewCartStorage() *CartStorage {
	return &CartStorage{carts: make(map[string]*domain.Cart)}
}

func (s *CartStorage) Load(ctx context.Context, key string) (*domain.Cart, error) {
	_ = ctx

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.carts[key]
	if !ok {
		return nil, nil
	}
	return c.Clone(), nil
}

func (s *CartStorage) Save(ctx context.Context, key string, c *domain.Cart) error {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	if c == nil || c.IsEmpty() {
		delete(s.carts, key)
		return nil
	}
	s.carts[key] = c.Clone()
	return nil
}
