package memory

import (
	"context"
	"fmt"
	"sync"

	domain "github.com/canteenhq/orderflow/internal/domain/order"
)

type OrderRepository struct {
	mu          sync.RWMutex
	orders      map[string]*domain.Draft
	idempotency map[string]string
}

func NewOrderRepository() *OrderRepository {
	return &OrderRepository{
		orders:      make(map[string]*domain.Draft),
		idempotency: make(map[string]string),
	}
}

func (r *OrderRepository) Insert(ctx context.Context, draft *domain.Draft) error {
	_ = ctx
	if draft == nil || draft.ID == "" {
		return fmt.Errorf("order repository: id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.orders[draft.ID]; exists {
		return domain.ErrConflict
	}
	if key := draft.IdempotencyKey; key != "" {
		if existingID, exists := r.idempotency[key]; exists {
			if _, ok := r.orders[existingID]; ok {
				return domain.ErrConflict
			}
		}
	}

	r.orders[draft.ID] = draft.Clone()
	if key := draft.IdempotencyKey; key != "" {
		r.idempotency[key] = draft.ID
	}
	return nil
}

func (r *OrderRepository) Get(ctx context.Context, id string) (*domain.Draft, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	draft, ok := r.orders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return draft.Clone(), nil
}

// Update replaces the stored draft only while its payment state still equals
// expectedState. A lost race surfaces as ErrConflict so the caller reloads
// and re-decides.
func (r *OrderRepository) Update(ctx context.Context, draft *domain.Draft, expectedState domain.State) error {
	_ = ctx
	if draft == nil || draft.ID == "" {
		return fmt.Errorf("order repository: id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored, exists := r.orders[draft.ID]
	if !exists {
		return domain.ErrNotFound
	}
	if stored.State != expectedState {
		return domain.ErrConflict
	}

	r.orders[draft.ID] = draft.Clone()
	return nil
}

func (r *OrderRepository) FindByIdempotency(ctx context.Context, key string) (*domain.Draft, error) {
	_ = ctx
	if key == "" {
		return nil, domain.ErrNotFound
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	orderID, ok := r.idempotency[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	draft, found := r.orders[orderID]
	if !found {
		return nil, domain.ErrNotFound
	}
	return draft.Clone(), nil
}
