package order

import "context"

type Repository interface {
	// Insert stores a new draft; ErrConflict when the id or a non-empty
	// idempotency key already exists.
	Insert(ctx context.Context, draft *Draft) error
	Get(ctx context.Context, id string) (*Draft, error)
	// Update persists a mutated draft only if the stored payment state still
	// equals expectedState (compare-and-set). ErrConflict on a lost race.
	Update(ctx context.Context, draft *Draft, expectedState State) error
	FindByIdempotency(ctx context.Context, key string) (*Draft, error)
}
