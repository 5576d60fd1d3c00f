package memory

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/canteenhq/orderflow/internal/domain/order"
)

func draftFixture(t *testing.T, id, idemKey string) *domain.Draft {
	t.Helper()
	d, err := domain.New(id, idemKey, "loc-1", "EUR",
		[]domain.Line{{ProductID: "latte", Name: "Latte", Quantity: 1, UnitPrice: decimal.RequireFromString("3.50")}},
		decimal.RequireFromString("3.50"),
		domain.PayerIdentity{UserID: "user-1"},
	)
	require.NoError(t, err)
	return d
}

func TestOrderRepositoryInsertConflicts(t *testing.T) {
	repo := NewOrderRepository()
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, draftFixture(t, "o-1", "k-1")))

	assert.ErrorIs(t, repo.Insert(ctx, draftFixture(t, "o-1", "k-other")), domain.ErrConflict)
	assert.ErrorIs(t, repo.Insert(ctx, draftFixture(t, "o-2", "k-1")), domain.ErrConflict)
}

func TestOrderRepositoryFindByIdempotency(t *testing.T) {
	repo := NewOrderRepository()
	ctx := context.Background()

	require.NoError(t, repo.Insert(ctx, draftFixture(t, "o-1", "k-1")))

	found, err := repo.FindByIdempotency(ctx, "k-1")
	require.NoError(t, err)
	assert.Equal(t, "o-1", found.ID)

	_, err = repo.FindByIdempotency(ctx, "k-missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOrderRepositoryUpdateCAS(t *testing.T) {
	repo := NewOrderRepository()
	ctx := context.Background()

	draft := draftFixture(t, "o-1", "k-1")
	require.NoError(t, repo.Insert(ctx, draft))

	require.NoError(t, draft.BeginAuthorization("gw-1"))
	require.NoError(t, repo.Update(ctx, draft, domain.StateCreated))

	// A second writer that still believes the order is in its prior state
	// must lose.
	stale := draftFixture(t, "o-1", "k-1")
	require.NoError(t, stale.AuthorizationFailed("declined"))
	assert.ErrorIs(t, repo.Update(ctx, stale, domain.StateCreated), domain.ErrConflict)

	stored, err := repo.Get(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateAuthorizing, stored.State)
	assert.Equal(t, "gw-1", stored.GatewayRef)
}

func TestOrderRepositoryGetReturnsCopy(t *testing.T) {
	repo := NewOrderRepository()
	ctx := context.Background()
	require.NoError(t, repo.Insert(ctx, draftFixture(t, "o-1", "k-1")))

	first, err := repo.Get(ctx, "o-1")
	require.NoError(t, err)
	first.Lines[0].Quantity = 99

	second, err := repo.Get(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, 1, second.Lines[0].Quantity)
}
