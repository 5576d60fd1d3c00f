package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	domain "github.com/canteenhq/orderflow/internal/domain/order"
)

const uniqueViolation = "23505"

// OrderRepository is the durable order store. Optimistic concurrency on the
// payment state column backs the CAS contract of domain.Repository.
type OrderRepository struct {
	pool *pgxpool.Pool
}

func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

func (r *OrderRepository) Insert(ctx context.Context, draft *domain.Draft) error {
	lines, payer, err := encodeDraft(draft)
	if err != nil {
		return err
	}

	const q = `INSERT INTO orders
		(id, idempotency_key, session_id, location_id, lines, currency,
		 total_amount, payer, gateway_ref, guest_access_token, failure_reason,
		 payment_state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err = r.pool.Exec(ctx, q,
		draft.ID, draft.IdempotencyKey, draft.SessionID, draft.LocationID,
		lines, draft.Currency, draft.TotalAmount, payer, draft.GatewayRef,
		draft.GuestAccessToken, draft.FailureReason, string(draft.State),
		draft.CreatedAt, draft.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrConflict
		}
		return fmt.Errorf("postgres: insert order: %w", err)
	}
	return nil
}

func (r *OrderRepository) Get(ctx context.Context, id string) (*domain.Draft, error) {
	const q = selectDraft + ` WHERE id = $1`
	return r.queryOne(ctx, q, id)
}

func (r *OrderRepository) FindByIdempotency(ctx context.Context, key string) (*domain.Draft, error) {
	if key == "" {
		return nil, domain.ErrNotFound
	}
	const q = selectDraft + ` WHERE idempotency_key = $1`
	return r.queryOne(ctx, q, key)
}

// Update persists the draft only while the stored payment state still equals
// expectedState. Zero rows affected means a concurrent writer won.
func (r *OrderRepository) Update(ctx context.Context, draft *domain.Draft, expectedState domain.State) error {
	lines, _, err := encodeDraft(draft)
	if err != nil {
		return err
	}

	const q = `UPDATE orders SET
		lines = $1, gateway_ref = $2, guest_access_token = $3,
		failure_reason = $4, payment_state = $5, updated_at = $6
		WHERE id = $7 AND payment_state = $8`

	tag, err := r.pool.Exec(ctx, q,
		lines, draft.GatewayRef, draft.GuestAccessToken, draft.FailureReason,
		string(draft.State), draft.UpdatedAt, draft.ID, string(expectedState),
	)
	if err != nil {
		return fmt.Errorf("postgres: update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, gerr := r.Get(ctx, draft.ID); errors.Is(gerr, domain.ErrNotFound) {
			return domain.ErrNotFound
		}
		return domain.ErrConflict
	}
	return nil
}

const selectDraft = `SELECT
	id, idempotency_key, session_id, location_id, lines, currency,
	total_amount, payer, gateway_ref, guest_access_token, failure_reason,
	payment_state, created_at, updated_at
	FROM orders`

func (r *OrderRepository) queryOne(ctx context.Context, q string, arg any) (*domain.Draft, error) {
	var (
		draft      domain.Draft
		lines      []byte
		payer      []byte
		stateValue string
	)
	err := r.pool.QueryRow(ctx, q, arg).Scan(
		&draft.ID, &draft.IdempotencyKey, &draft.SessionID, &draft.LocationID,
		&lines, &draft.Currency, &draft.TotalAmount, &payer,
		&draft.GatewayRef, &draft.GuestAccessToken, &draft.FailureReason,
		&stateValue, &draft.CreatedAt, &draft.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: load order: %w", err)
	}

	if err := json.Unmarshal(lines, &draft.Lines); err != nil {
		return nil, fmt.Errorf("postgres: decode order lines: %w", err)
	}
	if err := json.Unmarshal(payer, &draft.Payer); err != nil {
		return nil, fmt.Errorf("postgres: decode payer: %w", err)
	}
	draft.State = domain.State(stateValue)
	return &draft, nil
}

func encodeDraft(draft *domain.Draft) (lines, payer []byte, err error) {
	lines, err = json.Marshal(draft.Lines)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: encode order lines: %w", err)
	}
	payer, err = json.Marshal(draft.Payer)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: encode payer: %w", err)
	}
	return lines, payer, nil
}
