package checkout

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domcart "github.com/canteenhq/orderflow/internal/domain/cart"
	domauth "github.com/canteenhq/orderflow/internal/domain/guestauth"
)

// GatewayAuthorization is the handle the payer's client uses to complete the
// challenge (3-D Secure, wallet confirmation, card entry) with the gateway.
type GatewayAuthorization struct {
	Ref          string
	ClientSecret string
}

// PaymentGateway creates payment authorizations. The same idempotency key
// must never produce two live authorizations.
type PaymentGateway interface {
	CreateAuthorization(ctx context.Context, amount decimal.Decimal, currency, idempotencyKey string) (GatewayAuthorization, error)
}

// GuestAuthorizer redeems guest checkout authorizations and mints the
// order-scoped access credential returned to guest payers.
type GuestAuthorizer interface {
	Redeem(ctx context.Context, sessionID string, auth domauth.Authorization) error
	IssueOrderToken(orderID string, validity time.Duration) string
	VerifyOrderToken(orderID, token string) error
}

// CartAccess is the slice of the cart store the engine needs: the snapshot
// source at submission and the single clear-on-authorization side effect.
type CartAccess interface {
	Get(ctx context.Context, sessionID string) (*domcart.Cart, error)
	Clear(ctx context.Context, sessionID string) error
}

type IDGenerator interface {
	NewID() string
}
