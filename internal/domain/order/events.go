package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// AuthorizedEvent is emitted exactly once when an order reaches the
// authorized state. Handled by the fulfillment notifier and the event relay.
type AuthorizedEvent struct {
	OrderID     string
	LocationID  string
	TotalAmount decimal.Decimal
	Currency    string
	GuestOrder  bool
	OccurredAt  time.Time
}

func (AuthorizedEvent) EventName() string { return "order.authorized" }

func NewAuthorizedEvent(d *Draft) AuthorizedEvent {
	return AuthorizedEvent{
		OrderID:     d.ID,
		LocationID:  d.LocationID,
		TotalAmount: d.TotalAmount,
		Currency:    d.Currency,
		GuestOrder:  d.Payer.IsGuest(),
		OccurredAt:  time.Now().UTC(),
	}
}

// SettledEvent is emitted when the downstream ledger acknowledges the order.
type SettledEvent struct {
	OrderID    string
	OccurredAt time.Time
}

func (SettledEvent) EventName() string { return "order.settled" }

func NewSettledEvent(d *Draft) SettledEvent {
	return SettledEvent{OrderID: d.ID, OccurredAt: time.Now().UTC()}
}

// AuthorizationAnomalyEvent records a failure signal that arrived after the
// order was already authorized or settled. Logged, never acted on.
type AuthorizationAnomalyEvent struct {
	OrderID    string
	Source     string
	Reason     string
	State      State
	OccurredAt time.Time
}

func (AuthorizationAnomalyEvent) EventName() string { return "order.authorization_anomaly" }
