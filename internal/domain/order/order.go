package order

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/canteenhq/orderflow/internal/domain/cart"
)

var (
	ErrNotFound               = errors.New("order: not found")
	ErrConflict               = errors.New("order: already exists")
	ErrEmptyOrder             = errors.New("order: at least one line is required")
	ErrMissingLocation        = errors.New("order: location is required")
	ErrMissingPayer           = errors.New("order: payer identity is required")
	ErrInvalidStateTransition = errors.New("order: invalid payment state transition")
)

// State is the payment lifecycle of a draft. Transitions are monotonic:
// settled and failed are terminal.
type State string

const (
	StateCreated     State = "created"
	StateAuthorizing State = "authorizing"
	StateAuthorized  State = "authorized"
	StateSettled     State = "settled"
	StateFailed      State = "failed"
)

// Line is a priced snapshot of a cart line item at submission time. Later
// catalog or price changes never alter it.
type Line struct {
	ProductID   string           `json:"product_id"`
	Name        string           `json:"name"`
	Quantity    int              `json:"quantity"`
	UnitPrice   decimal.Decimal  `json:"unit_price"`
	Selections  []cart.Selection `json:"selections,omitempty"`
	Notes       string           `json:"notes,omitempty"`
	IdentityKey string           `json:"identity_key"`
}

// GuestContact identifies an unauthenticated payer.
type GuestContact struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

// PayerIdentity is either an authenticated user id or guest contact info.
type PayerIdentity struct {
	UserID string        `json:"user_id,omitempty"`
	Guest  *GuestContact `json:"guest,omitempty"`
}

func (p PayerIdentity) IsGuest() bool { return p.UserID == "" }

func (p PayerIdentity) Validate() error {
	if p.UserID != "" {
		return nil
	}
	if p.Guest == nil || p.Guest.Name == "" || p.Guest.Email == "" {
		return ErrMissingPayer
	}
	return nil
}

// Draft is the single authoritative order record per submission. Its payment
// state is mutated only through the transition methods below.
type Draft struct {
	ID               string
	IdempotencyKey   string
	SessionID        string
	LocationID       string
	Lines            []Line
	Currency         string
	TotalAmount      decimal.Decimal
	Payer            PayerIdentity
	GatewayRef       string
	GuestAccessToken string
	FailureReason    string
	State            State
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func New(id, idempotencyKey, locationID, currency string, lines []Line, total decimal.Decimal, payer PayerIdentity) (*Draft, error) {
	if len(lines) == 0 {
		return nil, ErrEmptyOrder
	}
	if locationID == "" {
		return nil, ErrMissingLocation
	}
	if err := payer.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &Draft{
		ID:             id,
		IdempotencyKey: idempotencyKey,
		LocationID:     locationID,
		Lines:          lines,
		Currency:       currency,
		TotalAmount:    total,
		Payer:          payer,
		State:          StateCreated,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// SnapshotLines freezes cart line items into order lines.
func SnapshotLines(items []cart.LineItem) []Line {
	lines := make([]Line, len(items))
	for i, item := range items {
		lines[i] = Line{
			ProductID:   item.ProductID,
			Name:        item.Name,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			Selections:  append([]cart.Selection(nil), item.Selections...),
			Notes:       item.Notes,
			IdentityKey: item.IdentityKey,
		}
	}
	return lines
}

// BeginAuthorization moves the draft into the gateway challenge phase and
// records the gateway's authorization handle.
func (d *Draft) BeginAuthorization(gatewayRef string) error {
	next, err := d.state().OnAuthorizationStarted(d)
	if err != nil {
		return err
	}
	d.GatewayRef = gatewayRef
	d.apply(next)
	return nil
}

// AuthorizationSucceeded is the merge point for client and webhook success
// signals. It is idempotent: repeating it on an authorized or settled draft
// succeeds without changing state.
func (d *Draft) AuthorizationSucceeded() error {
	next, err := d.state().OnAuthorizationSucceeded(d)
	if err != nil {
		return err
	}
	d.apply(next)
	return nil
}

func (d *Draft) AuthorizationFailed(reason string) error {
	next, err := d.state().OnAuthorizationFailed(d, reason)
	if err != nil {
		return err
	}
	d.apply(next)
	return nil
}

// MarkSettled records the downstream ledger acknowledgment.
func (d *Draft) MarkSettled() error {
	next, err := d.state().OnSettled(d)
	if err != nil {
		return err
	}
	d.apply(next)
	return nil
}

func (d *Draft) IsTerminal() bool {
	return d.State == StateSettled || d.State == StateFailed
}

func (d *Draft) Clone() *Draft {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Lines = make([]Line, len(d.Lines))
	copy(clone.Lines, d.Lines)
	for i := range clone.Lines {
		clone.Lines[i].Selections = append([]cart.Selection(nil), d.Lines[i].Selections...)
	}
	if d.Payer.Guest != nil {
		guest := *d.Payer.Guest
		clone.Payer.Guest = &guest
	}
	return &clone
}

func (d *Draft) apply(next paymentState) {
	d.State = next.State()
	d.UpdatedAt = time.Now().UTC()
}
