package checkout

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation covers everything catchable before the gateway is
	// involved: empty cart, unbound location, bad payer identity.
	ErrValidation = errors.New("checkout: validation failed")

	// ErrPaymentDeclined is terminal for one submission attempt. The cart is
	// preserved so the payer can retry without re-entering items.
	ErrPaymentDeclined = errors.New("checkout: payment declined")

	// ErrPaymentAmbiguous means the gateway result is unknown after a
	// timeout. Neither success nor failure may be assumed; the webhook
	// resolves the order eventually.
	ErrPaymentAmbiguous = errors.New("checkout: payment result unknown, check order history before retrying")

	ErrOrderNotFound = errors.New("checkout: order not found")

	ErrForbidden = errors.New("checkout: access denied")
)

func newValidation(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}
