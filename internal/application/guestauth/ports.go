package guestauth

import (
	"context"
	"time"
)

// CaptchaVerifier exchanges a one-time action proof token with the external
// bot-mitigation service.
type CaptchaVerifier interface {
	Verify(ctx context.Context, proofToken, action string) (bool, error)
}

// NonceStore tracks consumed authorization nonces. Consume returns false
// when the nonce was already redeemed; entries live at least ttl so replays
// fail closed even after the authorization itself expired.
type NonceStore interface {
	Consume(ctx context.Context, nonce string, ttl time.Duration) (bool, error)
}

// IDGenerator mints opaque nonces.
type IDGenerator interface {
	NewID() string
}

// Clock is injectable time for expiry-at-use checks.
type Clock func() time.Time
