package guestauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidSignature = errors.New("guestauth: invalid signature")
	ErrExpired          = errors.New("guestauth: authorization expired")
	ErrReplay           = errors.New("guestauth: nonce already redeemed")
)

// Authorization is a short-lived, single-use, signed proof that a guest
// checkout passed bot mitigation. It is consumed exactly once at submission.
type Authorization struct {
	Nonce     string    `json:"nonce"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Signature string    `json:"signature"`
}

// ExpiredAt reports whether the authorization is past its validity window at
// the given instant. Checked at the moment of use, not at issuance.
func (a Authorization) ExpiredAt(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

// Signer produces and checks MACs over authorization fields and over
// order-scoped guest access tokens, using one shared secret.
type Signer struct {
	secret []byte
}

func NewSigner(secret string) Signer {
	return Signer{secret: []byte(secret)}
}

// Issue builds a signed authorization for the given validity window.
func (s Signer) Issue(nonce string, issuedAt time.Time, ttl time.Duration) Authorization {
	issuedAt = issuedAt.UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(ttl)
	return Authorization{
		Nonce:     nonce,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
		Signature: s.mac(authPayload(nonce, issuedAt, expiresAt)),
	}
}

// Verify checks the MAC over (nonce, issuedAt, expiresAt).
func (s Signer) Verify(a Authorization) error {
	expected := s.mac(authPayload(a.Nonce, a.IssuedAt.UTC().Truncate(time.Second), a.ExpiresAt.UTC().Truncate(time.Second)))
	if !hmac.Equal([]byte(expected), []byte(a.Signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// IssueOrderToken mints the single-use access credential a guest uses to
// view one specific order. The token embeds the order id so it cannot be
// replayed against another order.
func (s Signer) IssueOrderToken(orderID string, expiresAt time.Time) string {
	exp := expiresAt.UTC().Truncate(time.Second)
	return fmt.Sprintf("%d.%s", exp.Unix(), s.mac(tokenPayload(orderID, exp)))
}

// VerifyOrderToken checks a guest access token against an order id.
func (s Signer) VerifyOrderToken(orderID, token string, now time.Time) error {
	dot := strings.IndexByte(token, '.')
	if dot <= 0 {
		return ErrInvalidSignature
	}
	unix, err := strconv.ParseInt(token[:dot], 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	exp := time.Unix(unix, 0).UTC()
	expected := s.mac(tokenPayload(orderID, exp))
	if !hmac.Equal([]byte(expected), []byte(token[dot+1:])) {
		return ErrInvalidSignature
	}
	if !now.Before(exp) {
		return ErrExpired
	}
	return nil
}

func authPayload(nonce string, issuedAt, expiresAt time.Time) string {
	return fmt.Sprintf("auth|%s|%d|%d", nonce, issuedAt.Unix(), expiresAt.Unix())
}

func tokenPayload(orderID string, expiresAt time.Time) string {
	return fmt.Sprintf("order|%s|%d", orderID, expiresAt.Unix())
}

func (s Signer) mac(payload string) string {
	m := hmac.New(sha256.New, s.secret)
	m.Write([]byte(payload))
	return hex.EncodeToString(m.Sum(nil))
}
