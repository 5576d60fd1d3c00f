package guestauth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	s := NewSigner("topsecret")
	auth := s.Issue("nonce-1", time.Now(), 5*time.Minute)

	require.NoError(t, s.Verify(auth))
	assert.False(t, auth.ExpiredAt(time.Now()))
	assert.True(t, auth.ExpiredAt(auth.ExpiresAt))
	assert.True(t, auth.ExpiredAt(auth.ExpiresAt.Add(time.Second)))
}

func TestVerifyRejectsTampering(t *testing.T) {
	s := NewSigner("topsecret")
	auth := s.Issue("nonce-1", time.Now(), 5*time.Minute)

	stretched := auth
	stretched.ExpiresAt = stretched.ExpiresAt.Add(time.Hour)
	assert.ErrorIs(t, s.Verify(stretched), ErrInvalidSignature)

	swapped := auth
	swapped.Nonce = "nonce-2"
	assert.ErrorIs(t, s.Verify(swapped), ErrInvalidSignature)
}

func TestVerifyRejectsForeignSecret(t *testing.T) {
	auth := NewSigner("secret-a").Issue("nonce-1", time.Now(), 5*time.Minute)
	assert.ErrorIs(t, NewSigner("secret-b").Verify(auth), ErrInvalidSignature)
}

func TestOrderTokenScopedToOrder(t *testing.T) {
	s := NewSigner("topsecret")
	exp := time.Now().Add(24 * time.Hour)
	token := s.IssueOrderToken("ord-1", exp)

	require.NoError(t, s.VerifyOrderToken("ord-1", token, time.Now()))
	assert.ErrorIs(t, s.VerifyOrderToken("ord-2", token, time.Now()), ErrInvalidSignature)
	assert.ErrorIs(t, s.VerifyOrderToken("ord-1", "garbage", time.Now()), ErrInvalidSignature)
	assert.ErrorIs(t, s.VerifyOrderToken("ord-1", token, exp.Add(time.Minute)), ErrExpired)
}
