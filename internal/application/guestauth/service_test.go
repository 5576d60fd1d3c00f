package guestauth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domauth "github.com/canteenhq/orderflow/internal/domain/guestauth"
	"github.com/canteenhq/orderflow/internal/observability"
)

type stubCaptcha struct {
	pass   bool
	err    error
	calls  int
	action string
}

func (c *stubCaptcha) Verify(_ context.Context, _ string, action string) (bool, error) {
	c.calls++
	c.action = action
	return c.pass, c.err
}

type memNonces struct {
	mu   sync.Mutex
	seen map[string]struct{}
	err  error
}

func (n *memNonces) Consume(_ context.Context, nonce string, _ time.Duration) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return false, n.err
	}
	if n.seen == nil {
		n.seen = make(map[string]struct{})
	}
	if _, dup := n.seen[nonce]; dup {
		return false, nil
	}
	n.seen[nonce] = struct{}{}
	return true, nil
}

type seqIDs struct{ n int }

func (s *seqIDs) NewID() string {
	s.n++
	return string(rune('a' + s.n - 1))
}

func newFixture(captcha *stubCaptcha) (*Service, *memNonces) {
	nonces := &memNonces{}
	svc := NewService(captcha, nonces, domauth.NewSigner("secret"), &seqIDs{}, 5*time.Minute, observability.Nop())
	return svc, nonces
}

func TestEnsureIssuesAndMemoizes(t *testing.T) {
	captcha := &stubCaptcha{pass: true}
	svc, _ := newFixture(captcha)
	ctx := context.Background()

	first, err := svc.Ensure(ctx, "s1", "proof")
	require.NoError(t, err)
	assert.Equal(t, ActionGuestCheckout, captcha.action)

	second, err := svc.Ensure(ctx, "s1", "another-proof")
	require.NoError(t, err)
	assert.Equal(t, first, second, "unexpired authorization must be returned unchanged")
	assert.Equal(t, 1, captcha.calls, "bot mitigation must not be re-prompted")
}

func TestEnsureSeparateSessions(t *testing.T) {
	captcha := &stubCaptcha{pass: true}
	svc, _ := newFixture(captcha)
	ctx := context.Background()

	a, err := svc.Ensure(ctx, "s1", "proof")
	require.NoError(t, err)
	b, err := svc.Ensure(ctx, "s2", "proof")
	require.NoError(t, err)
	assert.NotEqual(t, a.Nonce, b.Nonce)
}

func TestEnsureReacquiresAfterExpiry(t *testing.T) {
	captcha := &stubCaptcha{pass: true}
	svc, _ := newFixture(captcha)
	ctx := context.Background()

	now := time.Now()
	svc.WithClock(func() time.Time { return now })

	first, err := svc.Ensure(ctx, "s1", "proof")
	require.NoError(t, err)

	now = now.Add(10 * time.Minute)
	second, err := svc.Ensure(ctx, "s1", "proof")
	require.NoError(t, err)
	assert.NotEqual(t, first.Nonce, second.Nonce)
	assert.Equal(t, 2, captcha.calls)
}

func TestEnsureCaptchaFailure(t *testing.T) {
	svc, _ := newFixture(&stubCaptcha{err: errors.New("timeout")})
	_, err := svc.Ensure(context.Background(), "s1", "proof")
	assert.ErrorIs(t, err, ErrVerificationUnavailable)

	svc, _ = newFixture(&stubCaptcha{pass: false})
	_, err = svc.Ensure(context.Background(), "s1", "proof")
	assert.ErrorIs(t, err, ErrVerificationUnavailable)
}

func TestRedeemExactlyOnce(t *testing.T) {
	svc, _ := newFixture(&stubCaptcha{pass: true})
	ctx := context.Background()

	auth, err := svc.Ensure(ctx, "s1", "proof")
	require.NoError(t, err)

	require.NoError(t, svc.Redeem(ctx, "s1", auth))
	assert.ErrorIs(t, svc.Redeem(ctx, "s1", auth), ErrReplay)
}

func TestRedeemRejectsTamperedAuthorization(t *testing.T) {
	svc, _ := newFixture(&stubCaptcha{pass: true})
	ctx := context.Background()

	auth, err := svc.Ensure(ctx, "s1", "proof")
	require.NoError(t, err)

	auth.ExpiresAt = auth.ExpiresAt.Add(time.Hour)
	assert.ErrorIs(t, svc.Redeem(ctx, "s1", auth), ErrInvalidSignature)
}

func TestRedeemExpiredAtUse(t *testing.T) {
	captcha := &stubCaptcha{pass: true}
	svc, nonces := newFixture(captcha)
	ctx := context.Background()

	now := time.Now()
	svc.WithClock(func() time.Time { return now })

	auth, err := svc.Ensure(ctx, "s1", "proof")
	require.NoError(t, err)

	now = now.Add(10 * time.Minute)
	assert.ErrorIs(t, svc.Redeem(ctx, "s1", auth), ErrExpired)
	// The nonce was never consumed: expiry is checked first.
	assert.Empty(t, nonces.seen)

	// Abandoned checkout recovers silently with a fresh authorization.
	fresh, err := svc.Ensure(ctx, "s1", "proof")
	require.NoError(t, err)
	require.NoError(t, svc.Redeem(ctx, "s1", fresh))
}

func TestRedeemNonceStoreFailure(t *testing.T) {
	svc, nonces := newFixture(&stubCaptcha{pass: true})
	ctx := context.Background()

	auth, err := svc.Ensure(ctx, "s1", "proof")
	require.NoError(t, err)

	nonces.err = errors.New("redis down")
	assert.ErrorIs(t, svc.Redeem(ctx, "s1", auth), ErrVerificationUnavailable)
}

func TestOrderTokenRoundTrip(t *testing.T) {
	svc, _ := newFixture(&stubCaptcha{pass: true})

	token := svc.IssueOrderToken("ord-1", time.Hour)
	require.NoError(t, svc.VerifyOrderToken("ord-1", token))
	assert.Error(t, svc.VerifyOrderToken("ord-2", token))
}
