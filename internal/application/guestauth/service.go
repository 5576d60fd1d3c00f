package guestauth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	domauth "github.com/canteenhq/orderflow/internal/domain/guestauth"
	"github.com/canteenhq/orderflow/internal/observability"
	"github.com/canteenhq/orderflow/internal/observability/logctx"
)

const (
	componentGuestAuth = "guestauth_service"
	// ActionGuestCheckout binds the captcha proof to the one action it may
	// authorize.
	ActionGuestCheckout = "guest_checkout"

	captchaTimeout = 4 * time.Second
	// nonceRetention keeps consumed nonces around past expiry so a replay of
	// a stale-but-signed authorization still fails closed.
	nonceRetentionSlack = 5 * time.Minute
)

var (
	// ErrVerificationUnavailable means the bot-mitigation service could not
	// be reached or rejected the proof. Distinct from payment failures: the
	// client can tell "can't attempt checkout" from "checkout declined".
	ErrVerificationUnavailable = errors.New("guestauth: security verification unavailable")

	ErrExpired          = domauth.ErrExpired
	ErrReplay           = domauth.ErrReplay
	ErrInvalidSignature = domauth.ErrInvalidSignature
)

// Service issues and redeems guest checkout authorizations. Issued
// authorizations are memoized per session so bot mitigation is never
// re-prompted while a valid authorization exists.
type Service struct {
	captcha CaptchaVerifier
	nonces  NonceStore
	signer  domauth.Signer
	ids     IDGenerator
	ttl     time.Duration
	now     Clock

	mu    sync.Mutex
	cache map[string]domauth.Authorization

	log observability.Logger
}

func NewService(captcha CaptchaVerifier, nonces NonceStore, signer domauth.Signer, ids IDGenerator, ttl time.Duration, tel observability.Observability) *Service {
	if tel == nil {
		tel = observability.Nop()
	}
	return &Service{
		captcha: captcha,
		nonces:  nonces,
		signer:  signer,
		ids:     ids,
		ttl:     ttl,
		now:     time.Now,
		cache:   make(map[string]domauth.Authorization),
		log:     tel.Logger().With(observability.F("component", componentGuestAuth)),
	}
}

// WithClock overrides the time source. Test hook.
func (s *Service) WithClock(clock Clock) *Service {
	s.now = clock
	return s
}

// Ensure returns the session's cached authorization when still valid,
// otherwise verifies the captcha proof and issues a fresh one. Expired
// cached entries are silently replaced, never surfaced as errors.
func (s *Service) Ensure(ctx context.Context, sessionID, proofToken string) (domauth.Authorization, error) {
	logger := logctx.FromOr(ctx, s.log)
	now := s.now()

	s.mu.Lock()
	cached, ok := s.cache[sessionID]
	if ok && !cached.ExpiredAt(now) {
		s.mu.Unlock()
		logger.Debug("guest_authorization_reused", observability.F("session_id", sessionID))
		return cached, nil
	}
	delete(s.cache, sessionID)
	s.mu.Unlock()

	verifyCtx, cancel := context.WithTimeout(ctx, captchaTimeout)
	passed, err := s.captcha.Verify(verifyCtx, proofToken, ActionGuestCheckout)
	cancel()
	if err != nil {
		logger.Warn("captcha_verification_error", observability.F("error", err.Error()))
		return domauth.Authorization{}, fmt.Errorf("%w: %w", ErrVerificationUnavailable, err)
	}
	if !passed {
		logger.Info("captcha_verification_rejected", observability.F("session_id", sessionID))
		return domauth.Authorization{}, ErrVerificationUnavailable
	}

	auth := s.signer.Issue(s.ids.NewID(), now, s.ttl)

	s.mu.Lock()
	s.cache[sessionID] = auth
	s.mu.Unlock()

	logger.Info("guest_authorization_issued",
		observability.F("session_id", sessionID),
		observability.F("expires_at", auth.ExpiresAt),
	)
	return auth, nil
}

// Redeem consumes an authorization exactly once. Expiry is evaluated now,
// at the moment of use. Unknown or already-consumed nonces fail closed.
func (s *Service) Redeem(ctx context.Context, sessionID string, auth domauth.Authorization) error {
	logger := logctx.FromOr(ctx, s.log)

	if err := s.signer.Verify(auth); err != nil {
		logger.Warn("guest_authorization_bad_signature", observability.F("session_id", sessionID))
		return err
	}
	if auth.ExpiredAt(s.now()) {
		// Drop the stale cache entry so the next Ensure re-acquires
		// silently instead of erroring again.
		s.mu.Lock()
		delete(s.cache, sessionID)
		s.mu.Unlock()
		return ErrExpired
	}

	fresh, err := s.nonces.Consume(ctx, auth.Nonce, s.ttl+nonceRetentionSlack)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrVerificationUnavailable, err)
	}
	if !fresh {
		logger.Warn("guest_authorization_replay", observability.F("nonce", auth.Nonce))
		return ErrReplay
	}

	s.mu.Lock()
	delete(s.cache, sessionID)
	s.mu.Unlock()

	logger.Info("guest_authorization_redeemed", observability.F("session_id", sessionID))
	return nil
}

// IssueOrderToken mints the single-use credential a guest uses to view one
// order after checkout.
func (s *Service) IssueOrderToken(orderID string, validity time.Duration) string {
	return s.signer.IssueOrderToken(orderID, s.now().Add(validity))
}

// VerifyOrderToken checks a guest order-access credential.
func (s *Service) VerifyOrderToken(orderID, token string) error {
	return s.signer.VerifyOrderToken(orderID, token, s.now())
}
