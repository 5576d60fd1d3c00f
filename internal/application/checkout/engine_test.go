package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domcart "github.com/canteenhq/orderflow/internal/domain/cart"
	domauth "github.com/canteenhq/orderflow/internal/domain/guestauth"
	"github.com/canteenhq/orderflow/internal/domain/menu"
	domorder "github.com/canteenhq/orderflow/internal/domain/order"
	domoutbox "github.com/canteenhq/orderflow/internal/domain/outbox"
)

type memRepo struct {
	mu   sync.Mutex
	byID map[string]*domorder.Draft

	insertErr  error
	updateErr  error
	updateErrN int
}

// failUpdates makes the next n Update calls fail with err.
func (r *memRepo) failUpdates(n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateErr = err
	r.updateErrN = n
}

func newMemRepo() *memRepo {
	return &memRepo{byID: make(map[string]*domorder.Draft)}
}

func (r *memRepo) Insert(_ context.Context, draft *domorder.Draft) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return r.insertErr
	}
	if _, ok := r.byID[draft.ID]; ok {
		return domorder.ErrConflict
	}
	for _, existing := range r.byID {
		if existing.IdempotencyKey == draft.IdempotencyKey {
			return domorder.ErrConflict
		}
	}
	r.byID[draft.ID] = draft.Clone()
	return nil
}

func (r *memRepo) Get(_ context.Context, id string) (*domorder.Draft, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	draft, ok := r.byID[id]
	if !ok {
		return nil, domorder.ErrNotFound
	}
	return draft.Clone(), nil
}

func (r *memRepo) Update(_ context.Context, draft *domorder.Draft, expected domorder.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErrN > 0 {
		r.updateErrN--
		return r.updateErr
	}
	stored, ok := r.byID[draft.ID]
	if !ok {
		return domorder.ErrNotFound
	}
	if stored.State != expected {
		return domorder.ErrConflict
	}
	r.byID[draft.ID] = draft.Clone()
	return nil
}

func (r *memRepo) FindByIdempotency(_ context.Context, key string) (*domorder.Draft, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, draft := range r.byID {
		if draft.IdempotencyKey == key {
			return draft.Clone(), nil
		}
	}
	return nil, domorder.ErrNotFound
}

type memCarts struct {
	mu     sync.Mutex
	carts  map[string]*domcart.Cart
	clears int
}

func newMemCarts() *memCarts {
	return &memCarts{carts: make(map[string]*domcart.Cart)}
}

func (m *memCarts) put(sessionID string, c *domcart.Cart) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.carts[sessionID] = c.Clone()
}

func (m *memCarts) Get(_ context.Context, sessionID string) (*domcart.Cart, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.carts[sessionID]; ok {
		return c.Clone(), nil
	}
	return domcart.New(), nil
}

func (m *memCarts) Clear(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clears++
	delete(m.carts, sessionID)
	return nil
}

func (m *memCarts) clearCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clears
}

type stubGateway struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (g *stubGateway) CreateAuthorization(_ context.Context, _ decimal.Decimal, _, idempotencyKey string) (GatewayAuthorization, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, idempotencyKey)
	if g.err != nil {
		return GatewayAuthorization{}, g.err
	}
	return GatewayAuthorization{
		Ref:          fmt.Sprintf("gw-%d", len(g.calls)),
		ClientSecret: "secret",
	}, nil
}

func (g *stubGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

type stubGuests struct {
	mu        sync.Mutex
	redeems   int
	redeemErr error
}

func (s *stubGuests) Redeem(_ context.Context, _ string, _ domauth.Authorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.redeems++
	return s.redeemErr
}

func (s *stubGuests) IssueOrderToken(orderID string, _ time.Duration) string {
	return "order-token-" + orderID
}

func (s *stubGuests) VerifyOrderToken(orderID, token string) error {
	if token != "order-token-"+orderID {
		return domauth.ErrInvalidSignature
	}
	return nil
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("order-%d", s.n)
}

type capturePublisher struct {
	mu     sync.Mutex
	events []domoutbox.Event
}

func (p *capturePublisher) Publish(_ context.Context, e domoutbox.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *capturePublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, len(p.events))
	for i, e := range p.events {
		names[i] = e.EventName()
	}
	return names
}

type engineFixture struct {
	engine    *Engine
	repo      *memRepo
	carts     *memCarts
	gateway   *stubGateway
	guests    *stubGuests
	publisher *capturePublisher
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		repo:      newMemRepo(),
		carts:     newMemCarts(),
		gateway:   &stubGateway{},
		guests:    &stubGuests{},
		publisher: &capturePublisher{},
	}
	f.engine = NewEngine(
		f.repo, f.carts, f.gateway, f.guests, &seqIDs{}, f.publisher,
		"EUR", 2*time.Second, nil,
	)
	return f
}

func boundCart(t *testing.T) *domcart.Cart {
	t.Helper()
	c := domcart.New()
	c.Bind("loc-canteen")
	latte := menu.Product{ID: "latte", Name: "Latte", BasePrice: decimal.RequireFromString("3.50")}
	_, err := c.Upsert(latte, 2, nil, "")
	require.NoError(t, err)
	return c
}

func userInput(sessionID string) SubmitInput {
	return SubmitInput{
		SessionID:    sessionID,
		SubmissionID: "sub-1",
		Payer:        domorder.PayerIdentity{UserID: "user-7"},
	}
}

func TestSubmitHappyPath(t *testing.T) {
	f := newEngineFixture(t)
	f.carts.put("sess-1", boundCart(t))

	result, err := f.engine.Submit(context.Background(), userInput("sess-1"))
	require.NoError(t, err)

	assert.Equal(t, domorder.StateAuthorizing, result.State)
	assert.Equal(t, "gw-1", result.Authorization.Ref)
	assert.False(t, result.Replayed)

	stored, err := f.repo.Get(context.Background(), result.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domorder.StateAuthorizing, stored.State)
	assert.Equal(t, "sess-1", stored.SessionID)
	assert.True(t, stored.TotalAmount.Equal(decimal.RequireFromString("7.00")))
	require.Len(t, stored.Lines, 1)
	assert.Equal(t, 2, stored.Lines[0].Quantity)
}

func TestSubmitRejectsEmptyAndUnboundCarts(t *testing.T) {
	f := newEngineFixture(t)

	_, err := f.engine.Submit(context.Background(), userInput("sess-empty"))
	assert.ErrorIs(t, err, ErrValidation)

	unbound := domcart.New()
	latte := menu.Product{ID: "latte", Name: "Latte", BasePrice: decimal.RequireFromString("3.50")}
	_, uerr := unbound.Upsert(latte, 1, nil, "")
	require.NoError(t, uerr)
	unbound.LocationID = ""
	f.carts.put("sess-unbound", unbound)

	_, err = f.engine.Submit(context.Background(), userInput("sess-unbound"))
	assert.ErrorIs(t, err, ErrValidation)
	assert.Zero(t, f.gateway.callCount())
}

func TestSubmitDuplicateReturnsSameOrder(t *testing.T) {
	f := newEngineFixture(t)
	f.carts.put("sess-1", boundCart(t))

	first, err := f.engine.Submit(context.Background(), userInput("sess-1"))
	require.NoError(t, err)

	second, err := f.engine.Submit(context.Background(), userInput("sess-1"))
	require.NoError(t, err)

	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, first.Authorization.Ref, second.Authorization.Ref)
	assert.True(t, second.Replayed)
	assert.Equal(t, 1, f.gateway.callCount(), "the gateway must see one authorization per idempotency key")
}

func TestSubmitNewSubmissionIDCreatesNewOrder(t *testing.T) {
	f := newEngineFixture(t)
	f.carts.put("sess-1", boundCart(t))

	first, err := f.engine.Submit(context.Background(), userInput("sess-1"))
	require.NoError(t, err)

	retry := userInput("sess-1")
	retry.SubmissionID = "sub-2"
	second, err := f.engine.Submit(context.Background(), retry)
	require.NoError(t, err)

	assert.NotEqual(t, first.OrderID, second.OrderID)
	assert.Equal(t, 2, f.gateway.callCount())
}

func TestSubmitGatewayDeclinePreservesCart(t *testing.T) {
	f := newEngineFixture(t)
	f.carts.put("sess-1", boundCart(t))
	f.gateway.err = errors.New("card refused")

	_, err := f.engine.Submit(context.Background(), userInput("sess-1"))
	assert.ErrorIs(t, err, ErrPaymentDeclined)

	c, cerr := f.carts.Get(context.Background(), "sess-1")
	require.NoError(t, cerr)
	assert.False(t, c.IsEmpty(), "a declined payment must not consume the cart")

	replayed, err := f.engine.Submit(context.Background(), userInput("sess-1"))
	assert.Nil(t, replayed)
	assert.ErrorIs(t, err, ErrPaymentDeclined, "replaying a failed submission reports the original decline")
	assert.Equal(t, 1, f.gateway.callCount())
}

func TestSubmitGatewayTimeoutIsAmbiguous(t *testing.T) {
	f := newEngineFixture(t)
	f.carts.put("sess-1", boundCart(t))
	f.gateway.err = context.DeadlineExceeded

	_, err := f.engine.Submit(context.Background(), userInput("sess-1"))
	assert.ErrorIs(t, err, ErrPaymentAmbiguous)

	// The order is parked in the challenge phase so the webhook can still
	// resolve it either way.
	stored, gerr := f.repo.Get(context.Background(), "order-1")
	require.NoError(t, gerr)
	assert.Equal(t, domorder.StateAuthorizing, stored.State)

	_, err = f.engine.Confirm(context.Background(), stored.ID, Signal{Source: SourceWebhook, Approved: true})
	require.NoError(t, err)
}

func TestSubmitTimeoutParkRetriesTransientUpdateFailure(t *testing.T) {
	f := newEngineFixture(t)
	f.carts.put("sess-1", boundCart(t))
	f.gateway.err = context.DeadlineExceeded
	f.repo.failUpdates(1, errors.New("connection reset"))

	_, err := f.engine.Submit(context.Background(), userInput("sess-1"))
	assert.ErrorIs(t, err, ErrPaymentAmbiguous)

	stored, gerr := f.repo.Get(context.Background(), "order-1")
	require.NoError(t, gerr)
	assert.Equal(t, domorder.StateAuthorizing, stored.State)
}

func TestSubmitTimeoutParkFailureIsSurfaced(t *testing.T) {
	f := newEngineFixture(t)
	f.carts.put("sess-1", boundCart(t))
	f.gateway.err = context.DeadlineExceeded
	f.repo.failUpdates(2, errors.New("connection reset"))

	_, err := f.engine.Submit(context.Background(), userInput("sess-1"))
	assert.ErrorIs(t, err, ErrPaymentAmbiguous)
	assert.Contains(t, err.Error(), "order not parked")

	// The order never left its initial state, which the error reported.
	stored, gerr := f.repo.Get(context.Background(), "order-1")
	require.NoError(t, gerr)
	assert.Equal(t, domorder.StateCreated, stored.State)
}

func TestSubmitGuestRedeemsAuthorizationBeforeGateway(t *testing.T) {
	f := newEngineFixture(t)
	f.carts.put("sess-1", boundCart(t))

	input := SubmitInput{
		SessionID:    "sess-1",
		SubmissionID: "sub-1",
		Payer: domorder.PayerIdentity{Guest: &domorder.GuestContact{
			Name:  "Mara",
			Email: "mara@example.com",
		}},
		GuestAuth: &domauth.Authorization{Nonce: "n-1"},
	}
	_, err := f.engine.Submit(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, 1, f.guests.redeems)

	// A rejected redemption fails the submission before any money moves.
	f2 := newEngineFixture(t)
	f2.carts.put("sess-1", boundCart(t))
	f2.guests.redeemErr = domauth.ErrReplay

	_, err = f2.engine.Submit(context.Background(), input)
	assert.ErrorIs(t, err, domauth.ErrReplay)
	assert.Zero(t, f2.gateway.callCount())
}

func TestSubmitGuestRequiresAuthorization(t *testing.T) {
	f := newEngineFixture(t)
	f.carts.put("sess-1", boundCart(t))

	_, err := f.engine.Submit(context.Background(), SubmitInput{
		SessionID:    "sess-1",
		SubmissionID: "sub-1",
		Payer: domorder.PayerIdentity{Guest: &domorder.GuestContact{
			Name:  "Mara",
			Email: "mara@example.com",
		}},
	})
	assert.ErrorIs(t, err, ErrValidation)
}

func submitAuthorizing(t *testing.T, f *engineFixture) string {
	t.Helper()
	f.carts.put("sess-1", boundCart(t))
	result, err := f.engine.Submit(context.Background(), userInput("sess-1"))
	require.NoError(t, err)
	return result.OrderID
}

func TestConfirmSuccessAuthorizesAndClearsCartOnce(t *testing.T) {
	f := newEngineFixture(t)
	orderID := submitAuthorizing(t, f)

	result, err := f.engine.Confirm(context.Background(), orderID, Signal{Source: SourceClient, Approved: true})
	require.NoError(t, err)
	assert.Equal(t, domorder.StateAuthorized, result.State)
	assert.True(t, result.FirstAuthorization)
	assert.Equal(t, 1, f.carts.clearCount())
	assert.Equal(t, []string{"order.authorized"}, f.publisher.names())

	dup, err := f.engine.Confirm(context.Background(), orderID, Signal{Source: SourceWebhook, Approved: true})
	require.NoError(t, err)
	assert.Equal(t, domorder.StateAuthorized, dup.State)
	assert.False(t, dup.FirstAuthorization)
	assert.Equal(t, 1, f.carts.clearCount(), "duplicate signals never repeat the cart clear")
	assert.Equal(t, []string{"order.authorized"}, f.publisher.names())
}

func TestConfirmSignalOrderIsCommutative(t *testing.T) {
	orders := [][]SignalSource{
		{SourceClient, SourceWebhook},
		{SourceWebhook, SourceClient},
	}
	for _, sources := range orders {
		f := newEngineFixture(t)
		orderID := submitAuthorizing(t, f)

		for _, source := range sources {
			_, err := f.engine.Confirm(context.Background(), orderID, Signal{Source: source, Approved: true})
			require.NoError(t, err)
		}

		stored, err := f.repo.Get(context.Background(), orderID)
		require.NoError(t, err)
		assert.Equal(t, domorder.StateAuthorized, stored.State)
		assert.Equal(t, 1, f.carts.clearCount())
		assert.Equal(t, []string{"order.authorized"}, f.publisher.names())
	}
}

func TestConfirmDeclineFailsOrderAndKeepsCart(t *testing.T) {
	f := newEngineFixture(t)
	orderID := submitAuthorizing(t, f)

	result, err := f.engine.Confirm(context.Background(), orderID, Signal{
		Source:   SourceWebhook,
		Approved: false,
		Reason:   "insufficient funds",
	})
	require.NoError(t, err)
	assert.Equal(t, domorder.StateFailed, result.State)
	assert.Zero(t, f.carts.clearCount())

	stored, err := f.repo.Get(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, "insufficient funds", stored.FailureReason)

	c, err := f.carts.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.False(t, c.IsEmpty())
}

func TestConfirmLateFailureAfterAuthorizedIsIgnored(t *testing.T) {
	f := newEngineFixture(t)
	orderID := submitAuthorizing(t, f)

	_, err := f.engine.Confirm(context.Background(), orderID, Signal{Source: SourceClient, Approved: true})
	require.NoError(t, err)

	late, err := f.engine.Confirm(context.Background(), orderID, Signal{
		Source:   SourceWebhook,
		Approved: false,
		Reason:   "risk review",
	})
	require.NoError(t, err, "a late failure is an anomaly, not an error")
	assert.Equal(t, domorder.StateAuthorized, late.State)

	stored, err := f.repo.Get(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, domorder.StateAuthorized, stored.State)
	assert.Empty(t, stored.FailureReason)
}

func TestConfirmSuccessAfterFailureKeepsFailed(t *testing.T) {
	f := newEngineFixture(t)
	orderID := submitAuthorizing(t, f)

	_, err := f.engine.Confirm(context.Background(), orderID, Signal{Source: SourceClient, Approved: false, Reason: "declined"})
	require.NoError(t, err)

	result, err := f.engine.Confirm(context.Background(), orderID, Signal{Source: SourceWebhook, Approved: true})
	require.NoError(t, err)
	assert.Equal(t, domorder.StateFailed, result.State)
}

func TestConfirmBeforeAuthorizationStartedFails(t *testing.T) {
	f := newEngineFixture(t)

	draft, err := domorder.New("order-x", "key-x", "loc-canteen", "EUR",
		[]domorder.Line{{ProductID: "latte", Name: "Latte", Quantity: 1, UnitPrice: decimal.RequireFromString("3.50")}},
		decimal.RequireFromString("3.50"),
		domorder.PayerIdentity{UserID: "user-7"},
	)
	require.NoError(t, err)
	require.NoError(t, f.repo.Insert(context.Background(), draft))

	_, err = f.engine.Confirm(context.Background(), "order-x", Signal{Source: SourceWebhook, Approved: true})
	assert.ErrorIs(t, err, domorder.ErrInvalidStateTransition,
		"a webhook racing ahead of the submit transaction must be retryable")
}

func TestConfirmUnknownOrder(t *testing.T) {
	f := newEngineFixture(t)

	_, err := f.engine.Confirm(context.Background(), "nope", Signal{Source: SourceClient, Approved: true})
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestConfirmConcurrentSignalsAuthorizeOnce(t *testing.T) {
	f := newEngineFixture(t)
	orderID := submitAuthorizing(t, f)

	const n = 8
	var wg sync.WaitGroup
	firsts := make(chan bool, n)
	for i := 0; i < n; i++ {
		source := SourceClient
		if i%2 == 0 {
			source = SourceWebhook
		}
		wg.Add(1)
		go func(src SignalSource) {
			defer wg.Done()
			result, err := f.engine.Confirm(context.Background(), orderID, Signal{Source: src, Approved: true})
			if err == nil {
				firsts <- result.FirstAuthorization
			}
		}(source)
	}
	wg.Wait()
	close(firsts)

	winners := 0
	for first := range firsts {
		if first {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one signal wins the transition")
	assert.Equal(t, 1, f.carts.clearCount())
	assert.Equal(t, []string{"order.authorized"}, f.publisher.names())
}

func TestConfirmIssuesGuestOrderToken(t *testing.T) {
	f := newEngineFixture(t)
	f.carts.put("sess-1", boundCart(t))

	submitted, err := f.engine.Submit(context.Background(), SubmitInput{
		SessionID:    "sess-1",
		SubmissionID: "sub-1",
		Payer: domorder.PayerIdentity{Guest: &domorder.GuestContact{
			Name:  "Mara",
			Email: "mara@example.com",
		}},
		GuestAuth: &domauth.Authorization{Nonce: "n-1"},
	})
	require.NoError(t, err)

	confirmed, err := f.engine.Confirm(context.Background(), submitted.OrderID, Signal{Source: SourceClient, Approved: true})
	require.NoError(t, err)
	assert.Equal(t, "order-token-"+submitted.OrderID, confirmed.GuestAccessToken)

	// The token gates later reads of the order.
	_, err = f.engine.GetOrder(context.Background(), submitted.OrderID, confirmed.GuestAccessToken)
	assert.NoError(t, err)
	_, err = f.engine.GetOrder(context.Background(), submitted.OrderID, "forged")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestGetOrderForUserNeedsNoToken(t *testing.T) {
	f := newEngineFixture(t)
	orderID := submitAuthorizing(t, f)

	draft, err := f.engine.GetOrder(context.Background(), orderID, "")
	require.NoError(t, err)
	assert.Equal(t, orderID, draft.ID)

	_, err = f.engine.GetOrder(context.Background(), "missing", "")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestMarkSettled(t *testing.T) {
	f := newEngineFixture(t)
	orderID := submitAuthorizing(t, f)

	_, err := f.engine.Confirm(context.Background(), orderID, Signal{Source: SourceWebhook, Approved: true})
	require.NoError(t, err)

	require.NoError(t, f.engine.MarkSettled(context.Background(), orderID))
	stored, err := f.repo.Get(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, domorder.StateSettled, stored.State)
	assert.Equal(t, []string{"order.authorized", "order.settled"}, f.publisher.names())

	// Settling twice is a no-op, not an error.
	require.NoError(t, f.engine.MarkSettled(context.Background(), orderID))
	assert.Equal(t, []string{"order.authorized", "order.settled"}, f.publisher.names())
}

func TestMarkSettledRequiresAuthorized(t *testing.T) {
	f := newEngineFixture(t)
	orderID := submitAuthorizing(t, f)

	err := f.engine.MarkSettled(context.Background(), orderID)
	assert.ErrorIs(t, err, domorder.ErrInvalidStateTransition)
}
