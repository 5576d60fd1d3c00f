package kafkax

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appcheckout "github.com/canteenhq/orderflow/internal/application/checkout"
	domcart "github.com/canteenhq/orderflow/internal/domain/cart"
	domauth "github.com/canteenhq/orderflow/internal/domain/guestauth"
	"github.com/canteenhq/orderflow/internal/domain/menu"
	domorder "github.com/canteenhq/orderflow/internal/domain/order"
	"github.com/canteenhq/orderflow/internal/infrastructure/memory"
)

type stubCarts struct{}

func (stubCarts) Get(_ context.Context, _ string) (*domcart.Cart, error) {
	c := domcart.New()
	c.Bind("loc-1")
	latte := menu.Product{ID: "latte", Name: "Latte", BasePrice: decimal.RequireFromString("3.50")}
	if _, err := c.Upsert(latte, 1, nil, ""); err != nil {
		return nil, err
	}
	return c, nil
}

func (stubCarts) Clear(_ context.Context, _ string) error { return nil }

type stubGateway struct{}

func (stubGateway) CreateAuthorization(_ context.Context, _ decimal.Decimal, _, _ string) (appcheckout.GatewayAuthorization, error) {
	return appcheckout.GatewayAuthorization{Ref: "gw-1", ClientSecret: "secret"}, nil
}

type stubGuests struct{}

func (stubGuests) Redeem(_ context.Context, _ string, _ domauth.Authorization) error { return nil }

func (stubGuests) IssueOrderToken(_ string, _ time.Duration) string { return "" }

func (stubGuests) VerifyOrderToken(_, _ string) error { return nil }

type staticIDs struct{}

func (staticIDs) NewID() string { return "order-1" }

func newConsumerFixture(t *testing.T) (*WebhookConsumer, *appcheckout.Engine) {
	t.Helper()
	engine := appcheckout.NewEngine(memory.NewOrderRepository(), stubCarts{},
		stubGateway{}, stubGuests{}, staticIDs{}, nil, "EUR", time.Second, nil)
	// The reader dials lazily; nothing here touches the broker.
	c := NewWebhookConsumer([]string{"localhost:9092"}, "test-group", "test-topic", engine, nil)
	t.Cleanup(func() { _ = c.reader.Close() })
	c.retryDelay = time.Millisecond
	c.maxRetryDelay = 2 * time.Millisecond
	c.maxAttempts = 5
	return c, engine
}

func eventMessage(t *testing.T, event GatewayEvent) kafka.Message {
	t.Helper()
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	return kafka.Message{Value: payload}
}

func submitOrder(t *testing.T, engine *appcheckout.Engine) string {
	t.Helper()
	result, err := engine.Submit(context.Background(), appcheckout.SubmitInput{
		SessionID:    "sess-1",
		SubmissionID: "sub-1",
		Payer:        domorder.PayerIdentity{UserID: "user-1"},
	})
	require.NoError(t, err)
	return result.OrderID
}

func TestHandleCommitsUndecodableMessage(t *testing.T) {
	c, _ := newConsumerFixture(t)

	assert.True(t, c.handle(context.Background(), kafka.Message{Value: []byte("not json")}))
	assert.True(t, c.handle(context.Background(), eventMessage(t, GatewayEvent{EventID: "evt-1"})))
}

func TestHandleDefersEventThatOutranSubmission(t *testing.T) {
	c, engine := newConsumerFixture(t)
	msg := eventMessage(t, GatewayEvent{EventID: "evt-1", OrderID: "order-1", Approved: true})

	// The order does not exist yet, so the message must not be committed.
	assert.False(t, c.handle(context.Background(), msg))

	// Once the submission lands, the same message resolves the order.
	orderID := submitOrder(t, engine)
	assert.True(t, c.handle(context.Background(), msg))

	order, err := engine.GetOrder(context.Background(), orderID, "")
	require.NoError(t, err)
	assert.Equal(t, domorder.StateAuthorized, order.State)
}

func TestProcessRetriesSameMessageUntilResolved(t *testing.T) {
	c, engine := newConsumerFixture(t)
	msg := eventMessage(t, GatewayEvent{EventID: "evt-1", OrderID: "order-1", Approved: true})

	done := make(chan bool, 1)
	go func() { done <- c.process(context.Background(), msg) }()

	// Let a few attempts bounce before the submission arrives.
	time.Sleep(3 * time.Millisecond)
	orderID := submitOrder(t, engine)

	select {
	case committed := <-done:
		assert.True(t, committed)
	case <-time.After(time.Second):
		t.Fatal("process did not finish")
	}

	order, err := engine.GetOrder(context.Background(), orderID, "")
	require.NoError(t, err)
	assert.Equal(t, domorder.StateAuthorized, order.State)
}

func TestProcessAbandonsAfterMaxAttempts(t *testing.T) {
	c, _ := newConsumerFixture(t)
	msg := eventMessage(t, GatewayEvent{EventID: "evt-1", OrderID: "never-submitted", Approved: true})

	// A message that never resolves is abandoned, not allowed to stall the
	// partition.
	assert.True(t, c.process(context.Background(), msg))
}

func TestProcessStopsOnCancelWithoutCommitting(t *testing.T) {
	c, _ := newConsumerFixture(t)
	c.retryDelay = time.Minute
	msg := eventMessage(t, GatewayEvent{EventID: "evt-1", OrderID: "order-1", Approved: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() { done <- c.process(ctx, msg) }()

	cancel()
	select {
	case committed := <-done:
		assert.False(t, committed)
	case <-time.After(time.Second):
		t.Fatal("process did not stop on cancel")
	}
}
