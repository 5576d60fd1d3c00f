package kafkax

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/trace"

	appcheckout "github.com/canteenhq/orderflow/internal/application/checkout"
	domorder "github.com/canteenhq/orderflow/internal/domain/order"
	"github.com/canteenhq/orderflow/internal/observability"
	workerpresentation "github.com/canteenhq/orderflow/internal/presentation/worker"
)

// GatewayEvent is the broker-delivered mirror of the gateway webhook
// payload. The same event may arrive on both channels.
type GatewayEvent struct {
	EventID  string `json:"event_id"`
	OrderID  string `json:"order_id"`
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// WebhookConsumer feeds broker-delivered gateway events into the settlement
// engine as webhook-source confirmation signals. Messages are fetched, never
// auto-committed: a signal that raced ahead of its submission is re-handled
// in place with backoff, and the offset moves only once the message reached
// a terminal outcome.
type WebhookConsumer struct {
	reader *kafka.Reader
	engine *appcheckout.Engine
	tel    observability.Observability
	log    observability.Logger

	retryDelay    time.Duration
	maxRetryDelay time.Duration
	maxAttempts   int
}

func NewWebhookConsumer(brokers []string, group, topic string, engine *appcheckout.Engine, tel observability.Observability) *WebhookConsumer {
	if tel == nil {
		tel = observability.Nop()
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  group,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &WebhookConsumer{
		reader:        reader,
		engine:        engine,
		tel:           tel,
		log:           tel.Logger().With(observability.F("component", "gateway-webhook-consumer")),
		retryDelay:    200 * time.Millisecond,
		maxRetryDelay: 5 * time.Second,
		maxAttempts:   8,
	}
}

// Run blocks until ctx is cancelled.
func (c *WebhookConsumer) Run(ctx context.Context) error {
	defer func() { _ = c.reader.Close() }()

	for {
		// FetchMessage leaves the group offset where it is; ReadMessage
		// would commit on read and lose any message we need to re-handle.
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}

		if !c.process(ctx, msg) {
			// Cancelled mid-retry; the uncommitted offset means the
			// message is redelivered to the next consumer.
			return nil
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.log.Warn("offset_commit_failed", observability.F("error", err.Error()))
		}
	}
}

// process re-handles one message until it reaches a terminal outcome,
// backing off between attempts. A message that stays retryable past
// maxAttempts is abandoned rather than allowed to stall the partition.
// Returns false only when ctx ended first.
func (c *WebhookConsumer) process(ctx context.Context, msg kafka.Message) bool {
	delay := c.retryDelay
	for attempt := 1; ; attempt++ {
		if c.handle(ctx, msg) {
			return true
		}
		if attempt >= c.maxAttempts {
			c.log.Error("gateway_event_abandoned",
				observability.F("offset", msg.Offset),
				observability.F("attempts", attempt),
			)
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		if delay *= 2; delay > c.maxRetryDelay {
			delay = c.maxRetryDelay
		}
	}
}

// handle reports whether the message is done and its offset may be
// committed.
func (c *WebhookConsumer) handle(ctx context.Context, msg kafka.Message) bool {
	var event GatewayEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		c.log.Warn("gateway_event_undecodable",
			observability.F("error", err.Error()),
			observability.F("offset", msg.Offset),
		)
		return true
	}
	if event.OrderID == "" {
		c.log.Warn("gateway_event_missing_order_id", observability.F("event_id", event.EventID))
		return true
	}

	ctx = workerpresentation.WithEventContext(ctx, c.log, c.tel,
		trace.TraceID{}, trace.SpanID{},
		map[string]string{
			"event_id": event.EventID,
			"event":    "gateway.confirmation",
		},
	)

	_, err := c.engine.Confirm(ctx, event.OrderID, appcheckout.Signal{
		Source:   appcheckout.SourceWebhook,
		Approved: event.Approved,
		Reason:   event.Reason,
	})
	switch {
	case err == nil:
		return true
	case errors.Is(err, domorder.ErrInvalidStateTransition),
		errors.Is(err, appcheckout.ErrOrderNotFound):
		// The webhook outran the submission transaction; the order will be
		// there shortly.
		c.log.Info("gateway_event_deferred",
			observability.F("order_id", event.OrderID),
			observability.F("error", err.Error()),
		)
		return false
	default:
		c.log.Error("gateway_event_failed",
			observability.F("order_id", event.OrderID),
			observability.F("error", err.Error()),
		)
		return false
	}
}
