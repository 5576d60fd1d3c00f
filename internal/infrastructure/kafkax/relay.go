package kafkax

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	domorder "github.com/canteenhq/orderflow/internal/domain/order"
	domoutbox "github.com/canteenhq/orderflow/internal/domain/outbox"
	"github.com/canteenhq/orderflow/internal/observability"
)

// Relay forwards order lifecycle events from the in-process bus to a kafka
// topic for downstream consumers (kitchen displays, notifications, ledger).
type Relay struct {
	writer *kafka.Writer
	log    observability.Logger
}

func NewRelay(brokers []string, topic string, tel observability.Observability) *Relay {
	if tel == nil {
		tel = observability.Nop()
	}
	return &Relay{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        true,
		},
		log: tel.Logger().With(observability.F("component", "order-event-relay")),
	}
}

// Register subscribes the relay to the order lifecycle events on the bus.
func (r *Relay) Register(subscriber domoutbox.Subscriber) {
	subscriber.Subscribe(domorder.AuthorizedEvent{}.EventName(), r.relayAuthorized)
	subscriber.Subscribe(domorder.SettledEvent{}.EventName(), r.relaySettled)
}

func (r *Relay) Close() error { return r.writer.Close() }

type orderEventPayload struct {
	Event      string    `json:"event"`
	OrderID    string    `json:"order_id"`
	LocationID string    `json:"location_id,omitempty"`
	Amount     string    `json:"amount,omitempty"`
	Currency   string    `json:"currency,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (r *Relay) relayAuthorized(ctx context.Context, e domoutbox.Event) error {
	evt, ok := e.(domorder.AuthorizedEvent)
	if !ok {
		return nil
	}
	return r.write(ctx, orderEventPayload{
		Event:      evt.EventName(),
		OrderID:    evt.OrderID,
		LocationID: evt.LocationID,
		Amount:     evt.TotalAmount.StringFixed(2),
		Currency:   evt.Currency,
		OccurredAt: evt.OccurredAt,
	})
}

func (r *Relay) relaySettled(ctx context.Context, e domoutbox.Event) error {
	evt, ok := e.(domorder.SettledEvent)
	if !ok {
		return nil
	}
	return r.write(ctx, orderEventPayload{
		Event:      evt.EventName(),
		OrderID:    evt.OrderID,
		OccurredAt: evt.OccurredAt,
	})
}

func (r *Relay) write(ctx context.Context, payload orderEventPayload) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	err = r.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(payload.OrderID),
		Value: value,
		Time:  time.Now(),
	})
	if err != nil {
		r.log.Warn("order_event_relay_failed",
			observability.F("event", payload.Event),
			observability.F("order_id", payload.OrderID),
			observability.F("error", err.Error()),
		)
	}
	return err
}
