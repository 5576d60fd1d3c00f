package fulfillment

import (
	"context"

	appcheckout "github.com/canteenhq/orderflow/internal/application/checkout"
	domorder "github.com/canteenhq/orderflow/internal/domain/order"
	domoutbox "github.com/canteenhq/orderflow/internal/domain/outbox"
	"github.com/canteenhq/orderflow/internal/infrastructure/httpclient"
	"github.com/canteenhq/orderflow/internal/observability"
	"github.com/canteenhq/orderflow/internal/observability/logctx"
)

// Confirmer hands an authorized order to the downstream fulfillment system
// (kitchen queue, pickup board). Acknowledged means the order is accepted
// for preparation.
type Confirmer interface {
	ConfirmOrder(ctx context.Context, orderID, locationID string) (acknowledged bool, err error)
}

// Notifier subscribes to authorized orders and pushes them to fulfillment.
// Best effort: a failed push leaves the order authorized; a later retry or
// manual settlement catches up. An acknowledgment settles the order.
type Notifier struct {
	confirmer Confirmer
	engine    *appcheckout.Engine
	log       observability.Logger
}

func NewNotifier(confirmer Confirmer, engine *appcheckout.Engine, tel observability.Observability) *Notifier {
	if tel == nil {
		tel = observability.Nop()
	}
	return &Notifier{
		confirmer: confirmer,
		engine:    engine,
		log:       tel.Logger().With(observability.F("component", "fulfillment-notifier")),
	}
}

func (n *Notifier) Register(subscriber domoutbox.Subscriber) {
	subscriber.Subscribe(domorder.AuthorizedEvent{}.EventName(), n.handleAuthorized)
}

func (n *Notifier) handleAuthorized(ctx context.Context, e domoutbox.Event) error {
	evt, ok := e.(domorder.AuthorizedEvent)
	if !ok {
		return nil
	}
	logger := logctx.FromOr(ctx, n.log).With(observability.F("order_id", evt.OrderID))

	acknowledged, err := n.confirmer.ConfirmOrder(ctx, evt.OrderID, evt.LocationID)
	if err != nil {
		logger.Warn("fulfillment_confirm_failed", observability.F("error", err.Error()))
		return err
	}
	if !acknowledged {
		logger.Warn("fulfillment_confirm_unacknowledged")
		return nil
	}

	if err := n.engine.MarkSettled(ctx, evt.OrderID); err != nil {
		logger.Warn("order_settle_failed", observability.F("error", err.Error()))
		return err
	}
	logger.Info("fulfillment_confirmed")
	return nil
}

// HTTPConfirmer is the JSON client for the fulfillment service.
type HTTPConfirmer struct {
	http *httpclient.Client
}

func NewHTTPConfirmer(http *httpclient.Client) *HTTPConfirmer {
	return &HTTPConfirmer{http: http}
}

type confirmRequest struct {
	OrderID    string `json:"order_id"`
	LocationID string `json:"location_id"`
}

type confirmResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

func (c *HTTPConfirmer) ConfirmOrder(ctx context.Context, orderID, locationID string) (bool, error) {
	var resp confirmResponse
	err := c.http.PostJSON(ctx, "/v1/orders/confirm", confirmRequest{
		OrderID:    orderID,
		LocationID: locationID,
	}, &resp)
	if err != nil {
		return false, err
	}
	return resp.Acknowledged, nil
}
