package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"

	appcart "github.com/canteenhq/orderflow/internal/application/cart"
	"github.com/canteenhq/orderflow/internal/infrastructure/httpclient"
	"github.com/canteenhq/orderflow/internal/observability"
)

// Client asks the inventory service whether requested quantities can be
// fulfilled. Answers are advisory; the caller treats any error as "unknown"
// and proceeds. The circuit breaker keeps a struggling inventory backend
// from slowing down every cart mutation.
type Client struct {
	http    *httpclient.Client
	breaker *gobreaker.CircuitBreaker[[]appcart.AdmissionResult]
	log     observability.Logger
}

func NewClient(http *httpclient.Client, tel observability.Observability) *Client {
	if tel == nil {
		tel = observability.Nop()
	}
	log := tel.Logger().With(observability.F("component", "inventory-client"))

	breaker := gobreaker.NewCircuitBreaker[[]appcart.AdmissionResult](gobreaker.Settings{
		Name:        "inventory",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && counts.TotalFailures*2 > counts.Requests
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("inventory_breaker_state_changed",
				observability.F("from", from.String()),
				observability.F("to", to.String()),
			)
		},
	})

	return &Client{http: http, breaker: breaker, log: log}
}

type checkRequest struct {
	Items []checkRequestItem `json:"items"`
}

type checkRequestItem struct {
	ProductID  string `json:"product_id"`
	LocationID string `json:"location_id"`
	Quantity   int    `json:"quantity"`
}

type checkResponse struct {
	Items []checkResponseItem `json:"items"`
}

type checkResponseItem struct {
	ProductID    string `json:"product_id"`
	Available    bool   `json:"available"`
	CurrentStock int    `json:"current_stock"`
}

func (c *Client) CheckAvailability(ctx context.Context, requests []appcart.AdmissionRequest) ([]appcart.AdmissionResult, error) {
	if len(requests) == 0 {
		return nil, nil
	}

	return c.breaker.Execute(func() ([]appcart.AdmissionResult, error) {
		body := checkRequest{Items: make([]checkRequestItem, len(requests))}
		for i, req := range requests {
			body.Items[i] = checkRequestItem{
				ProductID:  req.ProductID,
				LocationID: req.LocationID,
				Quantity:   req.DesiredQty,
			}
		}

		var resp checkResponse
		if err := c.http.PostJSON(ctx, "/v1/availability/check", body, &resp); err != nil {
			return nil, fmt.Errorf("inventory: check availability: %w", err)
		}

		results := make([]appcart.AdmissionResult, len(resp.Items))
		for i, item := range resp.Items {
			results[i] = appcart.AdmissionResult{
				ProductID:    item.ProductID,
				Available:    item.Available,
				CurrentStock: item.CurrentStock,
			}
		}
		return results, nil
	})
}
