package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	appcheckout "github.com/canteenhq/orderflow/internal/application/checkout"
	"github.com/canteenhq/orderflow/internal/infrastructure/httpclient"
)

// Client creates payment authorizations at the external gateway. The gateway
// deduplicates on the Idempotency-Key header, so retrying the same key never
// produces a second live authorization.
type Client struct {
	http          *httpclient.Client
	webhookSecret []byte
}

func NewClient(http *httpclient.Client, webhookSecret string) *Client {
	return &Client{http: http, webhookSecret: []byte(webhookSecret)}
}

type authorizationRequest struct {
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	IdempotencyKey string `json:"idempotency_key"`
}

type authorizationResponse struct {
	Ref          string `json:"ref"`
	ClientSecret string `json:"client_secret"`
	Declined     bool   `json:"declined"`
	DeclineCode  string `json:"decline_code,omitempty"`
}

func (c *Client) CreateAuthorization(ctx context.Context, amount decimal.Decimal, currency, idempotencyKey string) (appcheckout.GatewayAuthorization, error) {
	var resp authorizationResponse
	err := c.http.PostJSON(ctx, "/v1/authorizations", authorizationRequest{
		Amount:         amount.StringFixed(2),
		Currency:       currency,
		IdempotencyKey: idempotencyKey,
	}, &resp)
	if err != nil {
		var statusErr *httpclient.StatusError
		if errors.As(err, &statusErr) && statusErr.Status == http.StatusPaymentRequired {
			return appcheckout.GatewayAuthorization{}, fmt.Errorf("gateway: declined: %s", statusErr.Body)
		}
		return appcheckout.GatewayAuthorization{}, fmt.Errorf("gateway: create authorization: %w", err)
	}
	if resp.Declined {
		return appcheckout.GatewayAuthorization{}, fmt.Errorf("gateway: declined: %s", resp.DeclineCode)
	}
	return appcheckout.GatewayAuthorization{Ref: resp.Ref, ClientSecret: resp.ClientSecret}, nil
}

// VerifyWebhookSignature checks the HMAC the gateway attaches to webhook
// deliveries.
func (c *Client) VerifyWebhookSignature(payload []byte, signature string) error {
	if len(c.webhookSecret) == 0 {
		return nil
	}
	mac := hmac.New(sha256.New, c.webhookSecret)
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return errors.New("gateway: webhook signature mismatch")
	}
	return nil
}
