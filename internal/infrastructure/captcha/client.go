package captcha

import (
	"context"
	"fmt"

	"github.com/canteenhq/orderflow/internal/infrastructure/httpclient"
)

// Client verifies human-proof tokens with the bot-mitigation service. The
// verdict distinguishes "not a human" from "could not verify": transport
// failures surface as errors, not as false.
type Client struct {
	http      *httpclient.Client
	secretKey string
}

func NewClient(http *httpclient.Client, secretKey string) *Client {
	return &Client{http: http, secretKey: secretKey}
}

type verifyRequest struct {
	Secret string `json:"secret"`
	Token  string `json:"token"`
	Action string `json:"action"`
}

type verifyResponse struct {
	Success bool     `json:"success"`
	Action  string   `json:"action"`
	Errors  []string `json:"error_codes,omitempty"`
}

func (c *Client) Verify(ctx context.Context, proofToken, action string) (bool, error) {
	var resp verifyResponse
	err := c.http.PostJSON(ctx, "/v1/verify", verifyRequest{
		Secret: c.secretKey,
		Token:  proofToken,
		Action: action,
	}, &resp)
	if err != nil {
		return false, fmt.Errorf("captcha: verify: %w", err)
	}

	// A token minted for a different action is not proof for this one.
	if resp.Action != "" && resp.Action != action {
		return false, nil
	}
	return resp.Success, nil
}
