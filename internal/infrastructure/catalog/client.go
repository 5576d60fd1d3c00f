package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/shopspring/decimal"

	"github.com/canteenhq/orderflow/internal/domain/menu"
	"github.com/canteenhq/orderflow/internal/infrastructure/httpclient"
)

// Client resolves priced product snapshots from the menu catalog service.
type Client struct {
	http *httpclient.Client
}

func NewClient(http *httpclient.Client) *Client {
	return &Client{http: http}
}

type optionDTO struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	PriceDelta decimal.Decimal `json:"price_delta"`
}

type optionGroupDTO struct {
	ID      string      `json:"id"`
	Name    string      `json:"name"`
	Options []optionDTO `json:"options"`
}

type productResponse struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	BasePrice    decimal.Decimal  `json:"base_price"`
	OptionGroups []optionGroupDTO `json:"option_groups,omitempty"`
}

func (c *Client) GetProduct(ctx context.Context, productID string) (menu.Product, error) {
	path := "/v1/products/" + url.PathEscape(productID)

	var resp productResponse
	if err := c.http.GetJSON(ctx, path, &resp); err != nil {
		var statusErr *httpclient.StatusError
		if errors.As(err, &statusErr) && statusErr.Status == http.StatusNotFound {
			return menu.Product{}, fmt.Errorf("%w: %q", menu.ErrProductNotFound, productID)
		}
		return menu.Product{}, fmt.Errorf("catalog: get product %q: %w", productID, err)
	}

	groups := make([]menu.OptionGroup, len(resp.OptionGroups))
	for i, g := range resp.OptionGroups {
		options := make([]menu.Option, len(g.Options))
		for j, o := range g.Options {
			options[j] = menu.Option{ID: o.ID, Name: o.Name, PriceDelta: o.PriceDelta}
		}
		groups[i] = menu.OptionGroup{ID: g.ID, Name: g.Name, Options: options}
	}
	return menu.Product{
		ID:           resp.ID,
		Name:         resp.Name,
		BasePrice:    resp.BasePrice,
		OptionGroups: groups,
	}, nil
}
