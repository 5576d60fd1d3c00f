package directory

import (
	"context"
	"fmt"
	"net/url"

	"github.com/canteenhq/orderflow/internal/domain/menu"
	"github.com/canteenhq/orderflow/internal/infrastructure/httpclient"
)

// Client resolves locations and per-location product availability from the
// location directory service.
type Client struct {
	http *httpclient.Client
}

func NewClient(http *httpclient.Client) *Client {
	return &Client{http: http}
}

type locationsResponse struct {
	Locations []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"locations"`
}

func (c *Client) ListAccessibleLocations(ctx context.Context, authContext string) ([]menu.Location, error) {
	path := "/v1/locations"
	if authContext != "" {
		path += "?auth_context=" + url.QueryEscape(authContext)
	}

	var resp locationsResponse
	if err := c.http.GetJSON(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("directory: list locations: %w", err)
	}

	locations := make([]menu.Location, len(resp.Locations))
	for i, loc := range resp.Locations {
		locations[i] = menu.Location{ID: loc.ID, Name: loc.Name}
	}
	return locations, nil
}

type productsResponse struct {
	ProductIDs []string `json:"product_ids"`
}

func (c *Client) ListAvailableProductIDs(ctx context.Context, locationID string) ([]string, error) {
	path := "/v1/locations/" + url.PathEscape(locationID) + "/products"

	var resp productsResponse
	if err := c.http.GetJSON(ctx, path, &resp); err != nil {
		return nil, fmt.Errorf("directory: list products for %q: %w", locationID, err)
	}
	return resp.ProductIDs, nil
}
