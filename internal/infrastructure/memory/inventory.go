package memory

import (
	"context"
	"sync"

	appcart "github.com/canteenhq/orderflow/internal/application/cart"
	"github.com/canteenhq/orderflow/internal/domain/menu"
)

// Untracked is the stock sentinel for products a location does not carry or
// does not count.
const Untracked = -1

// Inventory is a static per-location stock table. It backs both the cart
// admission check and the location directory when no external inventory
// service is configured.
type Inventory struct {
	mu        sync.RWMutex
	locations []menu.Location
	// stock[locationID][productID]; a missing product reads as Untracked.
	stock map[string]map[string]int
}

func NewInventory(locations []menu.Location) *Inventory {
	return &Inventory{
		locations: append([]menu.Location(nil), locations...),
		stock:     make(map[string]map[string]int),
	}
}

// SetStock records the countable stock of one product at one location.
// Use Untracked for carried-but-uncounted products.
func (i *Inventory) SetStock(locationID, productID string, quantity int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	byProduct, ok := i.stock[locationID]
	if !ok {
		byProduct = make(map[string]int)
		i.stock[locationID] = byProduct
	}
	byProduct[productID] = quantity
}

func (i *Inventory) CheckAvailability(ctx context.Context, requests []appcart.AdmissionRequest) ([]appcart.AdmissionResult, error) {
	_ = ctx

	i.mu.RLock()
	defer i.mu.RUnlock()

	results := make([]appcart.AdmissionResult, len(requests))
	for idx, req := range requests {
		stock, carried := i.stock[req.LocationID][req.ProductID]
		switch {
		case !carried:
			results[idx] = appcart.AdmissionResult{ProductID: req.ProductID, Available: false, CurrentStock: Untracked}
		case stock == Untracked:
			results[idx] = appcart.AdmissionResult{ProductID: req.ProductID, Available: true, CurrentStock: Untracked}
		default:
			results[idx] = appcart.AdmissionResult{
				ProductID:    req.ProductID,
				Available:    stock >= req.DesiredQty,
				CurrentStock: stock,
			}
		}
	}
	return results, nil
}

func (i *Inventory) ListAccessibleLocations(ctx context.Context, authContext string) ([]menu.Location, error) {
	_ = ctx
	_ = authContext

	i.mu.RLock()
	defer i.mu.RUnlock()
	return append([]menu.Location(nil), i.locations...), nil
}

func (i *Inventory) ListAvailableProductIDs(ctx context.Context, locationID string) ([]string, error) {
	_ = ctx

	i.mu.RLock()
	defer i.mu.RUnlock()

	ids := make([]string, 0, len(i.stock[locationID]))
	for productID := range i.stock[locationID] {
		ids = append(ids, productID)
	}
	return ids, nil
}
