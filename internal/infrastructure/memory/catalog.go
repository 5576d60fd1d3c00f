package memory

import (
	"context"
	"sync"

	"github.com/canteenhq/orderflow/internal/domain/menu"
)

// Catalog is a static product table. Production deployments front a real
// menu service; this keeps single-binary setups and tests self-contained.
type Catalog struct {
	mu       sync.RWMutex
	products map[string]menu.Product
}

func NewCatalog(products []menu.Product) *Catalog {
	byID := make(map[string]menu.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}
	return &Catalog{products: byID}
}

func (c *Catalog) GetProduct(ctx context.Context, productID string) (menu.Product, error) {
	_ = ctx

	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.products[productID]
	if !ok {
		return menu.Product{}, menu.ErrProductNotFound
	}
	return p, nil
}
