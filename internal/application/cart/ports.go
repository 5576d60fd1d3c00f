package cart

import (
	"context"

	domcart "github.com/canteenhq/orderflow/internal/domain/cart"
)

// Storage is the durable client-side cart persistence port: survives page
// reloads, scoped to one logical session key. Load on an unknown key returns
// an empty cart, not an error.
type Storage interface {
	Load(ctx context.Context, key string) (*domcart.Cart, error)
	Save(ctx context.Context, key string, c *domcart.Cart) error
}

// AdmissionRequest asks whether desiredQty of a product can be fulfilled at
// a location.
type AdmissionRequest struct {
	ProductID  string
	LocationID string
	DesiredQty int
}

// AdmissionResult mirrors the inventory service answer. CurrentStock == -1
// means unavailable/untracked, which is distinct from zero units left.
type AdmissionResult struct {
	ProductID    string
	Available    bool
	CurrentStock int
}

// AdmissionChecker is advisory admission control, not a reservation. A
// transport error means "unknown"; callers proceed.
type AdmissionChecker interface {
	CheckAvailability(ctx context.Context, requests []AdmissionRequest) ([]AdmissionResult, error)
}
