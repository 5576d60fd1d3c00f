package location

import (
	"context"
	"errors"
	"fmt"
	"time"

	appcart "github.com/canteenhq/orderflow/internal/application/cart"
	"github.com/canteenhq/orderflow/internal/domain/menu"
	"github.com/canteenhq/orderflow/internal/observability"
	"github.com/canteenhq/orderflow/internal/observability/logctx"
)

const (
	componentGuard   = "location_guard"
	directoryTimeout = 3 * time.Second
)

var (
	// ErrStalePlan means the cart changed between planning and committing a
	// rebind; the caller must plan again.
	ErrStalePlan = errors.New("location: rebind plan is stale")
)

// Directory lists locations and per-location product availability.
type Directory interface {
	ListAccessibleLocations(ctx context.Context, authContext string) ([]menu.Location, error)
	ListAvailableProductIDs(ctx context.Context, locationID string) ([]string, error)
}

// Guard enforces the one-location-per-cart invariant: a cart never mixes
// items from two locations, and rebinding a non-empty cart always goes
// through an explicit plan/commit confirmation.
type Guard struct {
	directory Directory
	carts     *appcart.Service
	log       observability.Logger
}

func NewGuard(directory Directory, carts *appcart.Service, tel observability.Observability) *Guard {
	if tel == nil {
		tel = observability.Nop()
	}
	return &Guard{
		directory: directory,
		carts:     carts,
		log:       tel.Logger().With(observability.F("component", componentGuard)),
	}
}

// UnavailableItem names a cart item the new location cannot serve.
type UnavailableItem struct {
	IdentityKey string `json:"identity_key"`
	Name        string `json:"name"`
}

// RebindPlan is the full, precomputed outcome of a location switch. When
// Applied is true the switch already happened (empty cart, no confirmation
// needed); otherwise the caller must confirm via CommitRebind or decline by
// doing nothing.
type RebindPlan struct {
	SessionID       string            `json:"session_id"`
	CurrentLocation string            `json:"current_location"`
	NewLocation     string            `json:"new_location"`
	Unavailable     []UnavailableItem `json:"unavailable,omitempty"`
	CartFingerprint string            `json:"cart_fingerprint"`
	Applied         bool              `json:"applied"`
}

// Locations proxies the directory for the calling client.
func (g *Guard) Locations(ctx context.Context, authContext string) ([]menu.Location, error) {
	ctx, cancel := context.WithTimeout(ctx, directoryTimeout)
	defer cancel()
	locations, err := g.directory.ListAccessibleLocations(ctx, authContext)
	if err != nil {
		return nil, fmt.Errorf("location: list: %w", err)
	}
	return locations, nil
}

// PlanRebind computes what switching the session's cart to newLocation would
// do, without mutating anything unless the cart is empty.
func (g *Guard) PlanRebind(ctx context.Context, sessionID, newLocation string) (*RebindPlan, error) {
	logger := logctx.FromOr(ctx, g.log)

	c, err := g.carts.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	plan := &RebindPlan{
		SessionID:       sessionID,
		CurrentLocation: c.LocationID,
		NewLocation:     newLocation,
		CartFingerprint: c.Fingerprint(),
	}

	if c.LocationID == newLocation {
		plan.Applied = true
		return plan, nil
	}

	// An empty cart binds silently: picking a location before adding items
	// is browsing, not a commitment.
	if c.IsEmpty() {
		c.Bind(newLocation)
		if err := g.carts.Replace(ctx, sessionID, c); err != nil {
			return nil, err
		}
		plan.Applied = true
		plan.CartFingerprint = c.Fingerprint()
		logger.Debug("location_bound_empty_cart", observability.F("location_id", newLocation))
		return plan, nil
	}

	dirCtx, cancel := context.WithTimeout(ctx, directoryTimeout)
	productIDs, err := g.directory.ListAvailableProductIDs(dirCtx, newLocation)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("location: availability for %s: %w", newLocation, err)
	}

	available := make(map[string]struct{}, len(productIDs))
	for _, id := range productIDs {
		available[id] = struct{}{}
	}
	for _, item := range c.Items {
		if _, ok := available[item.ProductID]; !ok {
			plan.Unavailable = append(plan.Unavailable, UnavailableItem{
				IdentityKey: item.IdentityKey,
				Name:        item.Name,
			})
		}
	}

	logger.Info("rebind_planned",
		observability.F("from", c.LocationID),
		observability.F("to", newLocation),
		observability.F("unavailable", len(plan.Unavailable)),
	)
	return plan, nil
}

// CommitRebind applies a confirmed plan atomically: one cart mutation
// removing exactly the planned unavailable items and rebinding, one save.
// A cart that changed since planning is rejected with ErrStalePlan.
func (g *Guard) CommitRebind(ctx context.Context, plan *RebindPlan) error {
	logger := logctx.FromOr(ctx, g.log)

	if plan == nil || plan.Applied {
		return nil
	}

	c, err := g.carts.Get(ctx, plan.SessionID)
	if err != nil {
		return err
	}
	if c.Fingerprint() != plan.CartFingerprint {
		return ErrStalePlan
	}

	keys := make([]string, len(plan.Unavailable))
	for i, item := range plan.Unavailable {
		keys[i] = item.IdentityKey
	}
	c.RemoveAll(keys)
	if !c.IsEmpty() {
		c.Bind(plan.NewLocation)
	}

	if err := g.carts.Replace(ctx, plan.SessionID, c); err != nil {
		return err
	}

	logger.Info("rebind_committed",
		observability.F("location_id", plan.NewLocation),
		observability.F("removed", len(keys)),
	)
	return nil
}
