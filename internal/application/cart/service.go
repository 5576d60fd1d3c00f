package cart

import (
	"context"
	"fmt"
	"time"

	domcart "github.com/canteenhq/orderflow/internal/domain/cart"
	"github.com/canteenhq/orderflow/internal/domain/menu"
	"github.com/canteenhq/orderflow/internal/observability"
	"github.com/canteenhq/orderflow/internal/observability/logctx"
)

const (
	componentCart    = "cart_service"
	admissionTimeout = 2 * time.Second
)

// Service is the cart store: all line-item mutation, identity merging, and
// persistence for one logical session goes through here.
type Service struct {
	storage   Storage
	admission AdmissionChecker

	log           observability.Logger
	deniedCounter observability.Counter
}

func NewService(storage Storage, admission AdmissionChecker, tel observability.Observability) *Service {
	if tel == nil {
		tel = observability.Nop()
	}
	return &Service{
		storage:       storage,
		admission:     admission,
		log:           tel.Logger().With(observability.F("component", componentCart)),
		deniedCounter: tel.Metrics().Counter(observability.MAdmissionDenied),
	}
}

// AddResult reports the outcome of an AddItem call. Denied is advisory: the
// cart was left unchanged and the caller decides whether to retry or abandon.
type AddResult struct {
	Item         domcart.LineItem
	Denied       bool
	Reason       string
	CurrentStock int
}

// AddItem computes the line-item identity, runs the pre-flight inventory
// admission check when the cart is bound, and merges or appends the item.
// locationID is honored only for the first item of an empty cart (silent
// first binding); a bound cart keeps its binding.
func (s *Service) AddItem(ctx context.Context, sessionID string, product menu.Product, quantity int, selections []domcart.Selection, notes, locationID string) (AddResult, error) {
	logger := logctx.FromOr(ctx, s.log)

	c, err := s.load(ctx, sessionID)
	if err != nil {
		return AddResult{}, err
	}

	if c.IsEmpty() && !c.IsBound() && locationID != "" {
		c.Bind(locationID)
	}

	if c.IsBound() && s.admission != nil {
		key := domcart.IdentityKey(product.ID, selections)
		desired := c.QuantityOf(key) + quantity

		checkCtx, cancel := context.WithTimeout(ctx, admissionTimeout)
		results, checkErr := s.admission.CheckAvailability(checkCtx, []AdmissionRequest{{
			ProductID:  product.ID,
			LocationID: c.LocationID,
			DesiredQty: desired,
		}})
		cancel()

		switch {
		case checkErr != nil:
			// Advisory check only: unknown availability never blocks the cart.
			logger.Warn("admission_check_unavailable",
				observability.F("product_id", product.ID),
				observability.F("error", checkErr.Error()),
			)
		case len(results) > 0 && !results[0].Available:
			s.deniedCounter.Add(1, observability.L("location_id", c.LocationID))
			logger.Info("admission_denied",
				observability.F("product_id", product.ID),
				observability.F("desired_qty", desired),
				observability.F("current_stock", results[0].CurrentStock),
			)
			return AddResult{
				Denied:       true,
				Reason:       admissionReason(product.Name, results[0].CurrentStock),
				CurrentStock: results[0].CurrentStock,
			}, nil
		}
	}

	item, err := c.Upsert(product, quantity, selections, notes)
	if err != nil {
		return AddResult{}, err
	}
	if err := s.save(ctx, sessionID, c); err != nil {
		return AddResult{}, err
	}

	logger.Debug("cart_item_added",
		observability.F("product_id", product.ID),
		observability.F("quantity", item.Quantity),
	)
	return AddResult{Item: item}, nil
}

// RemoveItem drops a slot; unknown keys are a no-op.
func (s *Service) RemoveItem(ctx context.Context, sessionID, identityKey string) error {
	c, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}
	c.Remove(identityKey)
	return s.save(ctx, sessionID, c)
}

// SetQuantity replaces a slot's quantity; qty <= 0 behaves as remove.
func (s *Service) SetQuantity(ctx context.Context, sessionID, identityKey string, quantity int) error {
	c, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}
	c.SetQuantity(identityKey, quantity)
	return s.save(ctx, sessionID, c)
}

// Clear empties the cart and unbinds its location.
func (s *Service) Clear(ctx context.Context, sessionID string) error {
	c, err := s.load(ctx, sessionID)
	if err != nil {
		return err
	}
	c.Clear()
	return s.save(ctx, sessionID, c)
}

// Get returns the current cart, never nil.
func (s *Service) Get(ctx context.Context, sessionID string) (*domcart.Cart, error) {
	return s.load(ctx, sessionID)
}

// Replace persists a cart wholesale. Used by the location guard, which
// computes a full rebind plan before mutating anything.
func (s *Service) Replace(ctx context.Context, sessionID string, c *domcart.Cart) error {
	return s.save(ctx, sessionID, c)
}

func (s *Service) load(ctx context.Context, sessionID string) (*domcart.Cart, error) {
	c, err := s.storage.Load(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("cart: load: %w", err)
	}
	if c == nil {
		c = domcart.New()
	}
	return c, nil
}

func (s *Service) save(ctx context.Context, sessionID string, c *domcart.Cart) error {
	if err := s.storage.Save(ctx, sessionID, c); err != nil {
		return fmt.Errorf("cart: save: %w", err)
	}
	return nil
}

func admissionReason(productName string, currentStock int) string {
	switch {
	case currentStock < 0:
		return fmt.Sprintf("%s is not available at this location", productName)
	case currentStock == 0:
		return fmt.Sprintf("%s is sold out", productName)
	default:
		return fmt.Sprintf("only %d of %s left", currentStock, productName)
	}
}
