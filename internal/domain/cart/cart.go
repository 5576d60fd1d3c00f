package cart

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/canteenhq/orderflow/internal/domain/menu"
)

var (
	ErrItemNotFound    = errors.New("cart: line item not found")
	ErrInvalidQuantity = errors.New("cart: quantity must be greater than zero")
	ErrNotBound        = errors.New("cart: no location bound")
)

// Selection is one configured option group on a line item.
type Selection struct {
	GroupID   string   `json:"group_id"`
	OptionIDs []string `json:"option_ids"`
}

// LineItem is one cart slot. Two items with the same IdentityKey are the
// same slot and are merged by summing quantity.
type LineItem struct {
	ProductID   string          `json:"product_id"`
	Name        string          `json:"name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Selections  []Selection     `json:"selections,omitempty"`
	Notes       string          `json:"notes,omitempty"`
	IdentityKey string          `json:"identity_key"`
}

// Cart holds the line items for one browsing session, bound to at most one
// fulfillment location. Non-empty carts are always bound; emptying the cart
// clears the binding. All mutation goes through the methods below.
type Cart struct {
	Items      []LineItem `json:"items"`
	LocationID string     `json:"location_id,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func New() *Cart {
	return &Cart{UpdatedAt: time.Now().UTC()}
}

// IdentityKey derives the stable identity of a line item from the product id
// and a canonical serialization of its selections. Reordering option ids or
// groups never changes the key; empty groups do not contribute.
func IdentityKey(productID string, selections []Selection) string {
	h := sha256.New()
	h.Write([]byte(productID))
	for _, s := range canonicalize(selections) {
		h.Write([]byte{0})
		h.Write([]byte(s.GroupID))
		for _, id := range s.OptionIDs {
			h.Write([]byte{1})
			h.Write([]byte(id))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

func canonicalize(selections []Selection) []Selection {
	out := make([]Selection, 0, len(selections))
	for _, s := range selections {
		if len(s.OptionIDs) == 0 {
			continue
		}
		ids := append([]string(nil), s.OptionIDs...)
		sort.Strings(ids)
		out = append(out, Selection{GroupID: s.GroupID, OptionIDs: ids})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupID < out[j].GroupID })
	return out
}

// UnitPrice computes base price plus the deltas of every selected option.
func UnitPrice(product menu.Product, selections []Selection) decimal.Decimal {
	price := product.BasePrice
	for _, s := range selections {
		for _, optionID := range s.OptionIDs {
			price = price.Add(product.OptionDelta(s.GroupID, optionID))
		}
	}
	return price
}

// Upsert merges quantity into an existing slot with the same identity key,
// or appends a new line item. The identity key is recomputed here, never
// taken from the caller.
func (c *Cart) Upsert(product menu.Product, quantity int, selections []Selection, notes string) (LineItem, error) {
	if quantity <= 0 {
		return LineItem{}, ErrInvalidQuantity
	}

	key := IdentityKey(product.ID, selections)
	for i := range c.Items {
		if c.Items[i].IdentityKey == key {
			c.Items[i].Quantity += quantity
			if notes != "" {
				c.Items[i].Notes = notes
			}
			c.touch()
			return c.Items[i], nil
		}
	}

	item := LineItem{
		ProductID:   product.ID,
		Name:        product.Name,
		Quantity:    quantity,
		UnitPrice:   UnitPrice(product, selections),
		Selections:  canonicalize(selections),
		Notes:       notes,
		IdentityKey: key,
	}
	c.Items = append(c.Items, item)
	c.touch()
	return item, nil
}

// QuantityOf returns the current quantity for an identity key, zero when absent.
func (c *Cart) QuantityOf(key string) int {
	for i := range c.Items {
		if c.Items[i].IdentityKey == key {
			return c.Items[i].Quantity
		}
	}
	return 0
}

// Remove drops the slot with the given identity key. Removing the last item
// unbinds the location. Unknown keys are a no-op.
func (c *Cart) Remove(key string) {
	for i := range c.Items {
		if c.Items[i].IdentityKey == key {
			c.Items = append(c.Items[:i], c.Items[i+1:]...)
			break
		}
	}
	if len(c.Items) == 0 {
		c.LocationID = ""
	}
	c.touch()
}

// SetQuantity replaces the quantity of a slot; qty <= 0 behaves as Remove.
func (c *Cart) SetQuantity(key string, quantity int) {
	if quantity <= 0 {
		c.Remove(key)
		return
	}
	for i := range c.Items {
		if c.Items[i].IdentityKey == key {
			c.Items[i].Quantity = quantity
			c.touch()
			return
		}
	}
}

// RemoveAll drops every slot in keys in one mutation, preserving the
// binding invariant once at the end.
func (c *Cart) RemoveAll(keys []string) {
	if len(keys) == 0 {
		return
	}
	drop := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		drop[k] = struct{}{}
	}
	kept := c.Items[:0]
	for _, item := range c.Items {
		if _, gone := drop[item.IdentityKey]; !gone {
			kept = append(kept, item)
		}
	}
	c.Items = kept
	if len(c.Items) == 0 {
		c.LocationID = ""
	}
	c.touch()
}

// Clear empties the cart and unbinds the location.
func (c *Cart) Clear() {
	c.Items = nil
	c.LocationID = ""
	c.touch()
}

// Bind sets the fulfillment location.
func (c *Cart) Bind(locationID string) {
	c.LocationID = locationID
	c.touch()
}

func (c *Cart) IsEmpty() bool { return len(c.Items) == 0 }

func (c *Cart) IsBound() bool { return c.LocationID != "" }

// Total sums (unit price x quantity) over all slots in exact decimal arithmetic.
func (c *Cart) Total() decimal.Decimal {
	total := decimal.Zero
	for _, item := range c.Items {
		total = total.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total
}

// ItemCount is the sum of quantities, not the number of distinct slots.
func (c *Cart) ItemCount() int {
	n := 0
	for _, item := range c.Items {
		n += item.Quantity
	}
	return n
}

// Fingerprint is a content hash over the location and the sorted
// (key, quantity, unit price) tuples. Used to derive idempotency keys and to
// detect that a cart changed between planning and committing a mutation.
func (c *Cart) Fingerprint() string {
	rows := make([]string, 0, len(c.Items))
	for _, item := range c.Items {
		rows = append(rows, fmt.Sprintf("%s|%d|%s", item.IdentityKey, item.Quantity, item.UnitPrice.String()))
	}
	sort.Strings(rows)

	h := sha256.New()
	h.Write([]byte(c.LocationID))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(rows, "\n")))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Cart) Clone() *Cart {
	if c == nil {
		return nil
	}
	clone := &Cart{
		LocationID: c.LocationID,
		UpdatedAt:  c.UpdatedAt,
	}
	if c.Items != nil {
		clone.Items = make([]LineItem, len(c.Items))
		copy(clone.Items, c.Items)
		for i := range clone.Items {
			sels := make([]Selection, len(c.Items[i].Selections))
			for j, s := range c.Items[i].Selections {
				sels[j] = Selection{GroupID: s.GroupID, OptionIDs: append([]string(nil), s.OptionIDs...)}
			}
			clone.Items[i].Selections = sels
		}
	}
	return clone
}

func (c *Cart) touch() {
	c.UpdatedAt = time.Now().UTC()
}
