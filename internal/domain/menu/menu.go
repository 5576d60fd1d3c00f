package menu

import (
	"errors"

	"github.com/shopspring/decimal"
)

var ErrProductNotFound = errors.New("menu: product not found")

// Product is the catalog snapshot the UI holds when adding to a cart.
// Pricing data rides along so a submitted cart never depends on later
// catalog lookups.
type Product struct {
	ID           string
	Name         string
	BasePrice    decimal.Decimal
	OptionGroups []OptionGroup
}

type OptionGroup struct {
	ID      string
	Name    string
	Options []Option
}

type Option struct {
	ID         string
	Name       string
	PriceDelta decimal.Decimal
}

// OptionDelta returns the price modifier for one selected option, or zero
// when the group/option pair is unknown to this product.
func (p Product) OptionDelta(groupID, optionID string) decimal.Decimal {
	for _, g := range p.OptionGroups {
		if g.ID != groupID {
			continue
		}
		for _, o := range g.Options {
			if o.ID == optionID {
				return o.PriceDelta
			}
		}
	}
	return decimal.Zero
}

type Location struct {
	ID   string
	Name string
}
