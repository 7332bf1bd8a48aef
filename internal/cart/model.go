package cart

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/storefront/internal/catalog"
)

// ErrInvalidItemKey indicates a malformed "source:productId" key.
var ErrInvalidItemKey = errors.New("cart: invalid item key")

// MaxQuantity is the largest quantity a single line may hold.
const MaxQuantity = 99

// ItemKey is the composite identity of a cart line.
type ItemKey struct {
	ProductID string
	Source    catalog.Source
}

// String renders the key as "source:productId".
func (k ItemKey) String() string {
	return string(k.Source) + ":" + k.ProductID
}

// ParseItemKey parses the "source:productId" form.
func ParseItemKey(raw string) (ItemKey, error) {
	sourceValue, productID, found := strings.Cut(strings.TrimSpace(raw), ":")
	if !found || strings.TrimSpace(productID) == "" {
		return ItemKey{}, fmt.Errorf("%w: %q", ErrInvalidItemKey, raw)
	}
	source, err := catalog.ParseSource(sourceValue)
	if err != nil {
		return ItemKey{}, fmt.Errorf("%w: %v", ErrInvalidItemKey, err)
	}
	return ItemKey{ProductID: strings.TrimSpace(productID), Source: source}, nil
}

// Item is a single cart line. Prices are integer minor-currency units.
type Item struct {
	ProductID      string              `json:"productId"`
	Source         catalog.Source      `json:"productSource"`
	Slug           string              `json:"slug"`
	Name           string              `json:"name"`
	UnitPriceCents int64               `json:"price"`
	Quantity       int                 `json:"quantity"`
	ImageURL       string              `json:"image,omitempty"`
	ProductType    catalog.ProductType `json:"productType"`
}

// Key returns the composite identity of the line.
func (i Item) Key() ItemKey {
	return ItemKey{ProductID: i.ProductID, Source: i.Source}
}

func (i Item) valid() bool {
	if strings.TrimSpace(i.ProductID) == "" || i.Quantity < 1 || i.Quantity > MaxQuantity || i.UnitPriceCents < 0 {
		return false
	}
	_, err := catalog.ParseSource(string(i.Source))
	return err == nil
}

// State is the full cart state.
type State struct {
	Items      []Item `json:"items"`
	DrawerOpen bool   `json:"drawerOpen"`
}

// TotalItems sums the quantities of all lines.
func (s State) TotalItems() int {
	total := 0
	for _, item := range s.Items {
		total += item.Quantity
	}
	return total
}

// TotalPriceCents sums unit price times quantity across all lines.
func (s State) TotalPriceCents() int64 {
	var total int64
	for _, item := range s.Items {
		total += item.UnitPriceCents * int64(item.Quantity)
	}
	return total
}

// EncodeItems serializes the item list for storage.
func EncodeItems(items []Item) ([]byte, error) {
	if items == nil {
		items = []Item{}
	}
	return json.Marshal(items)
}

// DecodeItems parses stored items. Absent or malformed data yields an empty cart;
// individual lines that fail validation are dropped.
func DecodeItems(data []byte) []Item {
	if len(data) == 0 {
		return []Item{}
	}
	var decoded []Item
	if err := json.Unmarshal(data, &decoded); err != nil {
		return []Item{}
	}
	items := make([]Item, 0, len(decoded))
	for _, item := range decoded {
		if item.valid() {
			items = append(items, item)
		}
	}
	return items
}
