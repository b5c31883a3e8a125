package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/noah-isme/klinik-promo/internal/common"
	"github.com/noah-isme/klinik-promo/internal/lineitem"
	"github.com/noah-isme/klinik-promo/internal/pricing"
	"github.com/noah-isme/klinik-promo/internal/resilience"
)

// ErrItemNotFound is returned when the catalog has no item for the id/type pair.
var ErrItemNotFound = errors.New("catalog: item not found")

// Item carries the display and pricing data of a catalog entry.
type Item struct {
	ID     string            `json:"id"`
	Type   lineitem.ItemType `json:"type"`
	Name   string            `json:"name"`
	Price  pricing.Money     `json:"price"`
	TaxBps int               `json:"taxBps"`
}

// Lookup resolves an item by type and id.
type Lookup interface {
	ItemDetails(ctx context.Context, itemType lineitem.ItemType, itemID string) (Item, error)
}

type itemDetailsResponse struct {
	Name    string           `json:"name"`
	Price   common.FlexFloat `json:"price"`
	GSTRate common.FlexFloat `json:"gst_rate"`
}

// HTTPClient calls the item details endpoint: GET {BaseURL}/items/{type}/{id}.
type HTTPClient struct {
	BaseURL string
	HTTP    resilience.HTTPClient
}

// ItemDetails implements Lookup.
func (c HTTPClient) ItemDetails(ctx context.Context, itemType lineitem.ItemType, itemID string) (Item, error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return Item{}, ErrItemNotFound
	}
	base := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if base == "" {
		return Item{}, errors.New("catalog: base url not configured")
	}
	endpoint := fmt.Sprintf("%s/items/%s/%s", base, url.PathEscape(string(itemType)), url.PathEscape(itemID))

	var body itemDetailsResponse
	if err := c.HTTP.GetJSON(ctx, endpoint, &body); err != nil {
		if resilience.IsStatus(err, http.StatusNotFound) {
			return Item{}, fmt.Errorf("%w: %s/%s", ErrItemNotFound, itemType, itemID)
		}
		return Item{}, fmt.Errorf("catalog: item details: %w", err)
	}
	name := strings.TrimSpace(body.Name)
	if name == "" {
		// an empty payload means the catalog no longer knows the id
		return Item{}, fmt.Errorf("%w: %s/%s", ErrItemNotFound, itemType, itemID)
	}
	return Item{
		ID:     itemID,
		Type:   itemType,
		Name:   name,
		Price:  pricing.FromDecimal(float64(body.Price)),
		TaxBps: pricing.PercentToBps(float64(body.GSTRate)),
	}, nil
}
