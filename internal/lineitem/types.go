package lineitem

import (
	"strings"

	"github.com/noah-isme/klinik-promo/internal/pricing"
)

// ItemType is the closed vocabulary of billable item kinds.
type ItemType string

const (
	TypePackage  ItemType = "package"
	TypeService  ItemType = "service"
	TypeMedicine ItemType = "medicine"
)

// NormalizeType maps free-form item type strings onto the closed vocabulary.
// Unknown values are returned lowercased so they never match a known type.
func NormalizeType(raw string) ItemType {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch v {
	case "package", "packages", "pkg":
		return TypePackage
	case "service", "services":
		return TypeService
	case "medicine", "medicines", "medication", "medications", "drug", "drugs", "pharmacy":
		return TypeMedicine
	default:
		return ItemType(v)
	}
}

// Known reports whether t belongs to the closed vocabulary.
func (t ItemType) Known() bool {
	switch t {
	case TypePackage, TypeService, TypeMedicine:
		return true
	default:
		return false
	}
}

// RowKey is the stable identity of a row. It never changes when other rows
// are added or removed.
type RowKey string

// Row is the owned state of one invoice line.
type Row struct {
	Key         RowKey        `json:"rowKey"`
	Number      int           `json:"lineNumber"`
	ItemID      string        `json:"itemId"`
	ItemType    ItemType      `json:"itemType"`
	ItemName    string        `json:"itemName"`
	Quantity    int           `json:"quantity"`
	UnitPrice   pricing.Money `json:"unitPrice"`
	TaxBps      int           `json:"taxBps"`
	DiscountBps int           `json:"discountBps"`
	TaxOnGross  bool          `json:"taxOnGross"`
	IsFreeItem  bool          `json:"isFreeItem"`
	// TriggerItemID references the regular item that caused a free row.
	TriggerItemID string              `json:"triggerItemId,omitempty"`
	CampaignID    string              `json:"campaignId,omitempty"`
	Locked        bool                `json:"locked"`
	Amounts       pricing.LineAmounts `json:"amounts"`
}

func (r Row) pricingLine() pricing.Line {
	return pricing.Line{
		Qty:         r.Quantity,
		UnitPrice:   r.UnitPrice,
		DiscountBps: r.DiscountBps,
		TaxBps:      r.TaxBps,
		TaxOnGross:  r.TaxOnGross,
	}
}

// LineItem is a read-only snapshot of a row taken at scan time.
type LineItem struct {
	RowIndex      int
	RowKey        RowKey
	ItemID        string
	ItemType      ItemType
	ItemName      string
	Quantity      int
	UnitPrice     pricing.Money
	Total         pricing.Money
	IsFreeItem    bool
	TriggerLineID string
	CampaignID    string
}

// Regular filters out engine-managed free rows.
func Regular(items []LineItem) []LineItem {
	out := make([]LineItem, 0, len(items))
	for _, it := range items {
		if it.IsFreeItem {
			continue
		}
		out = append(out, it)
	}
	return out
}

// Patch describes a user edit. Nil fields are left unchanged.
type Patch struct {
	ItemID      *string
	ItemType    *string
	ItemName    *string
	Quantity    *int
	UnitPrice   *pricing.Money
	TaxBps      *int
	DiscountBps *int
}
