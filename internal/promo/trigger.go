package promo

import (
	"github.com/rs/zerolog"

	"github.com/noah-isme/klinik-promo/internal/campaign"
	"github.com/noah-isme/klinik-promo/internal/lineitem"
)

// TriggerKey identifies one grant: a campaign satisfied by one regular item.
type TriggerKey struct {
	CampaignID    string `json:"campaignId"`
	TriggerItemID string `json:"triggerItemId"`
}

// TriggerRecord tracks the rows materialised for a TriggerKey.
type TriggerRecord struct {
	RowKeys       []lineitem.RowKey `json:"rowKeys"`
	CampaignID    string            `json:"campaignId"`
	RewardItemIDs []string          `json:"rewardItemIds"`
}

// matchTrigger scans items in order and returns the first one satisfying
// the trigger. Items must already exclude free rows.
func matchTrigger(t campaign.Trigger, items []lineitem.LineItem, logger zerolog.Logger) (lineitem.LineItem, bool) {
	switch t.Kind {
	case campaign.KindItemPurchase:
		if t.ItemPurchase == nil {
			return lineitem.LineItem{}, false
		}
		for _, it := range items {
			if it.ItemID == "" {
				continue
			}
			if matchItemPurchase(*t.ItemPurchase, it) {
				return it, true
			}
		}
	case campaign.KindExpression:
		if t.Expression == nil {
			return lineitem.LineItem{}, false
		}
		for _, it := range items {
			if it.ItemID == "" {
				continue
			}
			ok, err := t.Expression.Matches(it)
			if err != nil {
				logger.Debug().Err(err).Str("item_id", it.ItemID).Msg("expression evaluation failed")
				continue
			}
			if ok {
				return it, true
			}
		}
	}
	return lineitem.LineItem{}, false
}

// matchItemPurchase applies the filters, then amount, quantity and bare
// presence in that order.
func matchItemPurchase(c campaign.ItemPurchase, it lineitem.LineItem) bool {
	if c.ItemType != "" && lineitem.NormalizeType(string(it.ItemType)) != c.ItemType {
		return false
	}
	if len(c.ItemIDs) > 0 && !containsID(c.ItemIDs, it.ItemID) {
		return false
	}
	switch {
	case c.MinAmount > 0 && it.Total >= c.MinAmount:
		return true
	case c.MinQuantity > 0 && it.Quantity >= c.MinQuantity:
		return true
	case c.MinAmount <= 0 && c.MinQuantity <= 0:
		return true
	}
	return false
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
