package campaign

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/klinik-promo/internal/common"
	"github.com/noah-isme/klinik-promo/internal/lineitem"
	"github.com/noah-isme/klinik-promo/internal/pricing"
)

// TriggerKind tags the trigger union.
type TriggerKind string

const (
	// KindItemPurchase fires on a purchased item matching type/id filters and thresholds.
	KindItemPurchase TriggerKind = "item_purchase"
	// KindExpression fires on the first item satisfying a CEL expression.
	KindExpression TriggerKind = "expression"
)

// ErrInvalidCampaign wraps decoding and validation failures.
var ErrInvalidCampaign = errors.New("campaign: invalid definition")

// ItemPurchase holds the conditions of an item_purchase trigger. Zero
// thresholds mean "not set".
type ItemPurchase struct {
	ItemType    lineitem.ItemType
	ItemIDs     []string
	MinAmount   pricing.Money
	MinQuantity int
}

// Trigger is a decoded trigger. Exactly one of ItemPurchase or Expression is
// set for the known kinds; unknown kinds carry neither and never match.
type Trigger struct {
	Kind         TriggerKind
	ItemPurchase *ItemPurchase
	Expression   *Expression
}

// RewardItem is one free item granted per satisfied trigger.
type RewardItem struct {
	ItemID   string
	ItemType lineitem.ItemType
	Quantity int
}

// Campaign is one active promotional rule. Values are immutable after decoding.
type Campaign struct {
	ID      string
	Name    string
	Code    string
	Trigger Trigger
	Reward  []RewardItem
}

type wireCampaign struct {
	CampaignID     common.FlexString `json:"campaignId"`
	CampaignName   string            `json:"campaignName"`
	CampaignCode   string            `json:"campaignCode"`
	PromotionRules json.RawMessage   `json:"promotionRules"`
}

type wireRules struct {
	Trigger struct {
		Type       string         `json:"type"`
		Conditions wireConditions `json:"conditions"`
	} `json:"trigger"`
	Reward struct {
		Items []wireRewardItem `json:"items"`
	} `json:"reward"`
}

type wireConditions struct {
	ItemType    string              `json:"itemType"`
	ItemIDs     []common.FlexString `json:"itemIds"`
	MinAmount   common.FlexFloat    `json:"minAmount"`
	MinQuantity common.FlexFloat    `json:"minQuantity"`
	Expression  string              `json:"expression"`
}

type wireRewardItem struct {
	ItemID   common.FlexString `json:"itemId" validate:"required"`
	ItemType string            `json:"itemType" validate:"required,itemtype"`
	Quantity int               `json:"quantity" validate:"gte=0"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	if err := v.RegisterValidation("itemtype", func(fl validator.FieldLevel) bool {
		return lineitem.NormalizeType(fl.Field().String()).Known()
	}); err != nil {
		panic(err)
	}
	return v
}

// Decode parses one campaign in the upstream wire shape.
func Decode(data []byte) (Campaign, error) {
	var wc wireCampaign
	if err := json.Unmarshal(data, &wc); err != nil {
		return Campaign{}, fmt.Errorf("%w: %v", ErrInvalidCampaign, err)
	}
	return fromWire(wc)
}

func fromWire(wc wireCampaign) (Campaign, error) {
	id := strings.TrimSpace(string(wc.CampaignID))
	if id == "" {
		return Campaign{}, fmt.Errorf("%w: campaignId is required", ErrInvalidCampaign)
	}
	rules, err := decodeRules(wc.PromotionRules)
	if err != nil {
		return Campaign{}, fmt.Errorf("%w: campaign %s: %v", ErrInvalidCampaign, id, err)
	}
	trigger, err := decodeTrigger(rules.Trigger.Type, rules.Trigger.Conditions)
	if err != nil {
		return Campaign{}, fmt.Errorf("%w: campaign %s: %v", ErrInvalidCampaign, id, err)
	}
	reward := make([]RewardItem, 0, len(rules.Reward.Items))
	for i, it := range rules.Reward.Items {
		if err := validate.Struct(it); err != nil {
			return Campaign{}, fmt.Errorf("%w: campaign %s reward item %d: %v", ErrInvalidCampaign, id, i, err)
		}
		qty := it.Quantity
		if qty <= 0 {
			qty = 1
		}
		reward = append(reward, RewardItem{
			ItemID:   string(it.ItemID),
			ItemType: lineitem.NormalizeType(it.ItemType),
			Quantity: qty,
		})
	}
	return Campaign{
		ID:      id,
		Name:    strings.TrimSpace(wc.CampaignName),
		Code:    strings.TrimSpace(wc.CampaignCode),
		Trigger: trigger,
		Reward:  reward,
	}, nil
}

// decodeRules accepts the rules as an object or as a JSON-encoded string.
func decodeRules(raw json.RawMessage) (wireRules, error) {
	var rules wireRules
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return rules, errors.New("promotionRules is required")
	}
	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return rules, err
		}
		raw = []byte(text)
	}
	if err := json.Unmarshal(raw, &rules); err != nil {
		return rules, err
	}
	return rules, nil
}

func decodeTrigger(kind string, c wireConditions) (Trigger, error) {
	t := Trigger{Kind: TriggerKind(strings.ToLower(strings.TrimSpace(kind)))}
	switch t.Kind {
	case KindItemPurchase:
		ip := &ItemPurchase{
			ItemIDs:     common.Strings(c.ItemIDs),
			MinAmount:   pricing.FromDecimal(float64(c.MinAmount)),
			MinQuantity: int(math.Ceil(float64(c.MinQuantity))),
		}
		if strings.TrimSpace(c.ItemType) != "" {
			ip.ItemType = lineitem.NormalizeType(c.ItemType)
		}
		t.ItemPurchase = ip
	case KindExpression:
		expr, err := CompileExpression(c.Expression)
		if err != nil {
			return t, err
		}
		t.Expression = expr
	}
	return t, nil
}

// DecodeList decodes a list of raw campaigns, dropping invalid entries. The
// returned errors describe every dropped entry.
func DecodeList(raws []json.RawMessage) ([]Campaign, []error) {
	out := make([]Campaign, 0, len(raws))
	var errs []error
	seen := make(map[string]struct{}, len(raws))
	for _, raw := range raws {
		c, err := Decode(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := seen[c.ID]; dup {
			errs = append(errs, fmt.Errorf("%w: duplicate campaignId %s", ErrInvalidCampaign, c.ID))
			continue
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	return out, errs
}
