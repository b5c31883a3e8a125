package events

// Topic constants for promotion events emitted per invoice.
const (
	TopicCampaignEligible  = "campaign.eligible"
	TopicCampaignApplied   = "campaign.applied"
	TopicCampaignUnapplied = "campaign.unapplied"
	TopicFreeItemGranted   = "promo.free_item.granted"
	TopicFreeItemRetracted = "promo.free_item.retracted"
	TopicInvoiceClosed     = "invoice.closed"
)

// CampaignPayload identifies a campaign in campaign.* events.
type CampaignPayload struct {
	CampaignID   string `json:"campaignId"`
	CampaignName string `json:"campaignName,omitempty"`
	CampaignCode string `json:"campaignCode,omitempty"`
	Applied      bool   `json:"applied"`
}

// EligiblePayload lists the campaigns loaded for an invoice.
type EligiblePayload struct {
	Campaigns []CampaignPayload `json:"campaigns"`
}

// FreeItemPayload describes a granted or retracted free item row.
type FreeItemPayload struct {
	CampaignID    string `json:"campaignId"`
	TriggerItemID string `json:"triggerItemId"`
	RewardItemID  string `json:"rewardItemId"`
	RowKey        string `json:"rowKey"`
}
