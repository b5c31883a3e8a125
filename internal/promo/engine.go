// Package promo keeps the free item rows of an invoice in line with the
// Buy-X-Get-Y campaigns currently satisfied by its regular items.
package promo

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/klinik-promo/internal/campaign"
	"github.com/noah-isme/klinik-promo/internal/catalog"
	"github.com/noah-isme/klinik-promo/internal/events"
	"github.com/noah-isme/klinik-promo/internal/lineitem"
	"github.com/noah-isme/klinik-promo/internal/obs"
	"github.com/noah-isme/klinik-promo/internal/pricing"
)

// DefaultDebounce is the quiet period before a notified change is reconciled.
const DefaultDebounce = 500 * time.Millisecond

// Table is the line item collaborator the engine reads and mutates.
type Table interface {
	Snapshot() []lineitem.LineItem
	AddNewItem() lineitem.RowKey
	Configure(key lineitem.RowKey, fn func(*lineitem.Row)) error
	Remove(key lineitem.RowKey) bool
	Contains(key lineitem.RowKey) bool
	CalculateLineTotal(key lineitem.RowKey)
	CalculateTotals() pricing.Summary
	UpdateLineNumbers()
}

// Publisher receives campaign display and free item lifecycle events.
type Publisher interface {
	Emit(ctx context.Context, topic, aggregateID string, payload any) (events.Event, error)
}

// ChangeReason describes why the line items changed.
type ChangeReason string

const (
	ReasonAdded    ChangeReason = "added"
	ReasonRemoved  ChangeReason = "removed"
	ReasonUpdated  ChangeReason = "updated"
	ReasonExcluded ChangeReason = "excluded"
	ReasonReset    ChangeReason = "reset"
)

// Change is a typed change notification.
type Change struct {
	Reason ChangeReason
	RowKey lineitem.RowKey
}

// Result reports what a pass changed.
type Result struct {
	Skipped   bool         `json:"skipped"`
	Granted   []TriggerKey `json:"granted"`
	Retracted []TriggerKey `json:"retracted"`
}

// Changed reports whether any grant or retraction happened.
func (r Result) Changed() bool {
	return len(r.Granted) > 0 || len(r.Retracted) > 0
}

// Config wires the engine to its collaborators.
type Config struct {
	InvoiceID  string
	Source     campaign.Source
	Catalog    catalog.Lookup
	Table      Table
	Publisher  Publisher
	Exclusions func() []string
	Logger     zerolog.Logger
	Debounce   time.Duration
}

// Engine reconciles free item rows for one invoice. All state is guarded by
// mu and passes never overlap.
type Engine struct {
	invoiceID  string
	source     campaign.Source
	lookup     catalog.Lookup
	table      Table
	publisher  Publisher
	exclusions func() []string
	logger     zerolog.Logger
	debouncer  *Debouncer

	mu        sync.Mutex
	loaded    bool
	closed    bool
	campaigns []campaign.Campaign
	records   map[TriggerKey]*TriggerRecord
}

// NewEngine constructs an engine. Table and Catalog are required.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Table == nil {
		return nil, errors.New("promo: table is required")
	}
	if cfg.Catalog == nil {
		return nil, errors.New("promo: catalog lookup is required")
	}
	delay := cfg.Debounce
	if delay <= 0 {
		delay = DefaultDebounce
	}
	e := &Engine{
		invoiceID:  strings.TrimSpace(cfg.InvoiceID),
		source:     cfg.Source,
		lookup:     cfg.Catalog,
		table:      cfg.Table,
		publisher:  cfg.Publisher,
		exclusions: cfg.Exclusions,
		logger:     cfg.Logger.With().Str("invoice_id", strings.TrimSpace(cfg.InvoiceID)).Logger(),
		records:    make(map[TriggerKey]*TriggerRecord),
	}
	e.debouncer = NewDebouncer(delay, func() {
		e.OnLineItemsChanged(context.Background())
	})
	return e, nil
}

// Initialize loads the active campaigns. Load failures leave the engine in
// no-promotions mode; it never fails.
func (e *Engine) Initialize(ctx context.Context, hospitalID, patientID string) {
	var (
		list []campaign.Campaign
		err  error
	)
	if e.source == nil {
		err = errors.New("promo: campaign source not configured")
	} else {
		list, err = e.source.Active(ctx, hospitalID, patientID)
	}
	if err != nil {
		e.logger.Warn().Err(err).Str("hospital_id", hospitalID).Msg("campaign load failed, promotions disabled")
		list = nil
		countLoad("error")
	} else {
		countLoad("ok")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.campaigns = list
	e.loaded = true

	payload := events.EligiblePayload{Campaigns: make([]events.CampaignPayload, 0, len(list))}
	for _, c := range list {
		payload.Campaigns = append(payload.Campaigns, campaignPayload(c, false))
	}
	e.emit(ctx, events.TopicCampaignEligible, payload)
}

// Loaded reports whether Initialize has completed.
func (e *Engine) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded
}

// Campaigns returns the loaded campaigns.
func (e *Engine) Campaigns() []campaign.Campaign {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]campaign.Campaign(nil), e.campaigns...)
}

// Notify schedules a debounced reconciliation.
func (e *Engine) Notify(change Change) {
	e.logger.Debug().Str("reason", string(change.Reason)).Str("row_key", string(change.RowKey)).Msg("line items changed")
	e.debouncer.Trigger()
}

// ReconcileNow drops any pending debounced pass and runs one immediately.
func (e *Engine) ReconcileNow(ctx context.Context) Result {
	e.debouncer.Cancel()
	return e.OnLineItemsChanged(ctx)
}

// OnLineItemsChanged runs one reconciliation pass. Before Initialize and
// after Close it is a no-op. Failures are logged and never abort the pass.
func (e *Engine) OnLineItemsChanged(ctx context.Context) Result {
	ctx, span := otel.Tracer("promo").Start(ctx, "promo.reconcile")
	defer span.End()

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.loaded || e.closed {
		countReconcile("skipped")
		return Result{Skipped: true}
	}

	var res Result
	touched := make(map[string]struct{})
	e.pruneDetachedLocked(touched)

	items := lineitem.Regular(e.table.Snapshot())
	excluded := e.excludedSet()

	active := make(map[TriggerKey]struct{})
	for _, c := range e.campaigns {
		if _, skip := excluded[c.ID]; skip {
			continue
		}
		item, ok := matchTrigger(c.Trigger, items, e.logger)
		if !ok {
			continue
		}
		key := TriggerKey{CampaignID: c.ID, TriggerItemID: item.ItemID}
		active[key] = struct{}{}
		if _, exists := e.records[key]; exists {
			continue
		}
		if e.materializeLocked(ctx, c, key) {
			res.Granted = append(res.Granted, key)
		}
	}

	for _, key := range e.sortedKeysLocked() {
		if _, ok := active[key]; ok {
			continue
		}
		e.retractLocked(ctx, key)
		touched[key.CampaignID] = struct{}{}
		res.Retracted = append(res.Retracted, key)
	}
	if len(res.Retracted) > 0 {
		e.table.UpdateLineNumbers()
		e.table.CalculateTotals()
	}
	e.unmarkLocked(ctx, touched)

	span.SetAttributes(
		attribute.Int("promo.granted", len(res.Granted)),
		attribute.Int("promo.retracted", len(res.Retracted)),
	)
	if res.Changed() {
		countReconcile("changed")
	} else {
		countReconcile("noop")
	}
	return res
}

// ClearAllFreeItems retracts every grant.
func (e *Engine) ClearAllFreeItems(ctx context.Context) Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return Result{Skipped: true}
	}
	var res Result
	touched := make(map[string]struct{})
	for _, key := range e.sortedKeysLocked() {
		e.retractLocked(ctx, key)
		touched[key.CampaignID] = struct{}{}
		res.Retracted = append(res.Retracted, key)
	}
	if len(res.Retracted) > 0 {
		e.table.UpdateLineNumbers()
		e.table.CalculateTotals()
	}
	e.unmarkLocked(ctx, touched)
	return res
}

// Records returns a copy of the current trigger records.
func (e *Engine) Records() map[TriggerKey]TriggerRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[TriggerKey]TriggerRecord, len(e.records))
	for k, rec := range e.records {
		out[k] = TriggerRecord{
			RowKeys:       append([]lineitem.RowKey(nil), rec.RowKeys...),
			CampaignID:    rec.CampaignID,
			RewardItemIDs: append([]string(nil), rec.RewardItemIDs...),
		}
	}
	return out
}

// Close stops the debouncer and waits for a running pass to finish. Pending
// passes are dropped and later calls emit nothing.
func (e *Engine) Close() {
	e.debouncer.Stop()
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

// Closed reports whether Close has been called.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// materializeLocked appends one locked free row per resolvable reward item
// and records the grant. It reports whether any row was added.
func (e *Engine) materializeLocked(ctx context.Context, c campaign.Campaign, key TriggerKey) bool {
	rec := &TriggerRecord{CampaignID: c.ID}
	for _, reward := range c.Reward {
		item, err := e.lookup.ItemDetails(ctx, reward.ItemType, reward.ItemID)
		if err != nil {
			result := "error"
			if errors.Is(err, catalog.ErrItemNotFound) {
				result = "not_found"
			}
			countLookup(result)
			e.logger.Warn().Err(err).
				Str("campaign_id", c.ID).
				Str("item_id", reward.ItemID).
				Msg("reward item lookup failed, skipping")
			continue
		}
		countLookup("ok")

		rowKey := e.table.AddNewItem()
		qty := reward.Quantity
		if qty <= 0 {
			qty = 1
		}
		name := item.Name
		err = e.table.Configure(rowKey, func(r *lineitem.Row) {
			r.ItemID = reward.ItemID
			r.ItemType = reward.ItemType
			r.ItemName = name
			r.Quantity = qty
			r.UnitPrice = item.Price
			r.TaxBps = item.TaxBps
			r.DiscountBps = pricing.FullBps
			r.TaxOnGross = true
			r.IsFreeItem = true
			r.TriggerItemID = key.TriggerItemID
			r.CampaignID = c.ID
			r.Locked = true
		})
		if err != nil {
			e.logger.Warn().Err(err).Str("campaign_id", c.ID).Msg("free row vanished before configuration")
			continue
		}
		e.table.CalculateLineTotal(rowKey)
		rec.RowKeys = append(rec.RowKeys, rowKey)
		rec.RewardItemIDs = append(rec.RewardItemIDs, reward.ItemID)
		countGranted()
		e.emit(ctx, events.TopicFreeItemGranted, events.FreeItemPayload{
			CampaignID:    c.ID,
			TriggerItemID: key.TriggerItemID,
			RewardItemID:  reward.ItemID,
			RowKey:        string(rowKey),
		})
	}
	if len(rec.RowKeys) == 0 {
		return false
	}
	e.records[key] = rec
	e.table.CalculateTotals()
	e.emit(ctx, events.TopicCampaignApplied, campaignPayload(c, true))
	e.logger.Info().Str("campaign_id", c.ID).Str("item_id", key.TriggerItemID).Int("rows", len(rec.RowKeys)).Msg("promotion applied")
	return true
}

func (e *Engine) retractLocked(ctx context.Context, key TriggerKey) {
	rec, ok := e.records[key]
	if !ok {
		return
	}
	for i, rowKey := range rec.RowKeys {
		if !e.table.Remove(rowKey) {
			continue
		}
		countRetracted()
		reward := ""
		if i < len(rec.RewardItemIDs) {
			reward = rec.RewardItemIDs[i]
		}
		e.emit(ctx, events.TopicFreeItemRetracted, events.FreeItemPayload{
			CampaignID:    key.CampaignID,
			TriggerItemID: key.TriggerItemID,
			RewardItemID:  reward,
			RowKey:        string(rowKey),
		})
	}
	delete(e.records, key)
	e.logger.Info().Str("campaign_id", key.CampaignID).Str("item_id", key.TriggerItemID).Msg("promotion retracted")
}

// pruneDetachedLocked discards records whose rows are all gone from the
// table, so the grant is materialised again if the trigger still holds.
func (e *Engine) pruneDetachedLocked(touched map[string]struct{}) {
	for key, rec := range e.records {
		attached := false
		for _, rowKey := range rec.RowKeys {
			if e.table.Contains(rowKey) {
				attached = true
				break
			}
		}
		if !attached {
			delete(e.records, key)
			touched[key.CampaignID] = struct{}{}
		}
	}
}

// unmarkLocked flips touched campaigns back to not applied once no record
// references them.
func (e *Engine) unmarkLocked(ctx context.Context, touched map[string]struct{}) {
	if len(touched) == 0 {
		return
	}
	still := make(map[string]struct{}, len(e.records))
	for _, rec := range e.records {
		still[rec.CampaignID] = struct{}{}
	}
	ids := make([]string, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, ok := still[id]; ok {
			continue
		}
		payload := events.CampaignPayload{CampaignID: id}
		for _, c := range e.campaigns {
			if c.ID == id {
				payload = campaignPayload(c, false)
				break
			}
		}
		e.emit(ctx, events.TopicCampaignUnapplied, payload)
	}
}

func (e *Engine) sortedKeysLocked() []TriggerKey {
	keys := make([]TriggerKey, 0, len(e.records))
	for k := range e.records {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].CampaignID != keys[j].CampaignID {
			return keys[i].CampaignID < keys[j].CampaignID
		}
		return keys[i].TriggerItemID < keys[j].TriggerItemID
	})
	return keys
}

func (e *Engine) excludedSet() map[string]struct{} {
	out := make(map[string]struct{})
	if e.exclusions == nil {
		return out
	}
	for _, id := range e.exclusions() {
		if id = strings.TrimSpace(id); id != "" {
			out[id] = struct{}{}
		}
	}
	return out
}

func (e *Engine) emit(ctx context.Context, topic string, payload any) {
	if e.publisher == nil || e.invoiceID == "" {
		return
	}
	if _, err := e.publisher.Emit(ctx, topic, e.invoiceID, payload); err != nil {
		e.logger.Warn().Err(err).Str("topic", topic).Msg("promotion event not delivered")
	}
}

func campaignPayload(c campaign.Campaign, applied bool) events.CampaignPayload {
	return events.CampaignPayload{
		CampaignID:   c.ID,
		CampaignName: c.Name,
		CampaignCode: c.Code,
		Applied:      applied,
	}
}

func countReconcile(result string) {
	if obs.PromoReconcileTotal != nil {
		obs.PromoReconcileTotal.WithLabelValues(result).Inc()
	}
}

func countLookup(result string) {
	if obs.PromoCatalogLookupTotal != nil {
		obs.PromoCatalogLookupTotal.WithLabelValues(result).Inc()
	}
}

func countLoad(result string) {
	if obs.PromoCampaignLoadTotal != nil {
		obs.PromoCampaignLoadTotal.WithLabelValues(result).Inc()
	}
}

func countGranted() {
	if obs.PromoFreeItemsGranted != nil {
		obs.PromoFreeItemsGranted.Inc()
	}
}

func countRetracted() {
	if obs.PromoFreeItemsRetracted != nil {
		obs.PromoFreeItemsRetracted.Inc()
	}
}
