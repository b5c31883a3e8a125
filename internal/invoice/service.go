// Package invoice manages invoice editing sessions: one line item table and
// one promotion engine per open invoice.
package invoice

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/klinik-promo/internal/campaign"
	"github.com/noah-isme/klinik-promo/internal/catalog"
	"github.com/noah-isme/klinik-promo/internal/common"
	"github.com/noah-isme/klinik-promo/internal/display"
	"github.com/noah-isme/klinik-promo/internal/events"
	"github.com/noah-isme/klinik-promo/internal/lineitem"
	"github.com/noah-isme/klinik-promo/internal/pricing"
	"github.com/noah-isme/klinik-promo/internal/promo"
)

var (
	// ErrSessionNotFound is returned for unknown or closed invoices.
	ErrSessionNotFound = errors.New("invoice: session not found")
	// ErrItemUnresolved is returned when a user row cannot be completed from the catalog.
	ErrItemUnresolved = errors.New("invoice: item details unavailable")
)

// Config wires the service to its collaborators.
type Config struct {
	Campaigns campaign.Source
	Catalog   catalog.Lookup
	Bus       *events.Bus
	Display   *display.Store
	Logger    zerolog.Logger
	Debounce  time.Duration
	Now       func() time.Time

	// IdleTTL closes sessions untouched for longer than this. Zero disables
	// the sweep.
	IdleTTL    time.Duration
	SweepEvery time.Duration
}

// Service keeps open invoice sessions in memory.
type Service struct {
	cfg      Config
	validate *validator.Validate

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session

	stop     chan struct{}
	stopOnce sync.Once
	sweeper  sync.WaitGroup
}

// Session is one invoice being edited.
type Session struct {
	ID         uuid.UUID
	HospitalID string
	PatientID  string
	OpenedAt   time.Time
	Table      *lineitem.Table
	Engine     *promo.Engine

	mu         sync.RWMutex
	exclusions []string
	lastSeen   atomic.Int64
}

// Exclusions returns the campaign ids the cashier opted out of.
func (s *Session) Exclusions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.exclusions...)
}

func (s *Session) setExclusions(ids []string) {
	s.mu.Lock()
	s.exclusions = ids
	s.mu.Unlock()
}

// NewService constructs a Service.
func NewService(cfg Config) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	v := validator.New()
	if err := v.RegisterValidation("itemtype", func(fl validator.FieldLevel) bool {
		return lineitem.NormalizeType(fl.Field().String()).Known()
	}); err != nil {
		panic(err)
	}
	s := &Service{cfg: cfg, validate: v, sessions: make(map[uuid.UUID]*Session), stop: make(chan struct{})}
	if cfg.IdleTTL > 0 {
		every := cfg.SweepEvery
		if every <= 0 {
			every = min(cfg.IdleTTL/2, time.Minute)
		}
		s.sweeper.Add(1)
		go s.sweep(every)
	}
	return s
}

func (s *Service) sweep(every time.Duration) {
	defer s.sweeper.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.ExpireIdle(context.Background())
		}
	}
}

// ExpireIdle closes every session idle for longer than IdleTTL and returns
// how many were closed.
func (s *Service) ExpireIdle(ctx context.Context) int {
	if s.cfg.IdleTTL <= 0 {
		return 0
	}
	cutoff := s.cfg.Now().Add(-s.cfg.IdleTTL).UnixNano()
	var expired []*Session
	s.mu.Lock()
	for id, sess := range s.sessions {
		if sess.lastSeen.Load() < cutoff {
			delete(s.sessions, id)
			expired = append(expired, sess)
		}
	}
	s.mu.Unlock()
	for _, sess := range expired {
		s.teardown(ctx, sess)
		s.cfg.Logger.Info().Str("invoice_id", sess.ID.String()).Msg("idle invoice session expired")
	}
	return len(expired)
}

// OpenRequest opens a session for a hospital and optional patient.
type OpenRequest struct {
	HospitalID string `json:"hospitalId" validate:"required"`
	PatientID  string `json:"patientId"`
}

// ItemInput describes a user-entered line. Missing name or price are
// completed from the catalog.
type ItemInput struct {
	ItemID          string   `json:"itemId" validate:"required"`
	ItemType        string   `json:"itemType" validate:"required,itemtype"`
	ItemName        string   `json:"itemName"`
	Quantity        int      `json:"quantity" validate:"gte=0"`
	UnitPrice       *float64 `json:"unitPrice" validate:"omitempty,gte=0"`
	TaxRate         *float64 `json:"taxRate" validate:"omitempty,gte=0,lte=100"`
	DiscountPercent *float64 `json:"discountPercent" validate:"omitempty,gte=0,lte=100"`
}

// ItemPatch describes a user edit. Nil fields are left unchanged.
type ItemPatch struct {
	ItemID          *string  `json:"itemId" validate:"omitempty,min=1"`
	ItemType        *string  `json:"itemType" validate:"omitempty,itemtype"`
	ItemName        *string  `json:"itemName"`
	Quantity        *int     `json:"quantity" validate:"omitempty,gte=1"`
	UnitPrice       *float64 `json:"unitPrice" validate:"omitempty,gte=0"`
	TaxRate         *float64 `json:"taxRate" validate:"omitempty,gte=0,lte=100"`
	DiscountPercent *float64 `json:"discountPercent" validate:"omitempty,gte=0,lte=100"`
}

// ExclusionsRequest replaces the exclusion set.
type ExclusionsRequest struct {
	CampaignIDs []string `json:"campaignIds" validate:"dive,required"`
}

// Grant is the read view of one trigger record.
type Grant struct {
	CampaignID    string            `json:"campaignId"`
	TriggerItemID string            `json:"triggerItemId"`
	RowKeys       []lineitem.RowKey `json:"rowKeys"`
	RewardItemIDs []string          `json:"rewardItemIds"`
}

// View is the full state of a session.
type View struct {
	ID         string          `json:"id"`
	HospitalID string          `json:"hospitalId"`
	PatientID  string          `json:"patientId,omitempty"`
	OpenedAt   time.Time       `json:"openedAt"`
	Items      []lineitem.Row  `json:"items"`
	Totals     pricing.Summary `json:"totals"`
	Exclusions []string        `json:"exclusions"`
	Campaigns  []display.Entry `json:"campaigns"`
	Grants     []Grant         `json:"grants"`
}

// Open creates a session and loads its campaigns.
func (s *Service) Open(ctx context.Context, req OpenRequest) (View, error) {
	req.HospitalID = strings.TrimSpace(req.HospitalID)
	req.PatientID = strings.TrimSpace(req.PatientID)
	if err := s.check(req); err != nil {
		return View{}, err
	}
	sess := &Session{
		ID:         uuid.New(),
		HospitalID: req.HospitalID,
		PatientID:  req.PatientID,
		OpenedAt:   s.cfg.Now().UTC(),
		Table:      lineitem.NewTable(),
	}
	sess.lastSeen.Store(sess.OpenedAt.UnixNano())
	engineCfg := promo.Config{
		InvoiceID:  sess.ID.String(),
		Source:     s.cfg.Campaigns,
		Catalog:    s.cfg.Catalog,
		Table:      sess.Table,
		Exclusions: sess.Exclusions,
		Logger:     s.cfg.Logger,
		Debounce:   s.cfg.Debounce,
	}
	if s.cfg.Bus != nil {
		engineCfg.Publisher = s.cfg.Bus
	}
	engine, err := promo.NewEngine(engineCfg)
	if err != nil {
		return View{}, fmt.Errorf("invoice: build engine: %w", err)
	}
	sess.Engine = engine

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	engine.Initialize(ctx, req.HospitalID, req.PatientID)
	s.cfg.Logger.Info().Str("invoice_id", sess.ID.String()).Str("hospital_id", req.HospitalID).Msg("invoice session opened")
	return s.view(sess), nil
}

// View returns the current state of a session.
func (s *Service) View(id uuid.UUID) (View, error) {
	sess, err := s.session(id)
	if err != nil {
		return View{}, err
	}
	return s.view(sess), nil
}

// Close tears a session down.
func (s *Service) Close(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	s.teardown(ctx, sess)
	return nil
}

// teardown closes the engine before announcing the close, so no pass can
// publish for the invoice afterwards.
func (s *Service) teardown(ctx context.Context, sess *Session) {
	sess.Engine.Close()
	if s.cfg.Bus != nil {
		if _, err := s.cfg.Bus.Emit(ctx, events.TopicInvoiceClosed, sess.ID.String(), nil); err != nil {
			s.cfg.Logger.Warn().Err(err).Str("invoice_id", sess.ID.String()).Msg("close event not delivered")
		}
	}
}

// AddItem appends a user row.
func (s *Service) AddItem(ctx context.Context, id uuid.UUID, in ItemInput) (lineitem.Row, error) {
	sess, err := s.session(id)
	if err != nil {
		return lineitem.Row{}, err
	}
	in.ItemID = strings.TrimSpace(in.ItemID)
	if err := s.check(in); err != nil {
		return lineitem.Row{}, err
	}
	itemType := lineitem.NormalizeType(in.ItemType)
	name := strings.TrimSpace(in.ItemName)
	patch := lineitem.Patch{ItemID: &in.ItemID, ItemName: &name}
	typ := string(itemType)
	patch.ItemType = &typ
	qty := in.Quantity
	if qty <= 0 {
		qty = 1
	}
	patch.Quantity = &qty
	if in.UnitPrice != nil {
		price := pricing.FromDecimal(*in.UnitPrice)
		patch.UnitPrice = &price
	}
	if in.TaxRate != nil {
		bps := pricing.PercentToBps(*in.TaxRate)
		patch.TaxBps = &bps
	}
	if in.DiscountPercent != nil {
		bps := pricing.PercentToBps(*in.DiscountPercent)
		patch.DiscountBps = &bps
	}
	if name == "" || in.UnitPrice == nil {
		if err := s.complete(ctx, itemType, in.ItemID, &patch); err != nil {
			return lineitem.Row{}, err
		}
	}

	key := sess.Table.AddNewItem()
	if err := sess.Table.Update(key, patch); err != nil {
		sess.Table.Remove(key)
		return lineitem.Row{}, fmt.Errorf("invoice: configure row: %w", err)
	}
	sess.Table.CalculateTotals()
	sess.Engine.Notify(promo.Change{Reason: promo.ReasonAdded, RowKey: key})
	row, _ := sess.Table.Row(key)
	return row, nil
}

// UpdateItem edits a user row. Free rows are rejected with lineitem.ErrRowLocked.
func (s *Service) UpdateItem(ctx context.Context, id uuid.UUID, key lineitem.RowKey, in ItemPatch) (lineitem.Row, error) {
	sess, err := s.session(id)
	if err != nil {
		return lineitem.Row{}, err
	}
	if err := s.check(in); err != nil {
		return lineitem.Row{}, err
	}
	current, ok := sess.Table.Row(key)
	if !ok {
		return lineitem.Row{}, lineitem.ErrRowNotFound
	}
	if current.Locked {
		return lineitem.Row{}, lineitem.ErrRowLocked
	}
	patch := lineitem.Patch{ItemID: in.ItemID, ItemName: in.ItemName, Quantity: in.Quantity}
	if in.ItemType != nil {
		typ := string(lineitem.NormalizeType(*in.ItemType))
		patch.ItemType = &typ
	}
	if in.UnitPrice != nil {
		price := pricing.FromDecimal(*in.UnitPrice)
		patch.UnitPrice = &price
	}
	if in.TaxRate != nil {
		bps := pricing.PercentToBps(*in.TaxRate)
		patch.TaxBps = &bps
	}
	if in.DiscountPercent != nil {
		bps := pricing.PercentToBps(*in.DiscountPercent)
		patch.DiscountBps = &bps
	}
	// a different item without an explicit price takes the catalog's
	itemChanged := (in.ItemID != nil && strings.TrimSpace(*in.ItemID) != current.ItemID) ||
		(in.ItemType != nil && lineitem.NormalizeType(*in.ItemType) != current.ItemType)
	if itemChanged && in.UnitPrice == nil {
		itemID, itemType := current.ItemID, current.ItemType
		if in.ItemID != nil {
			itemID = strings.TrimSpace(*in.ItemID)
		}
		if in.ItemType != nil {
			itemType = lineitem.NormalizeType(*in.ItemType)
		}
		if in.ItemName == nil {
			empty := ""
			patch.ItemName = &empty
		}
		if err := s.complete(ctx, itemType, itemID, &patch); err != nil {
			return lineitem.Row{}, err
		}
	}

	if err := sess.Table.Update(key, patch); err != nil {
		return lineitem.Row{}, err
	}
	sess.Table.CalculateTotals()
	sess.Engine.Notify(promo.Change{Reason: promo.ReasonUpdated, RowKey: key})
	row, _ := sess.Table.Row(key)
	return row, nil
}

// RemoveItem deletes a user row. Free rows are rejected with lineitem.ErrRowLocked.
func (s *Service) RemoveItem(_ context.Context, id uuid.UUID, key lineitem.RowKey) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}
	row, ok := sess.Table.Row(key)
	if !ok {
		return lineitem.ErrRowNotFound
	}
	if row.Locked || row.IsFreeItem {
		return lineitem.ErrRowLocked
	}
	sess.Table.Remove(key)
	sess.Table.UpdateLineNumbers()
	sess.Table.CalculateTotals()
	sess.Engine.Notify(promo.Change{Reason: promo.ReasonRemoved, RowKey: key})
	return nil
}

// SetExclusions replaces the campaigns the cashier opted out of.
func (s *Service) SetExclusions(_ context.Context, id uuid.UUID, req ExclusionsRequest) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}
	if err := s.check(req); err != nil {
		return err
	}
	sess.setExclusions(cleanIDs(req.CampaignIDs))
	sess.Engine.Notify(promo.Change{Reason: promo.ReasonExcluded})
	return nil
}

// Reconcile runs a promotion pass immediately.
func (s *Service) Reconcile(ctx context.Context, id uuid.UUID) (promo.Result, error) {
	sess, err := s.session(id)
	if err != nil {
		return promo.Result{}, err
	}
	return sess.Engine.ReconcileNow(ctx), nil
}

// Reset retracts every free item and clears the invoice.
func (s *Service) Reset(ctx context.Context, id uuid.UUID) (promo.Result, error) {
	sess, err := s.session(id)
	if err != nil {
		return promo.Result{}, err
	}
	res := sess.Engine.ClearAllFreeItems(ctx)
	for _, row := range sess.Table.Rows() {
		sess.Table.Remove(row.Key)
	}
	sess.setExclusions(nil)
	sess.Table.CalculateTotals()
	sess.Engine.Notify(promo.Change{Reason: promo.ReasonReset})
	return res, nil
}

// Campaigns returns the display list of an invoice.
func (s *Service) Campaigns(id uuid.UUID) ([]display.Entry, error) {
	if _, err := s.session(id); err != nil {
		return nil, err
	}
	return s.displayList(id), nil
}

// Shutdown stops the idle sweep and closes every open session.
func (s *Service) Shutdown(ctx context.Context) {
	s.stopOnce.Do(func() { close(s.stop) })
	s.sweeper.Wait()
	s.mu.RLock()
	ids := make([]uuid.UUID, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	for _, id := range ids {
		_ = s.Close(ctx, id)
	}
}

func (s *Service) session(id uuid.UUID) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	sess.lastSeen.Store(s.cfg.Now().UnixNano())
	return sess, nil
}

// complete fills missing name and price from the catalog.
func (s *Service) complete(ctx context.Context, itemType lineitem.ItemType, itemID string, patch *lineitem.Patch) error {
	if s.cfg.Catalog == nil {
		return fmt.Errorf("%w: catalog not configured", ErrItemUnresolved)
	}
	item, err := s.cfg.Catalog.ItemDetails(ctx, itemType, itemID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrItemUnresolved, err)
	}
	if patch.ItemName == nil || strings.TrimSpace(*patch.ItemName) == "" {
		name := item.Name
		patch.ItemName = &name
	}
	if patch.UnitPrice == nil {
		price := item.Price
		patch.UnitPrice = &price
	}
	if patch.TaxBps == nil {
		tax := item.TaxBps
		patch.TaxBps = &tax
	}
	return nil
}

func (s *Service) check(v any) error {
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			details := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				details[fe.Field()] = fe.Tag()
			}
			return common.BadRequest("invalid request", details)
		}
		return common.BadRequest(err.Error(), nil)
	}
	return nil
}

func (s *Service) view(sess *Session) View {
	records := sess.Engine.Records()
	grants := make([]Grant, 0, len(records))
	for key, rec := range records {
		grants = append(grants, Grant{
			CampaignID:    key.CampaignID,
			TriggerItemID: key.TriggerItemID,
			RowKeys:       rec.RowKeys,
			RewardItemIDs: rec.RewardItemIDs,
		})
	}
	sortGrants(grants)
	exclusions := sess.Exclusions()
	if exclusions == nil {
		exclusions = []string{}
	}
	return View{
		ID:         sess.ID.String(),
		HospitalID: sess.HospitalID,
		PatientID:  sess.PatientID,
		OpenedAt:   sess.OpenedAt,
		Items:      sess.Table.Rows(),
		Totals:     sess.Table.CalculateTotals(),
		Exclusions: exclusions,
		Campaigns:  s.displayList(sess.ID),
		Grants:     grants,
	}
}

func (s *Service) displayList(id uuid.UUID) []display.Entry {
	if s.cfg.Display == nil {
		return []display.Entry{}
	}
	return s.cfg.Display.List(id.String())
}

// cleanIDs trims, drops blanks and dedupes while keeping order.
func cleanIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func sortGrants(grants []Grant) {
	sort.Slice(grants, func(i, j int) bool {
		if grants[i].CampaignID != grants[j].CampaignID {
			return grants[i].CampaignID < grants[j].CampaignID
		}
		return grants[i].TriggerItemID < grants[j].TriggerItemID
	})
}
