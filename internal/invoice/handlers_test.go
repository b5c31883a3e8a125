package invoice_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/klinik-promo/internal/campaign"
	"github.com/noah-isme/klinik-promo/internal/catalog"
	"github.com/noah-isme/klinik-promo/internal/common"
	"github.com/noah-isme/klinik-promo/internal/display"
	"github.com/noah-isme/klinik-promo/internal/events"
	"github.com/noah-isme/klinik-promo/internal/invoice"
	"github.com/noah-isme/klinik-promo/internal/lineitem"
	"github.com/noah-isme/klinik-promo/internal/pricing"
)

type staticSource []campaign.Campaign

func (s staticSource) Active(context.Context, string, string) ([]campaign.Campaign, error) {
	return s, nil
}

type mapCatalog map[string]catalog.Item

func (m mapCatalog) ItemDetails(_ context.Context, _ lineitem.ItemType, id string) (catalog.Item, error) {
	item, ok := m[id]
	if !ok {
		return catalog.Item{}, catalog.ErrItemNotFound
	}
	return item, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *invoice.Service) {
	t.Helper()
	store := display.NewStore()
	svc := invoice.NewService(invoice.Config{
		Campaigns: staticSource{{
			ID:   "C1",
			Name: "Free consult",
			Trigger: campaign.Trigger{
				Kind:         campaign.KindItemPurchase,
				ItemPurchase: &campaign.ItemPurchase{ItemType: lineitem.TypeService, MinAmount: pricing.FromDecimal(3000)},
			},
			Reward: []campaign.RewardItem{{ItemID: "consult-1", ItemType: lineitem.TypeService, Quantity: 1}},
		}},
		Catalog: mapCatalog{
			"consult-1": {ID: "consult-1", Name: "General Consultation", Price: 50_000, TaxBps: 1800},
			"svc-99":    {ID: "svc-99", Name: "Dental Cleaning", Price: 350_000, TaxBps: 0},
		},
		Bus:      &events.Bus{Notifiers: []events.Notifier{store}},
		Display:  store,
		Logger:   zerolog.Nop(),
		Debounce: time.Minute,
	})
	t.Cleanup(func() { svc.Shutdown(context.Background()) })

	r := chi.NewRouter()
	r.Route("/api/v1", (&invoice.Handler{Svc: svc}).Routes)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, svc
}

type envelope struct {
	Data  invoice.View `json:"data"`
	Error *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func call(t *testing.T, method, url string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var env envelope
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	}
	return resp.StatusCode, env
}

func freeRows(view invoice.View) []lineitem.Row {
	var out []lineitem.Row
	for _, row := range view.Items {
		if row.IsFreeItem {
			out = append(out, row)
		}
	}
	return out
}

func TestInvoiceLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)
	base := srv.URL + "/api/v1/invoices"

	status, env := call(t, http.MethodPost, base, map[string]string{"hospitalId": "H1"})
	require.Equal(t, http.StatusCreated, status)
	id := env.Data.ID
	require.Len(t, env.Data.Campaigns, 1)
	require.False(t, env.Data.Campaigns[0].Applied)

	// name and price come from the catalog
	status, env = call(t, http.MethodPost, base+"/"+id+"/items?sync=1", map[string]any{"itemId": "svc-99", "itemType": "Services"})
	require.Equal(t, http.StatusCreated, status)
	require.Len(t, env.Data.Items, 2)
	user := env.Data.Items[0]
	require.Equal(t, "Dental Cleaning", user.ItemName)
	require.Equal(t, pricing.Money(350_000), user.UnitPrice)
	free := freeRows(env.Data)
	require.Len(t, free, 1)
	require.Equal(t, pricing.Money(9_000), free[0].Amounts.Total)
	require.True(t, env.Data.Campaigns[0].Applied)
	require.Equal(t, pricing.Money(359_000), env.Data.Totals.Total)
	require.Len(t, env.Data.Grants, 1)

	status, env = call(t, http.MethodPatch, base+"/"+id+"/items/"+string(free[0].Key), map[string]any{"quantity": 3})
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "ITEM_LOCKED", env.Error.Code)
	status, _ = call(t, http.MethodDelete, base+"/"+id+"/items/"+string(free[0].Key), nil)
	require.Equal(t, http.StatusConflict, status)

	status, env = call(t, http.MethodPatch, base+"/"+id+"/items/"+string(user.Key)+"?sync=1", map[string]any{"unitPrice": 2000})
	require.Equal(t, http.StatusOK, status)
	require.Empty(t, freeRows(env.Data))
	require.False(t, env.Data.Campaigns[0].Applied)

	status, env = call(t, http.MethodPatch, base+"/"+id+"/items/"+string(user.Key)+"?sync=1", map[string]any{"unitPrice": 3500})
	require.Equal(t, http.StatusOK, status)
	require.Len(t, freeRows(env.Data), 1)

	status, env = call(t, http.MethodPut, base+"/"+id+"/exclusions?sync=true", map[string]any{"campaignIds": []string{"C1", "C1"}})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, []string{"C1"}, env.Data.Exclusions)
	require.Empty(t, freeRows(env.Data))

	status, env = call(t, http.MethodPut, base+"/"+id+"/exclusions", map[string]any{"campaignIds": []string{}})
	require.Equal(t, http.StatusOK, status)
	status, env = call(t, http.MethodPost, base+"/"+id+"/reconcile", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, freeRows(env.Data), 1)

	status, env = call(t, http.MethodPost, base+"/"+id+"/reset", nil)
	require.Equal(t, http.StatusOK, status)
	require.Empty(t, env.Data.Items)
	require.Empty(t, env.Data.Grants)

	status, _ = call(t, http.MethodDelete, base+"/"+id, nil)
	require.Equal(t, http.StatusNoContent, status)
	status, _ = call(t, http.MethodGet, base+"/"+id, nil)
	require.Equal(t, http.StatusNotFound, status)
}

func TestInvoiceValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	base := srv.URL + "/api/v1/invoices"

	status, env := call(t, http.MethodPost, base, map[string]string{})
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "BAD_REQUEST", env.Error.Code)

	status, _ = call(t, http.MethodGet, base+"/not-a-uuid", nil)
	require.Equal(t, http.StatusBadRequest, status)
	status, _ = call(t, http.MethodGet, base+"/"+uuid.NewString(), nil)
	require.Equal(t, http.StatusNotFound, status)

	_, env = call(t, http.MethodPost, base, map[string]string{"hospitalId": "H1"})
	id := env.Data.ID

	status, _ = call(t, http.MethodPost, base+"/"+id+"/items", map[string]any{"itemId": "x", "itemType": "lab"})
	require.Equal(t, http.StatusBadRequest, status)

	status, env = call(t, http.MethodPost, base+"/"+id+"/items", map[string]any{"itemId": "unknown", "itemType": "medicine"})
	require.Equal(t, http.StatusUnprocessableEntity, status)
	require.Equal(t, "UNPROCESSABLE", env.Error.Code)

	// explicit name and price skip the catalog
	status, env = call(t, http.MethodPost, base+"/"+id+"/items", map[string]any{"itemId": "unknown", "itemType": "medicine", "itemName": "Walk-in", "unitPrice": 12.5, "quantity": 2})
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, pricing.Money(2_500), env.Data.Totals.Subtotal)

	status, _ = call(t, http.MethodDelete, base+"/"+id+"/items/missing", nil)
	require.Equal(t, http.StatusNotFound, status)
}

func TestServiceNotifiesEngine(t *testing.T) {
	store := display.NewStore()
	svc := invoice.NewService(invoice.Config{
		Campaigns: staticSource{{
			ID:      "C1",
			Trigger: campaign.Trigger{Kind: campaign.KindItemPurchase, ItemPurchase: &campaign.ItemPurchase{}},
			Reward:  []campaign.RewardItem{{ItemID: "consult-1", ItemType: lineitem.TypeService, Quantity: 1}},
		}},
		Catalog:  mapCatalog{"consult-1": {ID: "consult-1", Name: "General Consultation", Price: 50_000}},
		Bus:      &events.Bus{Notifiers: []events.Notifier{store}},
		Display:  store,
		Logger:   zerolog.Nop(),
		Debounce: 10 * time.Millisecond,
	})
	ctx := context.Background()
	view, err := svc.Open(ctx, invoice.OpenRequest{HospitalID: "H1"})
	require.NoError(t, err)
	id := uuid.MustParse(view.ID)
	price := 10.0
	_, err = svc.AddItem(ctx, id, invoice.ItemInput{ItemID: "svc-1", ItemType: "service", ItemName: "X-ray", UnitPrice: &price})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v, err := svc.View(id)
		return err == nil && len(v.Grants) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, svc.Close(ctx, id))
	require.Empty(t, store.List(id.String()))
	require.ErrorIs(t, svc.Close(ctx, id), invoice.ErrSessionNotFound)
}

type gatedCatalog struct {
	mapCatalog
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedCatalog) ItemDetails(ctx context.Context, typ lineitem.ItemType, id string) (catalog.Item, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.mapCatalog.ItemDetails(ctx, typ, id)
}

func freeConsultService(t *testing.T, lookup catalog.Lookup, store *display.Store, extra func(*invoice.Config)) *invoice.Service {
	t.Helper()
	cfg := invoice.Config{
		Campaigns: staticSource{{
			ID:      "C1",
			Trigger: campaign.Trigger{Kind: campaign.KindItemPurchase, ItemPurchase: &campaign.ItemPurchase{}},
			Reward:  []campaign.RewardItem{{ItemID: "consult-1", ItemType: lineitem.TypeService, Quantity: 1}},
		}},
		Catalog:  lookup,
		Bus:      &events.Bus{Notifiers: []events.Notifier{store}},
		Display:  store,
		Logger:   zerolog.Nop(),
		Debounce: time.Millisecond,
	}
	if extra != nil {
		extra(&cfg)
	}
	svc := invoice.NewService(cfg)
	t.Cleanup(func() { svc.Shutdown(context.Background()) })
	return svc
}

func TestCloseDuringPassKeepsInvoiceDropped(t *testing.T) {
	store := display.NewStore()
	gate := &gatedCatalog{
		mapCatalog: mapCatalog{"consult-1": {ID: "consult-1", Name: "General Consultation", Price: 50_000}},
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	svc := freeConsultService(t, gate, store, nil)
	ctx := context.Background()
	view, err := svc.Open(ctx, invoice.OpenRequest{HospitalID: "H1"})
	require.NoError(t, err)
	id := uuid.MustParse(view.ID)
	price := 10.0
	_, err = svc.AddItem(ctx, id, invoice.ItemInput{ItemID: "svc-1", ItemType: "service", ItemName: "X-ray", UnitPrice: &price})
	require.NoError(t, err)

	select {
	case <-gate.entered:
	case <-time.After(time.Second):
		t.Fatal("debounced pass never reached the catalog")
	}

	closed := make(chan error, 1)
	go func() { closed <- svc.Close(ctx, id) }()
	time.Sleep(20 * time.Millisecond)
	close(gate.release)

	require.NoError(t, <-closed)
	require.Empty(t, store.List(id.String()))
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, store.List(id.String()))
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestExpireIdleClosesUntouchedSessions(t *testing.T) {
	store := display.NewStore()
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	svc := freeConsultService(t, mapCatalog{}, store, func(cfg *invoice.Config) {
		cfg.Now = clock.Now
		cfg.IdleTTL = 30 * time.Minute
		cfg.SweepEvery = time.Hour
	})
	ctx := context.Background()
	idle, err := svc.Open(ctx, invoice.OpenRequest{HospitalID: "H1"})
	require.NoError(t, err)
	busy, err := svc.Open(ctx, invoice.OpenRequest{HospitalID: "H1"})
	require.NoError(t, err)
	idleID, busyID := uuid.MustParse(idle.ID), uuid.MustParse(busy.ID)
	require.NotEmpty(t, store.List(idle.ID))

	clock.Advance(20 * time.Minute)
	_, err = svc.View(busyID)
	require.NoError(t, err)
	require.Zero(t, svc.ExpireIdle(ctx))

	clock.Advance(20 * time.Minute)
	require.Equal(t, 1, svc.ExpireIdle(ctx))
	_, err = svc.View(idleID)
	require.ErrorIs(t, err, invoice.ErrSessionNotFound)
	require.Empty(t, store.List(idle.ID))

	_, err = svc.View(busyID)
	require.NoError(t, err)
	require.NotEmpty(t, store.List(busy.ID))
}

func TestIdleSweepRunsOnTicker(t *testing.T) {
	store := display.NewStore()
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	svc := freeConsultService(t, mapCatalog{}, store, func(cfg *invoice.Config) {
		cfg.Now = clock.Now
		cfg.IdleTTL = time.Minute
		cfg.SweepEvery = 5 * time.Millisecond
	})
	view, err := svc.Open(context.Background(), invoice.OpenRequest{HospitalID: "H1"})
	require.NoError(t, err)
	require.NotEmpty(t, store.List(view.ID))
	clock.Advance(2 * time.Minute)

	require.Eventually(t, func() bool {
		return len(store.List(view.ID)) == 0
	}, time.Second, 5*time.Millisecond)
	_, err = svc.View(uuid.MustParse(view.ID))
	require.ErrorIs(t, err, invoice.ErrSessionNotFound)
}

func TestItemTypeValidationIsRegistered(t *testing.T) {
	store := display.NewStore()
	var svc *invoice.Service
	require.NotPanics(t, func() { svc = freeConsultService(t, mapCatalog{}, store, nil) })
	ctx := context.Background()
	view, err := svc.Open(ctx, invoice.OpenRequest{HospitalID: "H1"})
	require.NoError(t, err)

	price := 1.0
	_, err = svc.AddItem(ctx, uuid.MustParse(view.ID), invoice.ItemInput{ItemID: "x", ItemType: "lab", ItemName: "Lab", UnitPrice: &price})
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, map[string]string{"ItemType": "itemtype"}, appErr.Details)
}
