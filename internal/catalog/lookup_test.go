package catalog_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/klinik-promo/internal/catalog"
	"github.com/noah-isme/klinik-promo/internal/lineitem"
	"github.com/noah-isme/klinik-promo/internal/pricing"
	"github.com/noah-isme/klinik-promo/internal/resilience"
)

func newCatalogServer(t *testing.T, hits *int) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/items/{type}/{id}", func(w http.ResponseWriter, req *http.Request) {
		*hits++
		if chi.URLParam(req, "id") != "consult-1" || chi.URLParam(req, "type") != "service" {
			http.NotFound(w, req)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"General Consultation","price":"500.00","gst_rate":18}`))
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPClientItemDetails(t *testing.T) {
	hits := 0
	srv := newCatalogServer(t, &hits)
	client := catalog.HTTPClient{
		BaseURL: srv.URL + "/",
		HTTP:    resilience.HTTPClient{Client: srv.Client(), Timeout: time.Second},
	}

	item, err := client.ItemDetails(context.Background(), lineitem.TypeService, "consult-1")
	require.NoError(t, err)
	require.Equal(t, "General Consultation", item.Name)
	require.Equal(t, pricing.Money(50_000), item.Price)
	require.Equal(t, 1800, item.TaxBps)

	_, err = client.ItemDetails(context.Background(), lineitem.TypeService, "gone")
	require.ErrorIs(t, err, catalog.ErrItemNotFound)
}

func TestCachedLookupServesFromRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	hits := 0
	srv := newCatalogServer(t, &hits)
	lookup := catalog.CachedLookup{
		Next: catalog.HTTPClient{
			BaseURL: srv.URL,
			HTTP:    resilience.HTTPClient{Client: srv.Client()},
		},
		Cache:  catalog.NewCache(rdb, time.Minute, ""),
		Logger: zerolog.Nop(),
	}

	ctx := context.Background()
	first, err := lookup.ItemDetails(ctx, lineitem.TypeService, "consult-1")
	require.NoError(t, err)
	second, err := lookup.ItemDetails(ctx, lineitem.TypeService, "consult-1")
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, hits)
	require.True(t, mr.Exists("catalog:item:service:consult-1"))

	_, err = lookup.ItemDetails(ctx, lineitem.TypeService, "gone")
	require.ErrorIs(t, err, catalog.ErrItemNotFound)
	require.False(t, mr.Exists("catalog:item:service:gone"))
}

func TestCachedLookupWithoutRedis(t *testing.T) {
	hits := 0
	srv := newCatalogServer(t, &hits)
	lookup := catalog.CachedLookup{
		Next:   catalog.HTTPClient{BaseURL: srv.URL, HTTP: resilience.HTTPClient{Client: srv.Client()}},
		Cache:  catalog.NewCache(nil, time.Minute, ""),
		Logger: zerolog.Nop(),
	}
	for i := 0; i < 2; i++ {
		_, err := lookup.ItemDetails(context.Background(), lineitem.TypeService, "consult-1")
		require.NoError(t, err)
	}
	require.Equal(t, 2, hits)
}
