package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PromoReconcileTotal counts reconciliation passes by outcome.
	PromoReconcileTotal *prometheus.CounterVec
	// PromoFreeItemsGranted counts materialised free item rows.
	PromoFreeItemsGranted prometheus.Counter
	// PromoFreeItemsRetracted counts removed free item rows.
	PromoFreeItemsRetracted prometheus.Counter
	// PromoCatalogLookupTotal counts reward item catalog lookups by outcome.
	PromoCatalogLookupTotal *prometheus.CounterVec
	// PromoCampaignLoadTotal counts campaign loads by outcome.
	PromoCampaignLoadTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises the promotion collectors. Only the
// first call has an effect; until then the collectors are nil and callers
// skip recording.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		PromoReconcileTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promo_reconcile_total",
			Help:      "Promotion reconciliation passes by outcome.",
		}, []string{"result"}))
		PromoFreeItemsGranted = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promo_free_items_granted_total",
			Help:      "Free item rows added by promotions.",
		}))
		PromoFreeItemsRetracted = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promo_free_items_retracted_total",
			Help:      "Free item rows removed by promotions.",
		}))
		PromoCatalogLookupTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promo_catalog_lookup_total",
			Help:      "Reward item catalog lookups by outcome.",
		}, []string{"result"}))
		PromoCampaignLoadTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promo_campaign_load_total",
			Help:      "Active campaign loads by outcome.",
		}, []string{"result"}))
	})
}
