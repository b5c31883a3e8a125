// Package display holds the presentation state of campaigns per invoice:
// the ordered list of eligible campaigns and whether each is applied. It
// is fed exclusively by promotion events.
package display

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/noah-isme/klinik-promo/internal/events"
)

// Entry is one campaign shown to the cashier.
type Entry struct {
	CampaignID   string `json:"campaignId"`
	CampaignName string `json:"campaignName,omitempty"`
	CampaignCode string `json:"campaignCode,omitempty"`
	Applied      bool   `json:"applied"`
}

// Store keeps entries per invoice id.
type Store struct {
	mu       sync.RWMutex
	invoices map[string][]Entry
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{invoices: make(map[string][]Entry)}
}

// Notify implements events.Notifier.
func (s *Store) Notify(_ context.Context, ev events.Event) error {
	switch ev.Topic {
	case events.TopicCampaignEligible:
		var p events.EligiblePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("display: decode %s: %w", ev.Topic, err)
		}
		s.mu.Lock()
		for _, c := range p.Campaigns {
			s.upsertLocked(ev.AggregateID, c, false)
		}
		s.mu.Unlock()
	case events.TopicCampaignApplied, events.TopicCampaignUnapplied:
		var p events.CampaignPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("display: decode %s: %w", ev.Topic, err)
		}
		p.Applied = ev.Topic == events.TopicCampaignApplied
		s.mu.Lock()
		s.upsertLocked(ev.AggregateID, p, true)
		s.mu.Unlock()
	case events.TopicInvoiceClosed:
		s.Drop(ev.AggregateID)
	}
	return nil
}

// upsertLocked adds a missing entry and, when setFlag is true, flips the
// applied flag of an existing one. Order of first appearance is kept.
func (s *Store) upsertLocked(invoiceID string, c events.CampaignPayload, setFlag bool) {
	entries := s.invoices[invoiceID]
	for i := range entries {
		if entries[i].CampaignID != c.CampaignID {
			continue
		}
		if setFlag {
			entries[i].Applied = c.Applied
		}
		if entries[i].CampaignName == "" {
			entries[i].CampaignName = c.CampaignName
		}
		if entries[i].CampaignCode == "" {
			entries[i].CampaignCode = c.CampaignCode
		}
		return
	}
	s.invoices[invoiceID] = append(entries, Entry{
		CampaignID:   c.CampaignID,
		CampaignName: c.CampaignName,
		CampaignCode: c.CampaignCode,
		Applied:      setFlag && c.Applied,
	})
}

// List returns a copy of the entries for an invoice.
func (s *Store) List(invoiceID string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.invoices[invoiceID]
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}

// Drop forgets an invoice.
func (s *Store) Drop(invoiceID string) {
	s.mu.Lock()
	delete(s.invoices, invoiceID)
	s.mu.Unlock()
}
