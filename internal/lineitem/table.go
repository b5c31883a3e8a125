package lineitem

import (
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/noah-isme/klinik-promo/internal/pricing"
)

var (
	// ErrRowNotFound is returned when a row key is unknown to the table.
	ErrRowNotFound = errors.New("line item not found")
	// ErrRowLocked is returned when a user edit targets an engine-managed row.
	ErrRowLocked = errors.New("line item is locked")
)

// Table owns the invoice rows in display order.
type Table struct {
	mu     sync.RWMutex
	order  []RowKey
	rows   map[RowKey]*Row
	totals pricing.Summary
	newKey func() RowKey
}

// NewTable constructs an empty table.
func NewTable() *Table {
	return &Table{
		rows:   make(map[RowKey]*Row),
		newKey: func() RowKey { return RowKey(uuid.NewString()) },
	}
}

// AddNewItem appends an empty row and returns its key.
func (t *Table) AddNewItem() RowKey {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := t.newKey()
	t.order = append(t.order, key)
	t.rows[key] = &Row{Key: key, Number: len(t.order), Quantity: 1}
	return key
}

// Configure applies fn to the row without lock checks. The engine uses it
// to set up free rows.
func (t *Table) Configure(key RowKey, fn func(*Row)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	row, ok := t.rows[key]
	if !ok {
		return ErrRowNotFound
	}
	fn(row)
	row.Key = key
	return nil
}

// Update applies a user edit. Locked rows are rejected.
func (t *Table) Update(key RowKey, p Patch) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	row, ok := t.rows[key]
	if !ok {
		return ErrRowNotFound
	}
	if row.Locked {
		return ErrRowLocked
	}
	if p.ItemID != nil {
		row.ItemID = strings.TrimSpace(*p.ItemID)
	}
	if p.ItemType != nil {
		row.ItemType = NormalizeType(*p.ItemType)
	}
	if p.ItemName != nil {
		row.ItemName = strings.TrimSpace(*p.ItemName)
	}
	if p.Quantity != nil {
		row.Quantity = *p.Quantity
	}
	if p.UnitPrice != nil {
		row.UnitPrice = *p.UnitPrice
	}
	if p.TaxBps != nil {
		row.TaxBps = *p.TaxBps
	}
	if p.DiscountBps != nil {
		row.DiscountBps = *p.DiscountBps
	}
	row.Amounts = pricing.ComputeLine(row.pricingLine())
	return nil
}

// Remove deletes the row if present and reports whether it existed.
func (t *Table) Remove(key RowKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.rows[key]; !ok {
		return false
	}
	delete(t.rows, key)
	for i, k := range t.order {
		if k == key {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return true
}

// Contains reports whether the row is still attached.
func (t *Table) Contains(key RowKey) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.rows[key]
	return ok
}

// Row returns a copy of the row.
func (t *Table) Row(key RowKey) (Row, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	row, ok := t.rows[key]
	if !ok {
		return Row{}, false
	}
	return *row, true
}

// Rows returns copies of all rows in display order.
func (t *Table) Rows() []Row {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Row, 0, len(t.order))
	for _, key := range t.order {
		out = append(out, *t.rows[key])
	}
	return out
}

// Snapshot projects the current rows into LineItem values.
func (t *Table) Snapshot() []LineItem {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]LineItem, 0, len(t.order))
	for i, key := range t.order {
		row := t.rows[key]
		out = append(out, LineItem{
			RowIndex:      i,
			RowKey:        key,
			ItemID:        row.ItemID,
			ItemType:      row.ItemType,
			ItemName:      row.ItemName,
			Quantity:      row.Quantity,
			UnitPrice:     row.UnitPrice,
			Total:         pricing.Money(row.Quantity) * row.UnitPrice,
			IsFreeItem:    row.IsFreeItem,
			TriggerLineID: row.TriggerItemID,
			CampaignID:    row.CampaignID,
		})
	}
	return out
}

// CalculateLineTotal recomputes the amounts of one row.
func (t *Table) CalculateLineTotal(key RowKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if row, ok := t.rows[key]; ok {
		row.Amounts = pricing.ComputeLine(row.pricingLine())
	}
}

// CalculateTotals recomputes the invoice summary.
func (t *Table) CalculateTotals() pricing.Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	lines := make([]pricing.Line, 0, len(t.order))
	for _, key := range t.order {
		lines = append(lines, t.rows[key].pricingLine())
	}
	t.totals = pricing.Compute(lines)
	return t.totals
}

// Totals returns the summary computed by the last CalculateTotals call.
func (t *Table) Totals() pricing.Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.totals
}

// UpdateLineNumbers renumbers rows sequentially from 1.
func (t *Table) UpdateLineNumbers() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, key := range t.order {
		t.rows[key].Number = i + 1
	}
}

// Len returns the number of rows.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}
