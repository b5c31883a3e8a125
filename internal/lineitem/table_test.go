package lineitem_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/klinik-promo/internal/lineitem"
	"github.com/noah-isme/klinik-promo/internal/pricing"
)

func ptr[T any](v T) *T { return &v }

func TestTableKeysSurviveRemoval(t *testing.T) {
	table := lineitem.NewTable()
	first := table.AddNewItem()
	second := table.AddNewItem()
	third := table.AddNewItem()

	require.True(t, table.Remove(second))
	require.False(t, table.Remove(second))
	table.UpdateLineNumbers()

	rows := table.Rows()
	require.Len(t, rows, 2)
	require.Equal(t, first, rows[0].Key)
	require.Equal(t, third, rows[1].Key)
	require.Equal(t, 2, rows[1].Number)

	snap := table.Snapshot()
	require.Equal(t, 1, snap[1].RowIndex)
	require.Equal(t, third, snap[1].RowKey)
}

func TestTableUpdateRejectsLockedRows(t *testing.T) {
	table := lineitem.NewTable()
	key := table.AddNewItem()
	require.NoError(t, table.Configure(key, func(r *lineitem.Row) {
		r.IsFreeItem = true
		r.Locked = true
	}))

	err := table.Update(key, lineitem.Patch{Quantity: ptr(3)})
	require.ErrorIs(t, err, lineitem.ErrRowLocked)

	err = table.Update(lineitem.RowKey("missing"), lineitem.Patch{})
	require.ErrorIs(t, err, lineitem.ErrRowNotFound)
}

func TestTableTotals(t *testing.T) {
	table := lineitem.NewTable()
	regular := table.AddNewItem()
	require.NoError(t, table.Update(regular, lineitem.Patch{
		ItemID:    ptr("svc-99"),
		ItemType:  ptr("Services"),
		Quantity:  ptr(1),
		UnitPrice: ptr(pricing.Money(350_000)),
	}))
	free := table.AddNewItem()
	require.NoError(t, table.Configure(free, func(r *lineitem.Row) {
		r.ItemID = "consult-1"
		r.Quantity = 1
		r.UnitPrice = 50_000
		r.TaxBps = 1800
		r.DiscountBps = pricing.FullBps
		r.TaxOnGross = true
		r.IsFreeItem = true
	}))
	table.CalculateLineTotal(free)

	row, ok := table.Row(regular)
	require.True(t, ok)
	require.Equal(t, lineitem.TypeService, row.ItemType)

	summary := table.CalculateTotals()
	require.Equal(t, pricing.Money(400_000), summary.Subtotal)
	require.Equal(t, pricing.Money(50_000), summary.Discount)
	require.Equal(t, pricing.Money(9_000), summary.Tax)
	require.Equal(t, pricing.Money(359_000), summary.Total)
	require.Equal(t, summary, table.Totals())

	freeRow, _ := table.Row(free)
	require.Equal(t, pricing.Money(0), freeRow.Amounts.Net)
	require.Equal(t, pricing.Money(9_000), freeRow.Amounts.Tax)
}

func TestRegularExcludesFreeItems(t *testing.T) {
	items := []lineitem.LineItem{
		{ItemID: "a"},
		{ItemID: "b", IsFreeItem: true},
	}
	regular := lineitem.Regular(items)
	require.Len(t, regular, 1)
	require.Equal(t, "a", regular[0].ItemID)
}

func TestNormalizeType(t *testing.T) {
	require.Equal(t, lineitem.TypePackage, lineitem.NormalizeType(" PKG "))
	require.Equal(t, lineitem.TypeMedicine, lineitem.NormalizeType("Medication"))
	require.Equal(t, lineitem.ItemType("lab"), lineitem.NormalizeType("Lab"))
	require.False(t, lineitem.ItemType("lab").Known())
}
