package pricing

import "math"

// Money represents a monetary value stored in minor units.
type Money = int64

// FullBps is one hundred percent expressed in basis points.
const FullBps = 10000

// FromDecimal converts a decimal amount in major units (e.g. 3500.50) into minor units.
func FromDecimal(v float64) Money {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return Money(math.Round(v * 100))
}

// ToDecimal converts minor units back into a decimal amount in major units.
func ToDecimal(m Money) float64 {
	return float64(m) / 100
}

// PercentToBps converts a percentage such as 18 or 12.5 into basis points.
func PercentToBps(pct float64) int {
	if math.IsNaN(pct) || pct <= 0 {
		return 0
	}
	return int(math.Round(pct * 100))
}

// Line describes a single invoice line used for pricing calculation.
type Line struct {
	Qty         int
	UnitPrice   Money
	DiscountBps int
	TaxBps      int
	// TaxOnGross computes tax on the pre-discount amount.
	TaxOnGross bool
}

// LineAmounts holds the computed components of one line.
type LineAmounts struct {
	Gross    Money `json:"gross"`
	Discount Money `json:"discount"`
	Net      Money `json:"net"`
	Tax      Money `json:"tax"`
	Total    Money `json:"total"`
}

// Summary aggregates computed pricing components.
type Summary struct {
	Subtotal Money `json:"subtotal"`
	Discount Money `json:"discount"`
	Tax      Money `json:"tax"`
	Total    Money `json:"total"`
}

// ComputeLine calculates the amounts for a single line.
func ComputeLine(l Line) LineAmounts {
	if l.Qty <= 0 || l.UnitPrice <= 0 {
		return LineAmounts{}
	}
	gross := Money(l.Qty) * l.UnitPrice
	discountBps := clampBps(l.DiscountBps)
	discount := (gross * Money(discountBps)) / FullBps
	if discount > gross {
		discount = gross
	}
	net := gross - discount
	taxable := net
	if l.TaxOnGross {
		taxable = gross
	}
	var tax Money
	if l.TaxBps > 0 {
		tax = (taxable * Money(l.TaxBps)) / FullBps
	}
	return LineAmounts{
		Gross:    gross,
		Discount: discount,
		Net:      net,
		Tax:      tax,
		Total:    net + tax,
	}
}

// Compute calculates invoice totals given the provided lines.
func Compute(lines []Line) Summary {
	var s Summary
	for _, l := range lines {
		a := ComputeLine(l)
		s.Subtotal += a.Gross
		s.Discount += a.Discount
		s.Tax += a.Tax
		s.Total += a.Total
	}
	return s
}

func clampBps(v int) int {
	if v < 0 {
		return 0
	}
	if v > FullBps {
		return FullBps
	}
	return v
}
