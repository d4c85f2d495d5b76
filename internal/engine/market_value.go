package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"slabvalue/internal/comps"
)

// PriceRange is the displayed "typical" price band.
type PriceRange struct {
	Low  decimal.Decimal `json:"low"`
	High decimal.Decimal `json:"high"`
}

// LastSold is the most recent comparable sale.
type LastSold struct {
	Date  time.Time       `json:"date"`
	Price decimal.Decimal `json:"price"`
}

// PricingInfo is the market value estimate for one asset.
// Low <= Value <= High whenever comps exist; all zero and LastSold nil otherwise.
type PricingInfo struct {
	Value    decimal.Decimal `json:"value"`
	Range    PriceRange      `json:"range"`
	LastSold *LastSold       `json:"last_sold"`
}

const (
	inlierLowPercentile  = 0.25
	inlierHighPercentile = 0.75
)

// CalculateMarketValue estimates value from normalized comps.
//
// Value is the mean of every price (outliers included). Range is an inlier
// band cut at the 25th/75th percentile indices, so a single extreme sale
// moves the mean but not the displayed band. When skew pushes the mean
// outside the band, the band is widened to contain it. Rounding to cents
// happens only here, at return.
func CalculateMarketValue(sales []comps.NormalizedSale) PricingInfo {
	if len(sales) == 0 {
		return PricingInfo{Value: decimal.Zero, Range: PriceRange{Low: decimal.Zero, High: decimal.Zero}}
	}

	prices := comps.Prices(sales)
	avg := meanDecimal(prices)

	sorted := sortedCopy(prices)
	n := len(sorted)
	low := sorted[percentileIndex(n, inlierLowPercentile)]
	high := sorted[percentileIndex(n, inlierHighPercentile)]

	value := avg.Round(cents)
	low = decimal.Min(low, value).Round(cents)
	high = decimal.Max(high, value).Round(cents)

	return PricingInfo{
		Value:    value,
		Range:    PriceRange{Low: low, High: high},
		LastSold: lastSold(sales),
	}
}

// lastSold picks the sale with the latest date, first in input order on ties.
// It does not rely on the input being sorted.
func lastSold(sales []comps.NormalizedSale) *LastSold {
	if len(sales) == 0 {
		return nil
	}
	best := sales[0]
	for _, s := range sales[1:] {
		if s.Date.After(best.Date) {
			best = s
		}
	}
	return &LastSold{Date: best.Date, Price: best.TotalPrice.Round(cents)}
}
