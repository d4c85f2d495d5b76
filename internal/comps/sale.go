// Package comps turns heterogeneously-shaped comparable-sale records from
// upstream search providers into a canonical NormalizedSale slice.
package comps

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// NormalizedSale is a single comparable sale after normalization.
// TotalPrice is always > 0; records that cannot satisfy that are dropped.
type NormalizedSale struct {
	Date       time.Time       `json:"date"`
	TotalPrice decimal.Decimal `json:"total_price"`
	// Relevance is the upstream match score in [0,1]; 0 when absent.
	Relevance float64 `json:"relevance"`
}

// Timestamp returns the sale time in Unix milliseconds.
func (s NormalizedSale) Timestamp() int64 {
	return s.Date.UnixMilli()
}

// FromMaps encodes in-memory records as raw JSON so they can go through
// Normalize. Records that fail to encode are skipped.
func FromMaps(records []map[string]any) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(records))
	for _, r := range records {
		b, err := json.Marshal(r)
		if err != nil {
			continue
		}
		out = append(out, b)
	}
	return out
}

// Prices returns the total prices of sales in input order.
func Prices(sales []NormalizedSale) []decimal.Decimal {
	out := make([]decimal.Decimal, len(sales))
	for i, s := range sales {
		out[i] = s.TotalPrice
	}
	return out
}
