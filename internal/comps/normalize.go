package comps

import (
	"encoding/json"
	"sort"
)

// Normalize converts raw sale records into NormalizedSales sorted ascending
// by sale time. Records without a parseable date or with a total price <= 0
// are dropped, never fabricated. The input slice is not modified.
func Normalize(raw []json.RawMessage) []NormalizedSale {
	out := make([]NormalizedSale, 0, len(raw))
	for _, r := range raw {
		if s, ok := NormalizeOne(r); ok {
			out = append(out, s)
		}
	}
	// Stable so same-instant sales keep upstream order.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Date.Before(out[j].Date)
	})
	return out
}

// NormalizeOne normalizes a single record.
func NormalizeOne(raw json.RawMessage) (NormalizedSale, bool) {
	if len(raw) == 0 {
		return NormalizedSale{}, false
	}
	date, ok := ExtractDate(raw)
	if !ok {
		return NormalizedSale{}, false
	}
	price, ok := ExtractPrice(raw)
	if !ok || !price.IsPositive() {
		return NormalizedSale{}, false
	}
	return NormalizedSale{
		Date:       date,
		TotalPrice: price,
		Relevance:  ExtractRelevance(raw),
	}, true
}
