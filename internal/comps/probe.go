package comps

import (
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// Probe names one candidate location of a field inside a raw sale record.
// Path uses gjson syntax.
type Probe struct {
	Name string
	Path string
}

// DateProbes are tried in order; the first parseable value wins.
var DateProbes = []Probe{
	{Name: "nested sold_date", Path: "sold_date.date.raw"},
	{Name: "sold_date", Path: "sold_date"},
	{Name: "soldDate", Path: "soldDate"},
	{Name: "dateSold", Path: "dateSold"},
	{Name: "date", Path: "date"},
}

// FinalPriceProbe is preferred over PriceProbes and is the only price that
// gets ShippingProbe added to it.
var FinalPriceProbe = Probe{Name: "final_price", Path: "final_price"}

// ShippingProbe locates the shipping cost added to the final price.
var ShippingProbe = Probe{Name: "shipping", Path: "shipping"}

// PriceProbes are the fallbacks when final_price is absent or non-numeric.
var PriceProbes = []Probe{
	{Name: "sold_price.value", Path: "sold_price.value"},
	{Name: "sold_price", Path: "sold_price"},
	{Name: "price.value", Path: "price.value"},
	{Name: "price", Path: "price"},
}

// RelevanceProbes locate the upstream match score.
var RelevanceProbes = []Probe{
	{Name: "relevanceScore", Path: "relevanceScore"},
	{Name: "relevance_score", Path: "relevance_score"},
}

// dateLayouts are accepted string date formats, most specific first.
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"Jan 2, 2006",
	"January 2, 2006",
	"01/02/2006",
}

// epochMillisThreshold separates epoch seconds from epoch milliseconds.
// 1e11 seconds is year 5138; 1e11 ms is March 1973.
const epochMillisThreshold = 1e11

// ExtractDate returns the first parseable date among DateProbes.
func ExtractDate(raw []byte) (time.Time, bool) {
	for _, p := range DateProbes {
		if t, ok := parseDate(gjson.GetBytes(raw, p.Path)); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseDate(r gjson.Result) (time.Time, bool) {
	switch r.Type {
	case gjson.String:
		s := strings.TrimSpace(r.Str)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
	case gjson.Number:
		v := r.Num
		if v <= 0 || math.IsInf(v, 0) || math.IsNaN(v) {
			return time.Time{}, false
		}
		if v >= epochMillisThreshold {
			return time.UnixMilli(int64(v)).UTC(), true
		}
		return time.Unix(int64(v), 0).UTC(), true
	}
	return time.Time{}, false
}

// ExtractPrice returns the sale's total price: final_price plus shipping when
// final_price is numeric, otherwise the first numeric PriceProbes value.
// ok is false when no probe yields a number; the caller still has to reject
// non-positive totals.
func ExtractPrice(raw []byte) (decimal.Decimal, bool) {
	if final, ok := ParseAmount(gjson.GetBytes(raw, FinalPriceProbe.Path)); ok {
		if ship, ok := ParseAmount(gjson.GetBytes(raw, ShippingProbe.Path)); ok {
			final = final.Add(ship)
		}
		return final, true
	}
	for _, p := range PriceProbes {
		if v, ok := ParseAmount(gjson.GetBytes(raw, p.Path)); ok {
			return v, true
		}
	}
	return decimal.Zero, false
}

// ExtractRelevance returns the relevance score clamped to [0,1]; 0 when absent.
func ExtractRelevance(raw []byte) float64 {
	for _, p := range RelevanceProbes {
		r := gjson.GetBytes(raw, p.Path)
		if !r.Exists() {
			continue
		}
		v, ok := ParseAmount(r)
		if !ok {
			continue
		}
		f := v.InexactFloat64()
		switch {
		case f < 0:
			return 0
		case f > 1:
			return 1
		}
		return f
	}
	return 0
}

// ParseAmount coerces a JSON number or currency string into a decimal.
// Strings keep only digits, '.' and '-' before parsing ("$1,200.50" -> 1200.50).
func ParseAmount(r gjson.Result) (decimal.Decimal, bool) {
	switch r.Type {
	case gjson.Number:
		d, err := decimal.NewFromString(r.Raw)
		if err != nil {
			return decimal.NewFromFloat(r.Num), true
		}
		return d, true
	case gjson.String:
		cleaned := stripAmount(r.Str)
		if cleaned == "" {
			return decimal.Zero, false
		}
		d, err := decimal.NewFromString(cleaned)
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	}
	return decimal.Zero, false
}

func stripAmount(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
