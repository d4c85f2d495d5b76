package engine

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"slabvalue/internal/comps"
)

// DefaultTrendWindow is the chart window used by BuildTrend.
const DefaultTrendWindow = 30 * 24 * time.Hour

// TrendPoint is one plotted sale.
type TrendPoint struct {
	Date      string          `json:"date"` // YYYY-MM-DD (UTC)
	Price     decimal.Decimal `json:"price"`
	Timestamp int64           `json:"timestamp"` // Unix ms
}

// TrendSeries is the short-horizon price series for charting.
// IsUsingAllTime is set when the window held no sales and the full history
// was used instead.
type TrendSeries struct {
	Points         []TrendPoint `json:"points"`
	IsUsingAllTime bool         `json:"is_using_all_time"`
}

// Len is the number of points.
func (t TrendSeries) Len() int { return len(t.Points) }

// BuildTrend builds the series over the default 30-day window.
func BuildTrend(raw []json.RawMessage, now time.Time) TrendSeries {
	return BuildTrendWindow(raw, now, DefaultTrendWindow)
}

// BuildTrendWindow builds the series over (now-window, now]. If that window
// is empty but older sales exist, all sales are plotted and IsUsingAllTime
// is set. Several sales on the same day yield several points.
func BuildTrendWindow(raw []json.RawMessage, now time.Time, window time.Duration) TrendSeries {
	return TrendFromSales(comps.Normalize(raw), now, window)
}

// TrendFromSales is BuildTrendWindow for already-normalized (ascending) sales.
func TrendFromSales(sales []comps.NormalizedSale, now time.Time, window time.Duration) TrendSeries {
	if window <= 0 {
		window = DefaultTrendWindow
	}
	start := now.Add(-window)

	inWindow := make([]comps.NormalizedSale, 0, len(sales))
	for _, s := range sales {
		if s.Date.After(start) && !s.Date.After(now) {
			inWindow = append(inWindow, s)
		}
	}

	series := TrendSeries{Points: []TrendPoint{}}
	use := inWindow
	if len(inWindow) == 0 && len(sales) > 0 {
		use = sales
		series.IsUsingAllTime = true
	}

	for _, s := range use {
		series.Points = append(series.Points, TrendPoint{
			Date:      s.Date.UTC().Format("2006-01-02"),
			Price:     s.TotalPrice.Round(cents),
			Timestamp: s.Timestamp(),
		})
	}
	return series
}
