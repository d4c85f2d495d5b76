package engine

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"
)

// cents is the precision every returned currency value is rounded to.
const cents = 2

// sortedCopy returns prices ascending without touching the input.
func sortedCopy(prices []decimal.Decimal) []decimal.Decimal {
	sorted := make([]decimal.Decimal, len(prices))
	copy(sorted, prices)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].LessThan(sorted[j])
	})
	return sorted
}

// percentileIndex returns floor(p*n) clamped to [0, n-1].
func percentileIndex(n int, p float64) int {
	if n <= 0 {
		return 0
	}
	idx := int(math.Floor(p * float64(n)))
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return idx
}

// meanDecimal is the unrounded arithmetic mean.
func meanDecimal(x []decimal.Decimal) decimal.Decimal {
	if len(x) == 0 {
		return decimal.Zero
	}
	return decimal.Sum(decimal.Zero, x...).Div(decimal.NewFromInt(int64(len(x))))
}

func mean(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, v := range x {
		sum += v
	}
	return sum / float64(len(x))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
