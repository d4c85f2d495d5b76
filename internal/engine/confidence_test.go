package engine

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"slabvalue/internal/comps"
)

func relSale(price float64, daysAgo int, relevance float64) comps.NormalizedSale {
	s := sale(price, daysAgo)
	s.Relevance = relevance
	return s
}

func repeatSales(n int, price float64, daysAgo int, relevance float64) []comps.NormalizedSale {
	out := make([]comps.NormalizedSale, n)
	for i := range out {
		out[i] = relSale(price, daysAgo, relevance)
	}
	return out
}

func hasFactor(factors []string, prefix string) bool {
	for _, f := range factors {
		if strings.HasPrefix(f, prefix) {
			return true
		}
	}
	return false
}

func TestCalculateConfidence_Empty(t *testing.T) {
	got := CalculateConfidence(nil, testNow)
	if got.Rating != RatingLow || got.Score != 0 {
		t.Errorf("empty = %+v, want LOW/0", got)
	}
	if len(got.Factors) != 1 || got.Factors[0] != NoCompsFactor {
		t.Errorf("Factors = %v, want [%q]", got.Factors, NoCompsFactor)
	}
}

func TestCalculateConfidence_Example(t *testing.T) {
	sales := []comps.NormalizedSale{sale(80, 40), sale(120, 5), sale(100, 0)}
	got := CalculateConfidence(sales, testNow)

	// volume 15 + relevance 0 + consistency (1-0.1333)*20 + recency 2/3*10 = 39
	if got.Score != 39 {
		t.Errorf("Score = %d, want 39", got.Score)
	}
	if got.Rating != RatingLow {
		t.Errorf("Rating = %s, want LOW", got.Rating)
	}
	if countRecent(sales, testNow) != 2 {
		t.Errorf("countRecent = %d, want 2", countRecent(sales, testNow))
	}
	if !hasFactor(got.Factors, "Not exact matches") {
		t.Errorf("Factors = %v, want relevance note", got.Factors)
	}
	if hasFactor(got.Factors, "No recent sales") || hasFactor(got.Factors, "Multiple recent") {
		t.Errorf("Factors = %v, want no recency note for 2 recent", got.Factors)
	}
}

func TestCalculateConfidence_Ratings(t *testing.T) {
	tests := []struct {
		name        string
		sales       []comps.NormalizedSale
		wantRating  Rating
		wantScore   int
		wantFactors []string
	}{
		{
			name:        "high",
			sales:       repeatSales(8, 100, 1, 1),
			wantRating:  RatingHigh,
			wantScore:   100, // 40 + 30 + 20 + 10
			wantFactors: []string{"Large sample", "Very close matches", "Consistent pricing", "Multiple recent data points"},
		},
		{
			name:        "medium",
			sales:       repeatSales(6, 100, 1, 0.5),
			wantRating:  RatingMedium,
			wantScore:   75, // 30 + 15 + 20 + 10
			wantFactors: []string{"Not exact matches", "Consistent pricing", "Multiple recent data points"},
		},
		{
			name:        "low stale limited",
			sales:       repeatSales(2, 100, 60, 0),
			wantRating:  RatingLow,
			wantScore:   30, // 10 + 0 + 20 + 0
			wantFactors: []string{"Limited sample", "Not exact matches", "Consistent pricing", "No recent sales"},
		},
		{
			name: "variable",
			sales: []comps.NormalizedSale{
				relSale(10, 1, 0.8), relSale(100, 2, 0.8), relSale(190, 3, 0.8), relSale(100, 4, 0.8),
			},
			wantRating: RatingMedium,
			// 20 + 24 + (1-0.45)*20 + 10 = 65
			wantScore:   65,
			wantFactors: []string{"High price variability", "Multiple recent data points"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculateConfidence(tt.sales, testNow)
			if got.Rating != tt.wantRating {
				t.Errorf("Rating = %s, want %s", got.Rating, tt.wantRating)
			}
			if got.Score != tt.wantScore {
				t.Errorf("Score = %d, want %d", got.Score, tt.wantScore)
			}
			for _, f := range tt.wantFactors {
				if !hasFactor(got.Factors, f) {
					t.Errorf("Factors = %v, missing %q", got.Factors, f)
				}
			}
			if len(got.Factors) != len(tt.wantFactors) {
				t.Errorf("Factors = %v, want exactly %v", got.Factors, tt.wantFactors)
			}
		})
	}
}

func TestCalculateConfidence_MonotonicInCount(t *testing.T) {
	prev := -1
	for n := 1; n <= 20; n++ {
		got := CalculateConfidence(repeatSales(n, 250, 3, 0.85), testNow)
		if got.Score < prev {
			t.Fatalf("n=%d: score %d < previous %d", n, got.Score, prev)
		}
		prev = got.Score
	}
}

func TestCalculateConfidence_ScoreBounded_Property(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for iter := 0; iter < 500; iter++ {
		n := 1 + rng.Intn(30)
		sales := make([]comps.NormalizedSale, n)
		for i := range sales {
			sales[i] = comps.NormalizedSale{
				Date:       testNow.AddDate(0, 0, rng.Intn(400)-200),
				TotalPrice: decimal.NewFromFloat(0.01 + rng.Float64()*rng.Float64()*10000),
				Relevance:  rng.Float64()*3 - 1, // out of range on purpose
			}
		}
		got := CalculateConfidence(sales, testNow)
		if got.Score < 0 || got.Score > 100 {
			t.Fatalf("iter %d: score %d out of range", iter, got.Score)
		}
		if got.Rating != ratingFor(got.Score) {
			t.Fatalf("iter %d: rating %s inconsistent with score %d", iter, got.Rating, got.Score)
		}
	}
}

func TestRatingFor_Boundaries(t *testing.T) {
	tests := []struct {
		score int
		want  Rating
	}{
		{100, RatingHigh},
		{80, RatingHigh},
		{79, RatingMedium},
		{50, RatingMedium},
		{49, RatingLow},
		{0, RatingLow},
	}
	for _, tt := range tests {
		if got := ratingFor(tt.score); got != tt.want {
			t.Errorf("ratingFor(%d) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestRelativeDeviation(t *testing.T) {
	tests := []struct {
		name string
		x    []float64
		want float64
	}{
		{"empty", nil, 0},
		{"flat", []float64{5, 5, 5}, 0},
		{"spread", []float64{80, 120, 100}, 0.4 / 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := relativeDeviation(tt.x)
			if d := got - tt.want; d > 1e-9 || d < -1e-9 {
				t.Errorf("relativeDeviation(%v) = %v, want %v", tt.x, got, tt.want)
			}
		})
	}
}
