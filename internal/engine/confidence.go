package engine

import (
	"fmt"
	"math"
	"time"

	"slabvalue/internal/comps"
)

// Rating is the discrete confidence level.
type Rating string

const (
	RatingHigh   Rating = "HIGH"
	RatingMedium Rating = "MEDIUM"
	RatingLow    Rating = "LOW"
)

// ConfidenceRating explains how trustworthy a PricingInfo is.
type ConfidenceRating struct {
	Rating  Rating   `json:"rating"`
	Score   int      `json:"score"` // 0-100
	Factors []string `json:"factors"`
}

// NoCompsFactor is the only factor reported for an empty comp set.
const NoCompsFactor = "No comparable sales found"

// Score caps per factor. They sum to 100.
const (
	maxVolumePoints      = 40
	pointsPerComp        = 5
	maxRelevancePoints   = 30
	maxConsistencyPoints = 20
	maxRecencyPoints     = 10
)

// Fixed thresholds. A second set (HIGH>=75, MEDIUM>=45, relevance 0.8/0.6)
// exists in the pricing API; this one is canonical.
const (
	highRatingScore   = 80
	mediumRatingScore = 50

	largeSampleCount   = 8
	limitedSampleCount = 2

	closeMatchRelevance = 0.9
	looseMatchRelevance = 0.75

	consistentDeviation = 0.10
	variableDeviation   = 0.25

	recentWindow        = 30 * 24 * time.Hour
	multipleRecentSales = 3
)

// CalculateConfidence scores a comp set on volume, relevance, price
// consistency and recency. It never fails: missing or odd data lowers the
// score and adds an explanatory factor instead.
func CalculateConfidence(sales []comps.NormalizedSale, now time.Time) ConfidenceRating {
	n := len(sales)
	if n == 0 {
		return ConfidenceRating{Rating: RatingLow, Score: 0, Factors: []string{NoCompsFactor}}
	}

	factors := make([]string, 0, 4)

	// Volume
	volume := math.Min(float64(n*pointsPerComp), maxVolumePoints)
	switch {
	case n >= largeSampleCount:
		factors = append(factors, fmt.Sprintf("Large sample (%d sales)", n))
	case n <= limitedSampleCount:
		factors = append(factors, fmt.Sprintf("Limited sample (%d sales)", n))
	}

	// Relevance
	rel := make([]float64, n)
	for i, s := range sales {
		rel[i] = clamp(s.Relevance, 0, 1)
	}
	avgRelevance := mean(rel)
	relevance := avgRelevance * maxRelevancePoints
	switch {
	case avgRelevance >= closeMatchRelevance:
		factors = append(factors, "Very close matches")
	case avgRelevance <= looseMatchRelevance:
		factors = append(factors, "Not exact matches")
	}

	// Consistency
	prices := make([]float64, n)
	for i, s := range sales {
		prices[i] = s.TotalPrice.InexactFloat64()
	}
	deviation := relativeDeviation(prices)
	consistency := math.Max(0, 1-deviation) * maxConsistencyPoints
	switch {
	case deviation <= consistentDeviation:
		factors = append(factors, "Consistent pricing")
	case deviation >= variableDeviation:
		factors = append(factors, "High price variability")
	}

	// Recency
	recent := countRecent(sales, now)
	recency := float64(recent) / float64(n) * maxRecencyPoints
	switch {
	case recent == 0:
		factors = append(factors, "No recent sales")
	case recent >= multipleRecentSales:
		factors = append(factors, fmt.Sprintf("Multiple recent data points (%d in last 30 days)", recent))
	}

	score := int(math.Round(clamp(volume+relevance+consistency+recency, 0, 100)))
	return ConfidenceRating{
		Rating:  ratingFor(score),
		Score:   score,
		Factors: factors,
	}
}

func ratingFor(score int) Rating {
	switch {
	case score >= highRatingScore:
		return RatingHigh
	case score >= mediumRatingScore:
		return RatingMedium
	}
	return RatingLow
}

// relativeDeviation is mean(|p - avg| / avg). Zero for an empty or all-zero set.
func relativeDeviation(prices []float64) float64 {
	avg := mean(prices)
	if avg <= 0 {
		return 0
	}
	devs := make([]float64, len(prices))
	for i, p := range prices {
		devs[i] = math.Abs(p-avg) / avg
	}
	return mean(devs)
}

// countRecent counts sales at or after now-30d.
func countRecent(sales []comps.NormalizedSale, now time.Time) int {
	cutoff := now.Add(-recentWindow)
	count := 0
	for _, s := range sales {
		if !s.Date.Before(cutoff) {
			count++
		}
	}
	return count
}
