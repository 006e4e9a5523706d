package analysis

import (
	"fmt"
	"math"
	"sort"

	"product-analysis-queue/internal/models"
)

// PriceGap is a hole in the price distribution wider than 20% of the lower price.
type PriceGap struct {
	Low              float64 `json:"low"`
	High             float64 `json:"high"`
	GapSize          float64 `json:"gap_size"`
	OpportunityPrice float64 `json:"opportunity_price"`
}

// Market summarises the competitive landscape of a keyword search.
type Market struct {
	AveragePrice     float64    `json:"average_price"`
	MinPrice         float64    `json:"min_price"`
	MaxPrice         float64    `json:"max_price"`
	PriceRange       string     `json:"price_range"`
	AverageRating    float64    `json:"average_rating"`
	TotalReviews     int        `json:"total_reviews"`
	ProductCount     int        `json:"product_count"`
	CompetitionLevel string     `json:"competition_level"`
	Saturation       string     `json:"market_saturation"`
	PriceGaps        []PriceGap `json:"price_gaps"`
	OpportunityScore int        `json:"opportunity_score"`
	Recommendations  []string   `json:"recommendations"`
}

// AnalyzeMarket returns nil when no product carries a price.
func AnalyzeMarket(products []models.Product) *Market {
	var prices []float64
	var ratingSum float64
	var rated, reviews int
	for _, p := range products {
		if p.Price > 0 {
			prices = append(prices, p.Price)
		}
		if p.Rating != nil && *p.Rating > 0 {
			ratingSum += *p.Rating
			rated++
		}
		reviews += p.ReviewCount
	}
	if len(prices) == 0 {
		return nil
	}

	var sum float64
	lo, hi := prices[0], prices[0]
	for _, v := range prices {
		sum += v
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	m := &Market{
		AveragePrice:     round2(sum / float64(len(prices))),
		MinPrice:         lo,
		MaxPrice:         hi,
		PriceRange:       fmt.Sprintf("$%.2f - $%.2f", lo, hi),
		TotalReviews:     reviews,
		ProductCount:     len(products),
		CompetitionLevel: CompetitionLevel(len(products)),
		Saturation:       Saturation(len(products)),
		PriceGaps:        FindPriceGaps(prices),
	}
	if rated > 0 {
		m.AverageRating = round2(ratingSum / float64(rated))
	}
	m.OpportunityScore = OpportunityScore(m.CompetitionLevel, m.Saturation, len(m.PriceGaps))
	m.Recommendations = marketRecommendations(m)
	return m
}

// CompetitionLevel buckets the number of competing listings.
func CompetitionLevel(count int) string {
	switch {
	case count < 10:
		return "Low"
	case count < 30:
		return "Medium"
	case count < 100:
		return "High"
	default:
		return "Very High"
	}
}

// Saturation buckets the number of competing listings.
func Saturation(count int) string {
	switch {
	case count < 20:
		return "Underserved"
	case count < 50:
		return "Moderate"
	default:
		return "Saturated"
	}
}

// FindPriceGaps needs at least three prices.
func FindPriceGaps(prices []float64) []PriceGap {
	gaps := []PriceGap{}
	if len(prices) < 3 {
		return gaps
	}
	sorted := append([]float64(nil), prices...)
	sort.Float64s(sorted)
	for i := 0; i < len(sorted)-1; i++ {
		cur, next := sorted[i], sorted[i+1]
		gap := next - cur
		if gap > cur*0.2 {
			gaps = append(gaps, PriceGap{
				Low:              round2(cur),
				High:             round2(next),
				GapSize:          round2(gap),
				OpportunityPrice: round2(cur + gap/2),
			})
		}
	}
	return gaps
}

// OpportunityScore rewards low competition, price gaps and underserved markets.
// The result is clamped to 1–100.
func OpportunityScore(competition, saturation string, gaps int) int {
	score := 50
	switch competition {
	case "Low":
		score += 30
	case "Medium":
		score += 10
	case "High":
		score -= 10
	default:
		score -= 30
	}
	score += gaps * 5
	switch saturation {
	case "Underserved":
		score += 20
	case "Saturated":
		score -= 20
	}
	if score < 1 {
		return 1
	}
	if score > 100 {
		return 100
	}
	return score
}

func marketRecommendations(m *Market) []string {
	var recs []string
	switch {
	case m.OpportunityScore >= 70:
		recs = append(recs, "Excellent opportunity - Low competition, good margins")
	case m.OpportunityScore >= 50:
		recs = append(recs, "Good opportunity - Moderate competition")
	default:
		recs = append(recs, "Challenging market - High competition")
	}
	if len(m.PriceGaps) > 0 {
		best := m.PriceGaps[0]
		for _, g := range m.PriceGaps[1:] {
			if g.GapSize > best.GapSize {
				best = g
			}
		}
		recs = append(recs, fmt.Sprintf("Price gap found: $%.2f-$%.2f. Target: $%.2f", best.Low, best.High, best.OpportunityPrice))
	}
	switch {
	case m.AveragePrice > 50:
		recs = append(recs, "Premium market - Higher margins possible")
	case m.AveragePrice < 20:
		recs = append(recs, "Budget market - High volume needed")
	}
	return recs
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
