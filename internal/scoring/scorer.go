// Package scoring attaches a profitability score and a recommendation to products,
// either through a language model or a built-in heuristic.
package scoring

import (
	"context"
	"errors"

	"product-analysis-queue/internal/models"
)

const (
	// FallbackScore is assigned when a product could not be scored.
	FallbackScore = 50
	// FallbackRecommendation accompanies FallbackScore.
	FallbackRecommendation = "Research Further"
)

// ErrMalformedResponse is returned when a provider answer cannot be parsed.
var ErrMalformedResponse = errors.New("malformed scoring response")

// Scorer scores a batch of products. Implementations return one entry per input
// product, in input order.
type Scorer interface {
	Score(ctx context.Context, products []models.Product) ([]models.ScoredProduct, error)
}

// Fallback returns the neutral score for every product.
func Fallback(products []models.Product) []models.ScoredProduct {
	out := make([]models.ScoredProduct, len(products))
	for i, p := range products {
		out[i] = models.ScoredProduct{Product: p, Score: FallbackScore, Recommendation: FallbackRecommendation}
	}
	return out
}

// Heuristic scores products from price band, rating and review count alone.
type Heuristic struct{}

// Score implements Scorer.
func (Heuristic) Score(_ context.Context, products []models.Product) ([]models.ScoredProduct, error) {
	out := make([]models.ScoredProduct, len(products))
	for i, p := range products {
		score := HeuristicScore(p)
		out[i] = models.ScoredProduct{Product: p, Score: score, Recommendation: recommendationFor(score)}
	}
	return out, nil
}

// HeuristicScore starts at 50 and adjusts for a 15–40 price band, premium prices,
// strong ratings and an established review base. The result is clamped to 1–100.
func HeuristicScore(p models.Product) int {
	score := 50
	switch {
	case p.Price >= 15 && p.Price <= 40:
		score += 20
	case p.Price > 100:
		score -= 10
	}
	if p.Rating != nil {
		switch {
		case *p.Rating >= 4.5:
			score += 15
		case *p.Rating >= 4.0:
			score += 5
		}
	}
	if p.ReviewCount > 100 {
		score += 10
	}
	return clamp(score, 1, 100)
}

func recommendationFor(score int) string {
	switch {
	case score >= 70:
		return "High potential - Consider selling"
	case score >= 50:
		return "Moderate potential - Could work with improvements"
	default:
		return "Low potential - Consider other products"
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
