package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"

	"product-analysis-queue/internal/models"
)

// Completer sends a single prompt to a language model and returns its text answer.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// AIScorer asks a language model to score a batch of products. Provider errors and
// unparseable answers degrade to the neutral fallback instead of failing.
type AIScorer struct {
	completer Completer
	logger    *zap.Logger
}

// NewAIScorer wraps a Completer.
func NewAIScorer(c Completer, logger *zap.Logger) *AIScorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AIScorer{completer: c, logger: logger}
}

type promptProduct struct {
	Index   int      `json:"index"`
	Title   string   `json:"title"`
	Price   float64  `json:"price"`
	Rating  *float64 `json:"rating,omitempty"`
	Reviews int      `json:"reviews,omitempty"`
	Brand   string   `json:"brand,omitempty"`
}

type verdict struct {
	Index          *int     `json:"index"`
	Score          *float64 `json:"score"`
	Recommendation string   `json:"recommendation"`
}

// Score implements Scorer.
func (s *AIScorer) Score(ctx context.Context, products []models.Product) ([]models.ScoredProduct, error) {
	if len(products) == 0 {
		return []models.ScoredProduct{}, nil
	}
	prompt, err := buildPrompt(products)
	if err != nil {
		return nil, err
	}
	answer, err := s.completer.Complete(ctx, prompt)
	if err != nil {
		s.logger.Warn("scoring provider failed, using fallback", zap.Int("products", len(products)), zap.Error(err))
		return Fallback(products), nil
	}
	verdicts, err := parseVerdicts(answer)
	if err != nil {
		s.logger.Warn("unparseable scoring response, using fallback", zap.Error(err))
		return Fallback(products), nil
	}
	return merge(products, verdicts), nil
}

func buildPrompt(products []models.Product) (string, error) {
	items := make([]promptProduct, len(products))
	for i, p := range products {
		items[i] = promptProduct{Index: i, Title: p.Title, Price: p.Price, Rating: p.Rating, Reviews: p.ReviewCount, Brand: p.Brand}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("encode products: %w", err)
	}
	var b strings.Builder
	b.WriteString("You are an expert Amazon product analyst. Score each product below for ")
	b.WriteString("resale profitability on a scale of 0 to 100 and give a short recommendation.\n")
	b.WriteString("Reply with JSON only: an array of objects with the fields ")
	b.WriteString(`"index" (integer, copied from the input), "score" (integer 0-100) and "recommendation" (string).`)
	b.WriteString("\n\nProducts:\n")
	b.Write(raw)
	return b.String(), nil
}

// parseVerdicts accepts a bare array, an array inside a markdown code fence, or an
// object wrapping the array under "products" or "results".
func parseVerdicts(answer string) ([]verdict, error) {
	text := stripFence(answer)
	if text == "" {
		return nil, fmt.Errorf("%w: empty answer", ErrMalformedResponse)
	}
	var list []verdict
	if err := json.Unmarshal([]byte(text), &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Products []verdict `json:"products"`
		Results  []verdict `json:"results"`
	}
	if err := json.Unmarshal([]byte(text), &wrapped); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(wrapped.Products) > 0 {
		return wrapped.Products, nil
	}
	if len(wrapped.Results) > 0 {
		return wrapped.Results, nil
	}
	return nil, fmt.Errorf("%w: no verdicts", ErrMalformedResponse)
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// merge pairs verdicts with products by index, falling back to position when the
// model omitted indexes. Products without a usable verdict get the fallback.
func merge(products []models.Product, verdicts []verdict) []models.ScoredProduct {
	out := Fallback(products)
	for pos, v := range verdicts {
		i := pos
		if v.Index != nil {
			i = *v.Index
		}
		if i < 0 || i >= len(products) || v.Score == nil || math.IsNaN(*v.Score) {
			continue
		}
		out[i].Score = clamp(int(math.Round(*v.Score)), 0, 100)
		if rec := strings.TrimSpace(v.Recommendation); rec != "" {
			out[i].Recommendation = rec
		}
	}
	return out
}
