package scoring

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"product-analysis-queue/internal/models"
)

func rating(v float64) *float64 { return &v }

func TestHeuristicScore(t *testing.T) {
	cases := []struct {
		name    string
		product models.Product
		want    int
	}{
		{"baseline", models.Product{Title: "a", Price: 10}, 50},
		{"sweet spot price", models.Product{Title: "a", Price: 25}, 70},
		{"premium price", models.Product{Title: "a", Price: 150}, 40},
		{"top rated", models.Product{Title: "a", Price: 10, Rating: rating(4.6)}, 65},
		{"good rating", models.Product{Title: "a", Price: 10, Rating: rating(4.1)}, 55},
		{"many reviews", models.Product{Title: "a", Price: 10, ReviewCount: 101}, 60},
		{"everything", models.Product{Title: "a", Price: 30, Rating: rating(4.8), ReviewCount: 500}, 95},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, HeuristicScore(tc.product))
		})
	}
}

func TestHeuristicScorerKeepsOrder(t *testing.T) {
	products := []models.Product{{Title: "cheap", Price: 5}, {Title: "mid", Price: 25}}
	scored, err := Heuristic{}.Score(context.Background(), products)
	require.NoError(t, err)
	require.Len(t, scored, 2)
	require.Equal(t, "cheap", scored[0].Title)
	require.Equal(t, 70, scored[1].Score)
	require.Equal(t, "High potential - Consider selling", scored[1].Recommendation)
}

type stubCompleter struct {
	answer string
	err    error
	prompt string
}

func (s *stubCompleter) Complete(_ context.Context, prompt string) (string, error) {
	s.prompt = prompt
	return s.answer, s.err
}

func TestAIScorerParsesVerdicts(t *testing.T) {
	stub := &stubCompleter{answer: "```json\n[{\"index\":1,\"score\":82,\"recommendation\":\"Buy\"},{\"index\":0,\"score\":140,\"recommendation\":\"Hot\"}]\n```"}
	products := []models.Product{{Title: "a", Price: 10}, {Title: "b", Price: 20}}

	scored, err := NewAIScorer(stub, nil).Score(context.Background(), products)
	require.NoError(t, err)
	require.Contains(t, stub.prompt, `"title":"a"`)
	require.Equal(t, 100, scored[0].Score)
	require.Equal(t, "Hot", scored[0].Recommendation)
	require.Equal(t, 82, scored[1].Score)
	require.Equal(t, "Buy", scored[1].Recommendation)
}

func TestAIScorerFallsBack(t *testing.T) {
	products := []models.Product{{Title: "X", Price: 10}, {Title: "Y", Price: 12}}
	cases := map[string]*stubCompleter{
		"provider error": {err: errors.New("boom")},
		"not json":       {answer: "I think these are great products"},
		"empty object":   {answer: "{}"},
		"empty":          {answer: ""},
	}
	for name, stub := range cases {
		t.Run(name, func(t *testing.T) {
			scored, err := NewAIScorer(stub, nil).Score(context.Background(), products)
			require.NoError(t, err)
			require.Equal(t, Fallback(products), scored)
		})
	}
}

func TestAIScorerPartialAnswer(t *testing.T) {
	stub := &stubCompleter{answer: `{"products":[{"index":0,"score":77,"recommendation":"Good"},{"index":9,"score":1}]}`}
	products := []models.Product{{Title: "a"}, {Title: "b"}}

	scored, err := NewAIScorer(stub, nil).Score(context.Background(), products)
	require.NoError(t, err)
	require.Equal(t, 77, scored[0].Score)
	require.Equal(t, FallbackScore, scored[1].Score)
	require.Equal(t, FallbackRecommendation, scored[1].Recommendation)
}

func TestAIScorerEmptyBatch(t *testing.T) {
	stub := &stubCompleter{err: errors.New("must not be called")}
	scored, err := NewAIScorer(stub, nil).Score(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, scored)
	require.Empty(t, stub.prompt)
}
