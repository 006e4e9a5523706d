package analysis

import (
	"testing"

	"github.com/stretchr/testify/require"

	"product-analysis-queue/internal/models"
)

func TestCompetitionAndSaturationBuckets(t *testing.T) {
	require.Equal(t, "Low", CompetitionLevel(9))
	require.Equal(t, "Medium", CompetitionLevel(10))
	require.Equal(t, "High", CompetitionLevel(99))
	require.Equal(t, "Very High", CompetitionLevel(100))

	require.Equal(t, "Underserved", Saturation(19))
	require.Equal(t, "Moderate", Saturation(20))
	require.Equal(t, "Saturated", Saturation(50))
}

func TestFindPriceGaps(t *testing.T) {
	require.Empty(t, FindPriceGaps([]float64{10, 50}))

	gaps := FindPriceGaps([]float64{40, 10, 11})
	require.Equal(t, []PriceGap{{Low: 11, High: 40, GapSize: 29, OpportunityPrice: 25.5}}, gaps)
}

func TestOpportunityScoreClamps(t *testing.T) {
	require.Equal(t, 100, OpportunityScore("Low", "Underserved", 2))
	require.Equal(t, 1, OpportunityScore("Very High", "Saturated", 0))
	require.Equal(t, 65, OpportunityScore("Medium", "Moderate", 1))
}

func TestAnalyzeMarket(t *testing.T) {
	r := 4.0
	products := []models.Product{
		{Title: "a", Price: 10, Rating: &r, ReviewCount: 5},
		{Title: "b", Price: 12},
		{Title: "c", Price: 30, ReviewCount: 20},
	}
	m := AnalyzeMarket(products)
	require.NotNil(t, m)
	require.Equal(t, 17.33, m.AveragePrice)
	require.Equal(t, "$10.00 - $30.00", m.PriceRange)
	require.Equal(t, 4.0, m.AverageRating)
	require.Equal(t, 25, m.TotalReviews)
	require.Equal(t, "Low", m.CompetitionLevel)
	require.Equal(t, "Underserved", m.Saturation)
	require.Len(t, m.PriceGaps, 1)
	require.Equal(t, 100, m.OpportunityScore)
	require.Equal(t, []string{
		"Excellent opportunity - Low competition, good margins",
		"Price gap found: $12.00-$30.00. Target: $21.00",
		"Budget market - High volume needed",
	}, m.Recommendations)

	require.Nil(t, AnalyzeMarket([]models.Product{{Title: "free"}}))
}
