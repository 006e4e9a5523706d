// Package analysis implements the product and keyword analysis task handlers.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"product-analysis-queue/internal/models"
	"product-analysis-queue/internal/scoring"
	"product-analysis-queue/internal/scraper"
)

const (
	// DefaultMaxProducts applies when a keyword task does not ask for a count.
	DefaultMaxProducts = 50
)

// ErrWrongPayload is returned when a handler receives a task of another type.
var ErrWrongPayload = errors.New("unexpected payload type")

// Searcher fetches listings for a keyword.
type Searcher interface {
	Search(ctx context.Context, q scraper.Query) ([]models.Product, error)
}

// Appender persists result rows. Append failures only clear the saved flag.
type Appender interface {
	Append(ctx context.Context, rows [][]any) (int64, error)
}

// ProductResult is the output of a product_analysis task.
type ProductResult struct {
	Status   models.Status          `json:"status"`
	ClientID string                 `json:"client_id"`
	Count    int                    `json:"count"`
	Products []models.ScoredProduct `json:"products"`
	Saved    bool                   `json:"saved"`
	Error    string                 `json:"error,omitempty"`
}

// FailureReason implements models.FailureReporter.
func (r ProductResult) FailureReason() string {
	if r.Status == models.StatusFailed {
		return r.Error
	}
	return ""
}

// KeywordResult is the output of a keyword_analysis task.
type KeywordResult struct {
	Status         models.Status          `json:"status"`
	ClientID       string                 `json:"client_id"`
	SearchKeyword  string                 `json:"search_keyword"`
	Scraped        int                    `json:"scraped"`
	Analyzed       int                    `json:"analyzed"`
	Products       []models.ScoredProduct `json:"products"`
	Market         *Market                `json:"market,omitempty"`
	Saved          bool                   `json:"saved"`
	InvestmentUsed float64                `json:"investment_used"`
	PriceMin       *float64               `json:"price_min,omitempty"`
	PriceMax       *float64               `json:"price_max,omitempty"`
	Warning        string                 `json:"warning,omitempty"`
	Error          string                 `json:"error,omitempty"`
}

// FailureReason implements models.FailureReporter.
func (r KeywordResult) FailureReason() string {
	if r.Status == models.StatusFailed {
		return r.Error
	}
	return ""
}

// Analyzer holds the collaborators shared by both handlers. Searcher and Appender
// may be nil, in which case keyword searches return nothing and results are not saved.
type Analyzer struct {
	scorer   scoring.Scorer
	searcher Searcher
	sink     Appender
	logger   *zap.Logger
	now      func() time.Time
}

// New builds an Analyzer.
func New(scorer scoring.Scorer, searcher Searcher, sink Appender, logger *zap.Logger) *Analyzer {
	if scorer == nil {
		scorer = scoring.Heuristic{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{scorer: scorer, searcher: searcher, sink: sink, logger: logger, now: time.Now}
}

// AnalyzeProducts scores the submitted products. Scoring failures degrade to the
// neutral fallback; the task still completes with one entry per input product.
func (a *Analyzer) AnalyzeProducts(ctx context.Context, task models.Task) (any, error) {
	payload, ok := task.Payload.(models.ProductPayload)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrWrongPayload, task.Payload)
	}
	log := a.logger.With(zap.String("task_id", task.ID), zap.String("client_id", task.ClientID))

	scored := a.score(ctx, log, payload.Products)
	result := ProductResult{
		Status:   models.StatusCompleted,
		ClientID: task.ClientID,
		Count:    len(scored),
		Products: scored,
	}
	result.Saved = a.save(ctx, log, productRows(a.now(), task.ClientID, "", scored))
	log.Info("products analyzed", zap.Int("count", result.Count), zap.Bool("saved", result.Saved))
	return result, nil
}

// AnalyzeKeyword searches listings for a keyword, scores them and summarises the market.
// A failed or empty search still completes with zero products.
func (a *Analyzer) AnalyzeKeyword(ctx context.Context, task models.Task) (any, error) {
	payload, ok := task.Payload.(models.KeywordPayload)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrWrongPayload, task.Payload)
	}
	keyword := strings.TrimSpace(payload.Keyword)
	if keyword == "" {
		return nil, errors.New("keyword is required")
	}
	log := a.logger.With(zap.String("task_id", task.ID), zap.String("client_id", task.ClientID), zap.String("keyword", keyword))

	limit := payload.MaxProducts
	if limit <= 0 {
		limit = DefaultMaxProducts
	}
	if limit > scraper.MaxResults {
		limit = scraper.MaxResults
	}

	result := KeywordResult{
		Status:         models.StatusCompleted,
		ClientID:       task.ClientID,
		SearchKeyword:  keyword,
		Products:       []models.ScoredProduct{},
		InvestmentUsed: payload.Investment,
		PriceMin:       payload.PriceMin,
		PriceMax:       payload.PriceMax,
	}

	var found []models.Product
	if a.searcher == nil {
		result.Warning = "scraping not configured"
	} else {
		var err error
		found, err = a.searcher.Search(ctx, scraper.Query{
			Keyword:    keyword,
			MaxResults: limit,
			PriceMin:   payload.PriceMin,
			PriceMax:   payload.PriceMax,
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			log.Warn("search failed", zap.Error(err))
			result.Warning = "search failed: " + err.Error()
			found = nil
		}
	}
	if len(found) > limit {
		found = found[:limit]
	}
	result.Scraped = len(found)
	if len(found) == 0 {
		log.Info("no products found")
		return result, nil
	}

	result.Products = a.score(ctx, log, found)
	result.Analyzed = len(result.Products)
	result.Market = AnalyzeMarket(found)
	result.Saved = a.save(ctx, log, productRows(a.now(), task.ClientID, keyword, result.Products))
	log.Info("keyword analyzed",
		zap.Int("scraped", result.Scraped),
		zap.Int("analyzed", result.Analyzed),
		zap.Bool("saved", result.Saved))
	return result, nil
}

// score never fails: errors, panics and short answers from the scorer fall back to the
// neutral score.
func (a *Analyzer) score(ctx context.Context, log *zap.Logger, products []models.Product) (scored []models.ScoredProduct) {
	if len(products) == 0 {
		return []models.ScoredProduct{}
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("scorer panicked, using fallback", zap.Any("panic", r))
			scored = scoring.Fallback(products)
		}
	}()
	out, err := a.scorer.Score(ctx, products)
	if err != nil {
		log.Warn("scoring failed, using fallback", zap.Error(err))
		return scoring.Fallback(products)
	}
	if len(out) != len(products) {
		log.Warn("scorer returned wrong count, using fallback", zap.Int("want", len(products)), zap.Int("got", len(out)))
		return scoring.Fallback(products)
	}
	return out
}

func (a *Analyzer) save(ctx context.Context, log *zap.Logger, rows [][]any) bool {
	if a.sink == nil || len(rows) == 0 {
		return false
	}
	if _, err := a.sink.Append(ctx, rows); err != nil {
		log.Warn("saving rows failed", zap.Error(err))
		return false
	}
	return true
}

func productRows(now time.Time, clientID, keyword string, products []models.ScoredProduct) [][]any {
	stamp := now.UTC().Format(time.RFC3339)
	rows := make([][]any, 0, len(products))
	for _, p := range products {
		var rating any = ""
		if p.Rating != nil {
			rating = *p.Rating
		}
		rows = append(rows, []any{
			stamp, clientID, keyword, p.Title, p.Price, rating, p.ReviewCount,
			p.Score, p.Recommendation, p.ASIN, p.URL,
		})
	}
	return rows
}
