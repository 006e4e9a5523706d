// Package scraper fetches product listings for a search keyword through an Apify actor.
package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"product-analysis-queue/internal/config"
	"product-analysis-queue/internal/models"
	"product-analysis-queue/internal/retry"
)

// MaxResults caps how many listings a single search may return.
const MaxResults = 100

var (
	// ErrNotConfigured is returned when no API token is set.
	ErrNotConfigured = errors.New("scraper token not configured")
	// ErrNoDataset is returned when a finished run exposes no dataset.
	ErrNoDataset = errors.New("actor run has no dataset")
)

// Query describes one keyword search.
type Query struct {
	Keyword    string
	MaxResults int
	PriceMin   *float64
	PriceMax   *float64
}

// Client runs the search actor and reads back its dataset.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	token        string
	actor        string
	pollInterval time.Duration
	maxWait      time.Duration
	retry        retry.Policy
	logger       *zap.Logger
	sleep        func(context.Context, time.Duration) error
}

// New builds a Client from config.
func New(cfg config.ScraperConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.apify.com/v2"
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 15 * time.Second
	}
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = 5 * time.Minute
	}
	return &Client{
		httpClient:   &http.Client{Timeout: 90 * time.Second},
		baseURL:      base,
		token:        strings.TrimSpace(cfg.Token),
		actor:        cfg.Actor,
		pollInterval: poll,
		maxWait:      maxWait,
		retry:        retry.Default().WithAttempts(cfg.MaxAttempts),
		logger:       logger,
		sleep:        sleepCtx,
	}
}

// Search runs the actor for q and returns normalised listings. Listings without a title
// or a positive price are dropped. The price filter applies only when both bounds are set.
func (c *Client) Search(ctx context.Context, q Query) ([]models.Product, error) {
	if c.token == "" {
		return nil, ErrNotConfigured
	}
	limit := q.MaxResults
	if limit <= 0 || limit > MaxResults {
		limit = MaxResults
	}

	runID, err := c.startRun(ctx, q.Keyword, limit)
	if err != nil {
		return nil, err
	}
	c.logger.Info("scrape started", zap.String("keyword", q.Keyword), zap.String("run_id", runID))

	if ok := c.waitForRun(ctx, runID); !ok {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c.logger.Warn("run did not succeed, reading partial results", zap.String("run_id", runID))
	}

	var items []datasetItem
	err = c.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		items, err = c.datasetItems(ctx, runID)
		return err
	})
	if err != nil {
		return nil, err
	}

	products := normalise(items)
	if q.PriceMin != nil && q.PriceMax != nil {
		products = filterPrice(products, *q.PriceMin, *q.PriceMax)
	}
	if len(products) > limit {
		products = products[:limit]
	}
	c.logger.Info("scrape finished",
		zap.String("keyword", q.Keyword),
		zap.Int("raw", len(items)),
		zap.Int("products", len(products)))
	return products, nil
}

type runEnvelope struct {
	Data struct {
		ID               string `json:"id"`
		Status           string `json:"status"`
		DefaultDatasetID string `json:"defaultDatasetId"`
	} `json:"data"`
}

func (c *Client) startRun(ctx context.Context, keyword string, limit int) (string, error) {
	input := map[string]any{
		"urls":           []string{keyword},
		"maxResults":     limit,
		"resultsPerPage": 20,
		"delayMs":        1500,
		"sortBy":         "relevanceblender",
		"proxyConfiguration": map[string]any{
			"useApifyProxy": true,
		},
	}
	body, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("encode actor input: %w", err)
	}
	endpoint := fmt.Sprintf("%s/acts/%s/runs", c.baseURL, url.PathEscape(c.actor))

	var run runEnvelope
	err = c.retry.Do(ctx, func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPost, endpoint, body, http.StatusCreated, &run)
	})
	if err != nil {
		return "", fmt.Errorf("start actor: %w", err)
	}
	if run.Data.ID == "" {
		return "", errors.New("start actor: response has no run id")
	}
	return run.Data.ID, nil
}

// waitForRun polls until the run reaches a terminal status or maxWait elapses. Poll
// errors are logged and polling continues.
func (c *Client) waitForRun(ctx context.Context, runID string) bool {
	endpoint := fmt.Sprintf("%s/actor-runs/%s", c.baseURL, url.PathEscape(runID))
	polls := int(c.maxWait / c.pollInterval)
	if polls < 1 {
		polls = 1
	}
	for i := 0; i < polls; i++ {
		var run runEnvelope
		err := c.doJSON(ctx, http.MethodGet, endpoint, nil, http.StatusOK, &run)
		switch {
		case err != nil:
			c.logger.Warn("run status check failed", zap.String("run_id", runID), zap.Int("attempt", i+1), zap.Error(err))
		case run.Data.Status == "SUCCEEDED":
			return true
		case run.Data.Status == "FAILED", run.Data.Status == "TIMED-OUT", run.Data.Status == "ABORTED":
			c.logger.Error("run ended unsuccessfully", zap.String("run_id", runID), zap.String("status", run.Data.Status))
			return false
		}
		if err := c.sleep(ctx, c.pollInterval); err != nil {
			return false
		}
	}
	return false
}

func (c *Client) datasetItems(ctx context.Context, runID string) ([]datasetItem, error) {
	var run runEnvelope
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("%s/actor-runs/%s", c.baseURL, url.PathEscape(runID)), nil, http.StatusOK, &run); err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	if run.Data.DefaultDatasetID == "" {
		return nil, retry.Permanent(ErrNoDataset)
	}
	var items []datasetItem
	endpoint := fmt.Sprintf("%s/datasets/%s/items", c.baseURL, url.PathEscape(run.Data.DefaultDatasetID))
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, http.StatusOK, &items); err != nil {
		return nil, fmt.Errorf("get dataset: %w", err)
	}
	return items, nil
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, body []byte, want int, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return retry.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &retry.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type datasetItem struct {
	Title          string          `json:"title"`
	Price          *itemPrice      `json:"price"`
	Stars          json.RawMessage `json:"stars"`
	ReviewsCount   json.RawMessage `json:"reviewsCount"`
	ASIN           string          `json:"asin"`
	URL            string          `json:"url"`
	ThumbnailImage string          `json:"thumbnailImage"`
	Brand          string          `json:"brand"`
}

type itemPrice struct {
	Value    json.RawMessage `json:"value"`
	Currency string          `json:"currency"`
}

func normalise(items []datasetItem) []models.Product {
	products := make([]models.Product, 0, len(items))
	for _, item := range items {
		title := strings.TrimSpace(item.Title)
		if title == "" || item.Price == nil {
			continue
		}
		price, ok := number(item.Price.Value)
		if !ok || price <= 0 {
			continue
		}
		p := models.Product{
			Title:    title,
			Price:    math.Round(price*100) / 100,
			ASIN:     item.ASIN,
			URL:      item.URL,
			ImageURL: item.ThumbnailImage,
			Brand:    item.Brand,
			Currency: item.Price.Currency,
		}
		if p.Currency == "" {
			p.Currency = "$"
		}
		if stars, ok := number(item.Stars); ok {
			p.Rating = &stars
		}
		if reviews, ok := number(item.ReviewsCount); ok {
			p.ReviewCount = int(reviews)
		}
		products = append(products, p)
	}
	return products
}

// number reads a JSON number or a numeric string.
func number(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	var v float64
	if _, err := fmt.Sscanf(s, "%g", &v); err != nil {
		return 0, false
	}
	return v, true
}

func filterPrice(products []models.Product, lo, hi float64) []models.Product {
	out := products[:0]
	for _, p := range products {
		if p.Price >= lo && p.Price <= hi {
			out = append(out, p)
		}
	}
	return out
}
