package scraper

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"product-analysis-queue/internal/config"
)

type fakeApify struct {
	t          *testing.T
	statuses   []string
	polls      int32
	items      string
	startCode  int
	startBody  string
	startHits  int32
	lastInput  map[string]any
	datasetHit int32
}

func (f *fakeApify) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/acts/test~actor/runs", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(f.t, http.MethodPost, r.Method)
		require.Equal(f.t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&f.lastInput))
		atomic.AddInt32(&f.startHits, 1)
		code := f.startCode
		if code == 0 {
			code = http.StatusCreated
		}
		w.WriteHeader(code)
		body := f.startBody
		if body == "" {
			body = `{"data":{"id":"run1","status":"READY"}}`
		}
		_, _ = w.Write([]byte(body))
	})
	mux.HandleFunc("/actor-runs/run1", func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&f.polls, 1)) - 1
		status := "SUCCEEDED"
		if n < len(f.statuses) {
			status = f.statuses[n]
		}
		_, _ = w.Write([]byte(`{"data":{"id":"run1","status":"` + status + `","defaultDatasetId":"ds1"}}`))
	})
	mux.HandleFunc("/datasets/ds1/items", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.datasetHit, 1)
		_, _ = w.Write([]byte(f.items))
	})
	return mux
}

const sampleItems = `[
 {"title":"Yoga Mat Pro","price":{"value":25.194,"currency":"$"},"stars":4.6,"reviewsCount":320,"asin":"B01","url":"https://example.com/1","thumbnailImage":"https://img/1","brand":"Zen"},
 {"title":"Cheap Mat","price":{"value":"9.99","currency":"$"},"stars":"3.9","reviewsCount":12},
 {"title":"","price":{"value":30}},
 {"title":"Free Sample","price":{"value":0}},
 {"title":"No Price"},
 {"title":"Luxury Mat","price":{"value":120},"stars":null}
]`

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c := New(config.ScraperConfig{
		Token:        "tok",
		BaseURL:      srv.URL,
		Actor:        "test~actor",
		PollInterval: time.Second,
		MaxWait:      5 * time.Second,
		MaxAttempts:  2,
	}, nil)
	noSleep := func(context.Context, time.Duration) error { return nil }
	c.sleep = noSleep
	c.retry.Sleep = noSleep
	return c
}

func TestSearchNormalisesListings(t *testing.T) {
	fake := &fakeApify{t: t, statuses: []string{"RUNNING", "RUNNING"}, items: sampleItems}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	products, err := newTestClient(t, srv).Search(context.Background(), Query{Keyword: "yoga mat", MaxResults: 500})
	require.NoError(t, err)
	require.Len(t, products, 3)

	first := products[0]
	require.Equal(t, "Yoga Mat Pro", first.Title)
	require.Equal(t, 25.19, first.Price)
	require.NotNil(t, first.Rating)
	require.Equal(t, 4.6, *first.Rating)
	require.Equal(t, 320, first.ReviewCount)
	require.Equal(t, "https://img/1", first.ImageURL)

	require.Equal(t, 9.99, products[1].Price)
	require.Equal(t, 3.9, *products[1].Rating)
	require.Nil(t, products[2].Rating)

	require.EqualValues(t, MaxResults, fake.lastInput["maxResults"])
	require.Equal(t, []any{"yoga mat"}, fake.lastInput["urls"])
}

func TestSearchAppliesPriceFilterAndCap(t *testing.T) {
	fake := &fakeApify{t: t, items: sampleItems}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()
	c := newTestClient(t, srv)

	lo, hi := 10.0, 100.0
	products, err := c.Search(context.Background(), Query{Keyword: "mat", MaxResults: 10, PriceMin: &lo, PriceMax: &hi})
	require.NoError(t, err)
	require.Len(t, products, 1)
	require.Equal(t, "Yoga Mat Pro", products[0].Title)

	products, err = c.Search(context.Background(), Query{Keyword: "mat", MaxResults: 10, PriceMin: &lo})
	require.NoError(t, err)
	require.Len(t, products, 3, "a single bound does not filter")

	products, err = c.Search(context.Background(), Query{Keyword: "mat", MaxResults: 2})
	require.NoError(t, err)
	require.Len(t, products, 2)
}

func TestSearchReadsPartialResultsAfterFailedRun(t *testing.T) {
	fake := &fakeApify{t: t, statuses: []string{"FAILED"}, items: `[{"title":"Only","price":{"value":5}}]`}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	products, err := newTestClient(t, srv).Search(context.Background(), Query{Keyword: "x"})
	require.NoError(t, err)
	require.Len(t, products, 1)
	require.EqualValues(t, 1, atomic.LoadInt32(&fake.datasetHit))
}

func TestSearchStartRejected(t *testing.T) {
	fake := &fakeApify{t: t, startCode: http.StatusPaymentRequired}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	_, err := newTestClient(t, srv).Search(context.Background(), Query{Keyword: "x"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 402")
	require.Zero(t, atomic.LoadInt32(&fake.polls))
}

func TestSearchRetriesOnStatusCodeOnly(t *testing.T) {
	fake := &fakeApify{t: t, startCode: http.StatusBadRequest, startBody: `{"error":"maxPrice 500 invalid, 503 service unavailable upstream"}`}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	_, err := newTestClient(t, srv).Search(context.Background(), Query{Keyword: "x"})
	require.Error(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&fake.startHits))

	fake = &fakeApify{t: t, startCode: http.StatusServiceUnavailable}
	srv2 := httptest.NewServer(fake.handler())
	defer srv2.Close()

	_, err = newTestClient(t, srv2).Search(context.Background(), Query{Keyword: "x"})
	require.Error(t, err)
	require.EqualValues(t, 2, atomic.LoadInt32(&fake.startHits))
}

func TestSearchNotConfigured(t *testing.T) {
	c := New(config.ScraperConfig{}, nil)
	_, err := c.Search(context.Background(), Query{Keyword: "x"})
	require.ErrorIs(t, err, ErrNotConfigured)
}
