package sheets

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"product-analysis-queue/internal/config"
)

func TestAppendSendsRows(t *testing.T) {
	var got struct {
		Values [][]any `json:"values"`
	}
	var query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.Contains(r.URL.Path, "/spreadsheets/sheet-123/values/"))
		require.True(t, strings.HasSuffix(r.URL.Path, ":append"))
		query = r.URL.RawQuery
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"spreadsheetId":"sheet-123","updates":{"updatedRows":2}}`))
	}))
	defer srv.Close()

	sink, err := New(context.Background(), config.SheetsConfig{SpreadsheetID: "sheet-123", SheetName: "Results"}, nil,
		option.WithEndpoint(srv.URL+"/"), option.WithoutAuthentication(), option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	sink.retry.Sleep = func(context.Context, time.Duration) error { return nil }

	n, err := sink.Append(context.Background(), [][]any{{"acme", "Mat", 25.5}, {"acme", "Block", 9}})
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
	require.Len(t, got.Values, 2)
	require.Equal(t, "Mat", got.Values[0][1])
	require.Contains(t, query, "valueInputOption=USER_ENTERED")
}

func TestAppendSurfacesErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":403,"message":"forbidden"}}`, http.StatusForbidden)
	}))
	defer srv.Close()

	sink, err := New(context.Background(), config.SheetsConfig{SpreadsheetID: "s"}, nil,
		option.WithEndpoint(srv.URL+"/"), option.WithoutAuthentication(), option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	_, err = sink.Append(context.Background(), [][]any{{"x"}})
	require.Error(t, err)
}

func TestNewRequiresSpreadsheet(t *testing.T) {
	_, err := New(context.Background(), config.SheetsConfig{}, nil)
	require.ErrorIs(t, err, ErrNotConfigured)
}
