package export

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"

	"product-analysis-queue/internal/config"
	"product-analysis-queue/internal/models"
	"product-analysis-queue/internal/worker"
)

func completion() worker.Completion {
	return worker.Completion{
		Task: models.Task{
			ID:       "client_1700000000_abcd1234",
			Type:     models.TypeProductAnalysis,
			ClientID: "client",
		},
		Status:      models.StatusCompleted,
		Output:      map[string]any{"status": "completed", "count": 1},
		Duration:    1500 * time.Millisecond,
		CompletedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSanitizeKey(t *testing.T) {
	cases := map[string]string{
		"reports/c/t.json":     "reports/c/t.json",
		"/reports/c/t.json":    "reports/c/t.json",
		"./reports/t.json":     "reports/t.json",
		"../../etc/passwd":     "etc/passwd",
		"reports/../../t.json": "t.json",
	}
	for in, want := range cases {
		require.Equal(t, want, sanitizeKey(in), in)
	}
}

func TestLocalExportWritesReport(t *testing.T) {
	dir := t.TempDir()
	e := NewWithUploader(NewLocalUploader(dir), "reports", nil)

	require.NoError(t, e.Observe(context.Background(), completion()))

	data, err := os.ReadFile(filepath.Join(dir, "reports", "client", "client_1700000000_abcd1234.json"))
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, "client_1700000000_abcd1234", got["task_id"])
	require.Equal(t, "completed", got["status"])
	require.Equal(t, "product_analysis", got["type"])
	require.EqualValues(t, 1500, got["duration_ms"])
	require.Equal(t, map[string]any{"status": "completed", "count": float64(1)}, got["results"])
}

func TestKeyUsesAnonymousForMissingClient(t *testing.T) {
	e := NewWithUploader(NewLocalUploader(t.TempDir()), "", nil)
	require.Equal(t, "anonymous/t1.json", e.Key(models.Task{ID: "t1"}))
}

type failingUploader struct{}

func (failingUploader) Upload(context.Context, string, []byte, string) (string, error) {
	return "", errors.New("disk full")
}

func TestObserveReportsUploadError(t *testing.T) {
	e := NewWithUploader(failingUploader{}, "reports", nil)
	err := e.Observe(context.Background(), completion())
	require.ErrorContains(t, err, "disk full")
}

func TestS3UploaderPutsObject(t *testing.T) {
	var (
		gotMethod string
		gotPath   string
		gotType   string
		gotBody   []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := s3.New(s3.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String(srv.URL),
		UsePathStyle: true,
		Credentials:  aws.AnonymousCredentials{},
	})
	up := NewS3Uploader(client, "bucket")

	loc, err := up.Upload(context.Background(), "/reports/c/t.json", []byte(`{"ok":true}`), "application/json")
	require.NoError(t, err)
	require.Equal(t, "s3://bucket/reports/c/t.json", loc)
	require.Equal(t, http.MethodPut, gotMethod)
	require.Equal(t, "/bucket/reports/c/t.json", gotPath)
	require.Equal(t, "application/json", gotType)
	require.Contains(t, string(gotBody), `{"ok":true}`)
}

func TestNewDisabledAndUnknown(t *testing.T) {
	e, err := New(context.Background(), config.ExportConfig{}, nil)
	require.NoError(t, err)
	require.Nil(t, e)
	require.NoError(t, e.Close())

	_, err = New(context.Background(), config.ExportConfig{Destination: "ftp"}, nil)
	require.ErrorContains(t, err, "unknown export destination")

	e, err = New(context.Background(), config.ExportConfig{Destination: "local", LocalDir: t.TempDir()}, nil)
	require.NoError(t, err)
	require.NotNil(t, e)
}

func TestNewGCSUploaderRequiresClient(t *testing.T) {
	_, err := NewGCSUploader(nil, "bucket")
	require.Error(t, err)
}
