package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"product-analysis-queue/internal/models"
	"product-analysis-queue/internal/worker"
)

func keywordCompletion() worker.Completion {
	return worker.Completion{
		Task: models.Task{
			ID:       "c_1700000000_0000beef",
			Type:     models.TypeKeywordAnalysis,
			ClientID: "c",
			Payload:  models.KeywordPayload{Keyword: "yoga mat"},
		},
		Status:      models.StatusCompleted,
		Output:      map[string]any{"status": "completed", "scraped": 3},
		CompletedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNewEventCarriesKeyword(t *testing.T) {
	ev := NewEvent(keywordCompletion())
	require.Equal(t, "yoga mat", ev.Keyword)
	require.Equal(t, models.TypeKeywordAnalysis, ev.AnalysisType)
	require.Equal(t, "c", ev.ClientID)
}

func TestWebhookDelivers(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, time.Second, nil)
	require.NoError(t, wh.Observe(context.Background(), keywordCompletion()))
	require.Equal(t, "c_1700000000_0000beef", got.TaskID)
	require.Equal(t, "yoga mat", got.Keyword)
}

func TestWebhookRejectsOtherStatuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, time.Second, nil).Observe(context.Background(), keywordCompletion())
	require.ErrorContains(t, err, "webhook status 204")
}

func TestNewWebhookDisabled(t *testing.T) {
	require.Nil(t, NewWebhook("", time.Second, nil))
}

func TestPublisherPublishes(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)

	_, err = client.CreateTopic(ctx, "analyses")
	require.NoError(t, err)

	p := NewPublisherWithClient(client, "analyses", nil)
	id, err := p.Publish(ctx, NewEvent(keywordCompletion()))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "c_1700000000_0000beef", msgs[0].Attributes["task_id"])
	var ev Event
	require.NoError(t, json.Unmarshal(msgs[0].Data, &ev))
	require.Equal(t, models.StatusCompleted, ev.Status)

	require.NoError(t, p.Close())
}
