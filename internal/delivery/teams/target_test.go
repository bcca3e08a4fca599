package teams

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deliveryd/internal/delivery"
	"deliveryd/internal/platform/httpclient"
	"deliveryd/internal/shared"
)

func newTestTarget(t *testing.T) *Target {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewTarget(httpclient.New(httpclient.WithLogger(log)), log)
}

func TestResolveRecipients(t *testing.T) {
	target := newTestTarget(t)

	got, err := target.ResolveRecipients(context.Background(), delivery.TargetConfig{
		Kind:       delivery.KindTeams,
		WebhookURL: "https://example.webhook.office.com/abc",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.webhook.office.com/abc"}, got)

	_, err = target.ResolveRecipients(context.Background(), delivery.TargetConfig{Kind: delivery.KindTeams})
	require.Error(t, err)
	assert.True(t, shared.IsConfiguration(err))
}

func TestSendPostsMessageCard(t *testing.T) {
	var got messageCard
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	target := newTestTarget(t)
	err := target.Send(context.Background(), delivery.TargetConfig{}, delivery.Payload{
		Title: "Weekly digest",
		Text:  "All systems nominal.",
	}, srv.URL)
	require.NoError(t, err)

	assert.Equal(t, "MessageCard", got.Type)
	assert.Equal(t, "Weekly digest", got.Title)
	assert.Equal(t, "Weekly digest", got.Summary)
	assert.Equal(t, "All systems nominal.", got.Text)
}

func TestSendStatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"service error", http.StatusBadGateway, true},
		{"removed webhook", http.StatusNotFound, false},
		{"rejected card", http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			target := newTestTarget(t)
			err := target.Send(context.Background(), delivery.TargetConfig{}, delivery.Payload{Text: "x"}, srv.URL)
			require.Error(t, err)
			assert.Equal(t, tt.retryable, delivery.IsRetryable(err))
		})
	}
}
