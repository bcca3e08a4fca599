package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"deliveryd/internal/delivery"
	"deliveryd/internal/platform/httpclient"
	"deliveryd/internal/shared"
)

type fakeCredStore struct {
	creds map[string]delivery.Credentials
}

func (f *fakeCredStore) Get(_ context.Context, orgID string, _ delivery.Kind) (delivery.Credentials, error) {
	c, ok := f.creds[orgID]
	if !ok {
		return delivery.Credentials{}, shared.MarkKind(fmt.Errorf("installation for %s", orgID), shared.KindNotFound)
	}
	return c, nil
}

// fakeAPI is a scripted Slack web API server.
type fakeAPI struct {
	mu          sync.Mutex
	listCalls   int
	joinCalls   []string
	postCalls   []string
	failListing bool
	postError   string
	srv         *httptest.Server
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	f := &fakeAPI{}
	mux := http.NewServeMux()
	mux.HandleFunc("/conversations.list", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.listCalls++
		fail := f.failListing
		f.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJSON(w, map[string]any{
			"ok": true,
			"channels": []map[string]any{
				{"id": "C2", "name": "general"},
				{"id": "C1", "name": "alerts"},
			},
		})
	})
	mux.HandleFunc("/users.list", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"ok": true,
			"members": []map[string]any{
				{"id": "U9", "name": "zoe"},
				{"id": "U1", "name": "amir"},
				{"id": "U2", "name": "bot", "is_bot": true},
				{"id": "U3", "name": "gone", "deleted": true},
			},
		})
	})
	mux.HandleFunc("/conversations.join", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Channel string `json:"channel"`
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		f.mu.Lock()
		f.joinCalls = append(f.joinCalls, body.Channel)
		f.mu.Unlock()
		writeJSON(w, map[string]any{"ok": true})
	})
	mux.HandleFunc("/chat.postMessage", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Channel string `json:"channel"`
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		f.mu.Lock()
		f.postCalls = append(f.postCalls, body.Channel)
		code := f.postError
		f.mu.Unlock()
		if code != "" {
			writeJSON(w, map[string]any{"ok": false, "error": code})
			return
		}
		writeJSON(w, map[string]any{"ok": true})
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, api *fakeAPI) *Client {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(log,
		WithBaseURL(api.srv.URL),
		WithRateLimit(rate.NewLimiter(rate.Inf, 0)),
		// No transport-level retries: tests script each response exactly once.
		WithHTTPClient(httpclient.New(httpclient.WithLogger(log))),
	)
}

func testCreds() *fakeCredStore {
	return &fakeCredStore{creds: map[string]delivery.Credentials{
		"org-1": {Token: "xoxb-test", TeamID: "T1"},
	}}
}

func TestDirectoryOrderingAndPrefixes(t *testing.T) {
	api := newFakeAPI(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := NewDirectory(newTestClient(t, api), testCreds(), log)

	got, err := dir.ResolveDestinations(context.Background(), "org-1")
	require.NoError(t, err)

	names := make([]string, len(got))
	for i, d := range got {
		names[i] = d.Name
	}
	// Channels before users, each group sorted by name.
	assert.Equal(t, []string{"#alerts", "#general", "@amir", "@zoe"}, names)
	assert.Equal(t, "C1", got[0].ID)
}

func TestDirectoryServesFromCacheWithinTTL(t *testing.T) {
	api := newFakeAPI(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := NewDirectory(newTestClient(t, api), testCreds(), log)

	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	dir.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := dir.ResolveDestinations(ctx, "org-1")
	require.NoError(t, err)
	now = now.Add(9 * time.Minute)
	_, err = dir.ResolveDestinations(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 1, api.listCalls, "second call within TTL must not hit the API")

	now = now.Add(2 * time.Minute)
	_, err = dir.ResolveDestinations(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, 2, api.listCalls, "expired entry triggers exactly one refetch")
}

func TestDirectoryServesStaleOnRefreshFailure(t *testing.T) {
	api := newFakeAPI(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := NewDirectory(newTestClient(t, api), testCreds(), log)

	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	dir.now = func() time.Time { return now }
	ctx := context.Background()

	first, err := dir.ResolveDestinations(ctx, "org-1")
	require.NoError(t, err)

	api.mu.Lock()
	api.failListing = true
	api.mu.Unlock()
	now = now.Add(directoryTTL + time.Minute)

	stale, err := dir.ResolveDestinations(ctx, "org-1")
	require.NoError(t, err, "stale entry is served when the refresh fails")
	assert.Equal(t, first, stale)
}

func TestDirectoryMissingInstallation(t *testing.T) {
	api := newFakeAPI(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := NewDirectory(newTestClient(t, api), testCreds(), log)

	_, err := dir.ResolveDestinations(context.Background(), "org-without-install")
	require.Error(t, err)
	assert.True(t, shared.IsConfiguration(err))
	assert.Zero(t, api.listCalls, "no API call without credentials")
}

func TestTargetResolveRecipients(t *testing.T) {
	api := newFakeAPI(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := newTestClient(t, api)
	creds := testCreds()
	target := NewTarget(client, NewDirectory(client, creds, log), creds, log)
	ctx := context.Background()

	t.Run("channel name resolves to id", func(t *testing.T) {
		got, err := target.ResolveRecipients(ctx, delivery.TargetConfig{OrgID: "org-1", Channel: "#general"})
		require.NoError(t, err)
		assert.Equal(t, []string{"C2"}, got)
	})

	t.Run("user name resolves to id", func(t *testing.T) {
		got, err := target.ResolveRecipients(ctx, delivery.TargetConfig{OrgID: "org-1", Channel: "@amir"})
		require.NoError(t, err)
		assert.Equal(t, []string{"U1"}, got)
	})

	t.Run("raw id passes through", func(t *testing.T) {
		got, err := target.ResolveRecipients(ctx, delivery.TargetConfig{OrgID: "org-1", Channel: "C404"})
		require.NoError(t, err)
		assert.Equal(t, []string{"C404"}, got)
	})

	t.Run("unknown display name is permanent", func(t *testing.T) {
		_, err := target.ResolveRecipients(ctx, delivery.TargetConfig{OrgID: "org-1", Channel: "#nope"})
		require.Error(t, err)
		assert.False(t, delivery.IsRetryable(err))
	})
}

func TestTargetEnsureJoinedSkipsUserIDs(t *testing.T) {
	api := newFakeAPI(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := newTestClient(t, api)
	creds := testCreds()
	target := NewTarget(client, NewDirectory(client, creds, log), creds, log)

	err := target.EnsureJoined(context.Background(), delivery.TargetConfig{OrgID: "org-1"}, []string{"C1", "U9", "C2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"C1", "C2"}, api.joinCalls, "direct messages are never joined")
}

func TestTargetSendClassification(t *testing.T) {
	api := newFakeAPI(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := newTestClient(t, api)
	creds := testCreds()
	target := NewTarget(client, NewDirectory(client, creds, log), creds, log)
	ctx := context.Background()
	cfg := delivery.TargetConfig{OrgID: "org-1", Channel: "#general"}
	payload := delivery.Payload{Title: "digest", Text: "hello"}

	t.Run("success", func(t *testing.T) {
		require.NoError(t, target.Send(ctx, cfg, payload, "C2"))
		assert.Equal(t, []string{"C2"}, api.postCalls)
	})

	t.Run("rate limited is retryable", func(t *testing.T) {
		api.mu.Lock()
		api.postError = "ratelimited"
		api.mu.Unlock()
		err := target.Send(ctx, cfg, payload, "C2")
		require.Error(t, err)
		assert.True(t, delivery.IsRetryable(err))
	})

	t.Run("unknown channel is permanent", func(t *testing.T) {
		api.mu.Lock()
		api.postError = "channel_not_found"
		api.mu.Unlock()
		err := target.Send(ctx, cfg, payload, "C2")
		require.Error(t, err)
		assert.False(t, delivery.IsRetryable(err))
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, "channel_not_found", apiErr.Code)
	})

	t.Run("missing installation is a configuration error", func(t *testing.T) {
		err := target.Send(ctx, delivery.TargetConfig{OrgID: "org-x", Channel: "#general"}, payload, "C2")
		require.Error(t, err)
		assert.True(t, shared.IsConfiguration(err))
		assert.False(t, delivery.IsRetryable(err))
	})
}
