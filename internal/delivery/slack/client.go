// Package slack implements the chat delivery target against the Slack web
// API: a thin API client, a per-organization destination directory cache,
// and the Target/Joiner implementation used by the job runner.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	stdhttp "net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"deliveryd/internal/platform/httpclient"
	"deliveryd/internal/shared"
)

const defaultBaseURL = "https://slack.com/api"

// APIError is a web API call that returned ok:false.
type APIError struct {
	Method string
	Code   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("slack %s: %s", e.Method, e.Code)
}

// Client calls the Slack web API. All calls go through a shared rate limiter;
// HTTP-level 429/5xx retries are handled by the underlying httpclient.
type Client struct {
	http    *httpclient.Client
	baseURL string
	limiter *rate.Limiter
	log     *slog.Logger
}

// ClientOption configures Client.
type ClientOption func(*Client)

// WithBaseURL overrides the API base URL, used by tests.
func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *httpclient.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithRateLimit overrides the web API request rate.
func WithRateLimit(l *rate.Limiter) ClientOption {
	return func(c *Client) { c.limiter = l }
}

// NewClient creates a Client with Slack's tier-2 rate budget by default.
func NewClient(log *slog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		http: httpclient.New(
			httpclient.WithLogger(log),
			httpclient.WithRetries(2, 500*time.Millisecond),
			httpclient.WithMaxBackoff(10*time.Second),
			httpclient.WithRetryNonIdempotent(true),
		),
		baseURL: defaultBaseURL,
		limiter: rate.NewLimiter(rate.Every(time.Second), 3),
		log:     log,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Conversation is one channel from conversations.list.
type Conversation struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Member is one user from users.list.
type Member struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Deleted bool   `json:"deleted"`
	IsBot   bool   `json:"is_bot"`
	Profile struct {
		DisplayName string `json:"display_name"`
	} `json:"profile"`
}

// DisplayName prefers the profile display name over the account name.
func (m Member) DisplayName() string {
	if m.Profile.DisplayName != "" {
		return m.Profile.DisplayName
	}
	return m.Name
}

type envelope struct {
	OK               bool   `json:"ok"`
	Error            string `json:"error"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

// ListChannels returns all non-archived channels the token can see,
// following cursor pagination to the end.
func (c *Client) ListChannels(ctx context.Context, token string) ([]Conversation, error) {
	var channels []Conversation
	cursor := ""
	for {
		params := url.Values{
			"types":            {"public_channel,private_channel"},
			"exclude_archived": {"true"},
			"limit":            {"200"},
		}
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		var page struct {
			envelope
			Channels []Conversation `json:"channels"`
		}
		if err := c.get(ctx, token, "conversations.list", params, &page); err != nil {
			return nil, err
		}
		channels = append(channels, page.Channels...)
		cursor = page.ResponseMetadata.NextCursor
		if cursor == "" {
			return channels, nil
		}
	}
}

// ListUsers returns active human members of the workspace.
func (c *Client) ListUsers(ctx context.Context, token string) ([]Member, error) {
	var members []Member
	cursor := ""
	for {
		params := url.Values{"limit": {"200"}}
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		var page struct {
			envelope
			Members []Member `json:"members"`
		}
		if err := c.get(ctx, token, "users.list", params, &page); err != nil {
			return nil, err
		}
		for _, m := range page.Members {
			if m.Deleted || m.IsBot {
				continue
			}
			members = append(members, m)
		}
		cursor = page.ResponseMetadata.NextCursor
		if cursor == "" {
			return members, nil
		}
	}
}

// JoinChannel joins the bot to a channel so it can post there.
func (c *Client) JoinChannel(ctx context.Context, token, channelID string) error {
	var resp envelope
	return c.post(ctx, token, "conversations.join", map[string]any{"channel": channelID}, &resp)
}

// PostMessage posts a message to a channel or user conversation.
func (c *Client) PostMessage(ctx context.Context, token, channelID, title, text string) error {
	body := map[string]any{
		"channel": channelID,
		"text":    text,
	}
	if title != "" {
		body["text"] = fmt.Sprintf("*%s*\n%s", title, text)
	}
	var resp envelope
	return c.post(ctx, token, "chat.postMessage", body, &resp)
}

type enveloped interface {
	envelopeOf() *envelope
}

func (e *envelope) envelopeOf() *envelope { return e }

func (c *Client) get(ctx context.Context, token, method string, params url.Values, out enveloped) error {
	req, err := stdhttp.NewRequestWithContext(ctx, stdhttp.MethodGet, c.baseURL+"/"+method+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	return c.call(req, token, method, out)
}

func (c *Client) post(ctx context.Context, token, method string, body any, out enveloped) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := stdhttp.NewRequestWithContext(ctx, stdhttp.MethodPost, c.baseURL+"/"+method, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	return c.call(req, token, method, out)
}

func (c *Client) call(req *stdhttp.Request, token, method string, out enveloped) error {
	if token == "" {
		return shared.MarkKind(fmt.Errorf("slack %s: no token", method), shared.KindConfiguration)
	}
	if err := c.limiter.Wait(req.Context()); err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req.Context(), req)
	if err != nil {
		return shared.Wrapf(err, "slack %s", method)
	}
	defer resp.Body.Close()

	if resp.StatusCode != stdhttp.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("slack %s: unexpected status %d", method, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return shared.Wrapf(err, "slack %s: decode response", method)
	}
	if env := out.envelopeOf(); !env.OK {
		return &APIError{Method: method, Code: env.Error}
	}
	return nil
}
