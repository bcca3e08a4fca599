// Package teams implements the enterprise-messaging delivery target: it posts
// a MessageCard to a configured incoming webhook.
package teams

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	stdhttp "net/http"

	"deliveryd/internal/delivery"
	"deliveryd/internal/platform/httpclient"
	"deliveryd/internal/shared"
)

// messageCard is the legacy connector card format incoming webhooks accept.
type messageCard struct {
	Type       string `json:"@type"`
	Context    string `json:"@context"`
	Summary    string `json:"summary"`
	Title      string `json:"title,omitempty"`
	Text       string `json:"text"`
	ThemeColor string `json:"themeColor,omitempty"`
}

// Target delivers rendered payloads to incoming webhooks.
type Target struct {
	http *httpclient.Client
	log  *slog.Logger
}

// NewTarget creates the teams Target.
func NewTarget(hc *httpclient.Client, log *slog.Logger) *Target {
	return &Target{http: hc, log: log}
}

// Kind implements delivery.Target.
func (t *Target) Kind() delivery.Kind { return delivery.KindTeams }

// ResolveRecipients returns the single configured webhook endpoint.
func (t *Target) ResolveRecipients(_ context.Context, cfg delivery.TargetConfig) ([]string, error) {
	if cfg.WebhookURL == "" {
		return nil, shared.MarkKind(errors.New("teams target has no webhook url"), shared.KindConfiguration)
	}
	return []string{cfg.WebhookURL}, nil
}

// Send posts the payload as a MessageCard. Rate limiting and service errors
// are retryable; any other client error means the webhook rejected the card
// or no longer exists.
func (t *Target) Send(ctx context.Context, _ delivery.TargetConfig, payload delivery.Payload, destination string) error {
	card := messageCard{
		Type:       "MessageCard",
		Context:    "http://schema.org/extensions",
		Summary:    payload.Title,
		Title:      payload.Title,
		Text:       payload.Text,
		ThemeColor: "7650FA",
	}
	if card.Summary == "" {
		card.Summary = "Scheduled delivery"
	}
	body, err := json.Marshal(card)
	if err != nil {
		return delivery.Permanent(err)
	}

	req, err := stdhttp.NewRequestWithContext(ctx, stdhttp.MethodPost, destination, bytes.NewReader(body))
	if err != nil {
		return delivery.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.http.Do(ctx, req)
	if err != nil {
		if shared.IsCanceled(err) {
			return err
		}
		return delivery.Transient(shared.Wrap(err, "post webhook"))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == stdhttp.StatusTooManyRequests || resp.StatusCode >= 500:
		return delivery.Transientf("webhook returned status %d", resp.StatusCode)
	default:
		return delivery.Permanentf("webhook returned status %d", resp.StatusCode)
	}
}
