// Package renderer is the production engine.Renderer: it asks an external
// rendering service to turn a content reference into a deliverable payload.
package renderer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	stdhttp "net/http"
	"strings"
	"time"

	"deliveryd/internal/delivery"
	"deliveryd/internal/platform/httpclient"
	"deliveryd/internal/shared"
)

// Client renders content via HTTP. A render failure aborts the whole job, so
// transient upstream errors are retried here rather than in the runner.
type Client struct {
	http    *httpclient.Client
	baseURL string
	log     *slog.Logger
}

// New creates a renderer Client for the given service base URL.
func New(baseURL string, log *slog.Logger) (*Client, error) {
	if baseURL == "" {
		return nil, shared.MarkKind(errors.New("renderer url is not configured"), shared.KindConfiguration)
	}
	return &Client{
		http: httpclient.New(
			httpclient.WithLogger(log),
			httpclient.WithRetries(2, time.Second),
			httpclient.WithMaxBackoff(15*time.Second),
			httpclient.WithRetryNonIdempotent(true),
		),
		baseURL: strings.TrimRight(baseURL, "/"),
		log:     log,
	}, nil
}

type renderRequest struct {
	ContentRef string `json:"contentRef"`
}

type renderResponse struct {
	Title       string `json:"title"`
	Text        string `json:"text"`
	Attachment  []byte `json:"attachment,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

// Render implements engine.Renderer.
func (c *Client) Render(ctx context.Context, contentRef string) (delivery.Payload, error) {
	body, err := json.Marshal(renderRequest{ContentRef: contentRef})
	if err != nil {
		return delivery.Payload{}, err
	}

	req, err := stdhttp.NewRequestWithContext(ctx, stdhttp.MethodPost, c.baseURL+"/render", bytes.NewReader(body))
	if err != nil {
		return delivery.Payload{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return delivery.Payload{}, shared.Wrapf(err, "render %s", contentRef)
	}
	defer resp.Body.Close()

	if resp.StatusCode == stdhttp.StatusNotFound {
		return delivery.Payload{}, shared.MarkKind(
			fmt.Errorf("content %s not found", contentRef),
			shared.KindNotFound,
		)
	}
	if resp.StatusCode != stdhttp.StatusOK {
		return delivery.Payload{}, fmt.Errorf("render %s: unexpected status %d", contentRef, resp.StatusCode)
	}

	var out renderResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return delivery.Payload{}, shared.Wrapf(err, "render %s: decode response", contentRef)
	}
	return delivery.Payload{
		Title:       out.Title,
		Text:        out.Text,
		Attachment:  out.Attachment,
		ContentType: out.ContentType,
	}, nil
}
