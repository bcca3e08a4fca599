package slack

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"deliveryd/internal/delivery"
	"deliveryd/internal/shared"
)

// transientCodes are web API errors worth retrying; everything else returned
// by the API (bad channel, revoked token, rejected payload) is permanent.
var transientCodes = map[string]struct{}{
	"ratelimited":         {},
	"rate_limited":        {},
	"internal_error":      {},
	"service_unavailable": {},
	"fatal_error":         {},
	"request_timeout":     {},
}

// Target delivers rendered payloads to chat channels and users.
type Target struct {
	client *Client
	dir    *Directory
	creds  delivery.CredentialStore
	log    *slog.Logger
}

// NewTarget creates the chat Target.
func NewTarget(client *Client, dir *Directory, creds delivery.CredentialStore, log *slog.Logger) *Target {
	return &Target{client: client, dir: dir, creds: creds, log: log}
}

// Kind implements delivery.Target.
func (t *Target) Kind() delivery.Kind { return delivery.KindChat }

// ResolveRecipients maps the configured channel to a destination id via the
// directory. Display names ("#general", "@maria") resolve to ids; a value
// already matching no name is assumed to be an id and passed through, since
// the directory may lag behind workspace changes.
func (t *Target) ResolveRecipients(ctx context.Context, cfg delivery.TargetConfig) ([]string, error) {
	if cfg.Channel == "" {
		return nil, shared.MarkKind(errors.New("chat target has no channel"), shared.KindConfiguration)
	}

	destinations, err := t.dir.ResolveDestinations(ctx, cfg.OrgID)
	if err != nil {
		if shared.IsConfiguration(err) {
			return nil, err
		}
		// Directory outage with a raw id configured: deliver anyway.
		if !strings.HasPrefix(cfg.Channel, "#") && !strings.HasPrefix(cfg.Channel, "@") {
			t.log.Warn("directory unavailable, using configured channel id",
				slog.String("org_id", cfg.OrgID),
				slog.Any("error", err),
			)
			return []string{cfg.Channel}, nil
		}
		return nil, err
	}

	for _, dest := range destinations {
		if dest.Name == cfg.Channel || dest.ID == cfg.Channel {
			return []string{dest.ID}, nil
		}
	}
	if strings.HasPrefix(cfg.Channel, "#") || strings.HasPrefix(cfg.Channel, "@") {
		return nil, delivery.Permanentf("unknown chat destination %q", cfg.Channel)
	}
	return []string{cfg.Channel}, nil
}

// EnsureJoined joins channel destinations before the first send. User ids
// (prefix "U") are direct messages and never joined. Failures are collected
// for the caller to log; the send decides success on its own.
func (t *Target) EnsureJoined(ctx context.Context, cfg delivery.TargetConfig, destinations []string) error {
	creds, err := t.credentials(ctx, cfg.OrgID)
	if err != nil {
		return err
	}

	var errs []error
	for _, id := range destinations {
		if strings.HasPrefix(id, "U") {
			continue
		}
		if err := t.client.JoinChannel(ctx, creds.Token, id); err != nil {
			errs = append(errs, shared.Wrapf(err, "join %s", id))
		}
	}
	return errors.Join(errs...)
}

// Send posts the rendered payload to one destination.
func (t *Target) Send(ctx context.Context, cfg delivery.TargetConfig, payload delivery.Payload, destination string) error {
	creds, err := t.credentials(ctx, cfg.OrgID)
	if err != nil {
		return err
	}

	if err := t.client.PostMessage(ctx, creds.Token, destination, payload.Title, payload.Text); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			if _, ok := transientCodes[apiErr.Code]; ok {
				return delivery.Transient(err)
			}
			return delivery.Permanent(err)
		}
		if shared.IsCanceled(err) || shared.IsConfiguration(err) {
			return err
		}
		// Transport-level failures that survived the HTTP client's retries.
		return delivery.Transient(err)
	}
	return nil
}

func (t *Target) credentials(ctx context.Context, orgID string) (delivery.Credentials, error) {
	creds, err := t.creds.Get(ctx, orgID, delivery.KindChat)
	if err != nil {
		if shared.IsNotFound(err) {
			return delivery.Credentials{}, shared.MarkKind(
				shared.Wrapf(err, "no chat installation for organization %s", orgID),
				shared.KindConfiguration,
			)
		}
		return delivery.Credentials{}, err
	}
	return creds, nil
}
