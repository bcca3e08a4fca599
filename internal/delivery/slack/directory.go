package slack

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"deliveryd/internal/delivery"
	"deliveryd/internal/shared"
)

// directoryTTL is how long a fetched destination list stays fresh.
const directoryTTL = 10 * time.Minute

// Directory caches the addressable destinations of each organization's chat
// workspace: channels first, prefixed "#", then users prefixed "@", each
// group sorted by name.
//
// The cache is per-process and keyed by organization id; keys are never
// evicted. Acceptable for single-instance deployments, and the interface
// leaves room for a shared-store implementation.
type Directory struct {
	client *Client
	creds  delivery.CredentialStore
	ttl    time.Duration
	now    func() time.Time
	log    *slog.Logger

	mu      sync.Mutex
	entries map[string]*directoryEntry
}

type directoryEntry struct {
	// mu serializes refreshes for one organization, so concurrent callers
	// behind an expired entry coalesce into a single fetch.
	mu           sync.Mutex
	destinations []delivery.Destination
	fetchedAt    time.Time
}

// NewDirectory creates a Directory with the standard 10 minute TTL.
func NewDirectory(client *Client, creds delivery.CredentialStore, log *slog.Logger) *Directory {
	return &Directory{
		client:  client,
		creds:   creds,
		ttl:     directoryTTL,
		now:     time.Now,
		log:     log,
		entries: make(map[string]*directoryEntry),
	}
}

// ResolveDestinations returns the organization's destination list, fetching
// from the web API at most once per TTL. On refresh failure a usable stale
// list is served; with nothing cached the error surfaces to the caller.
func (d *Directory) ResolveDestinations(ctx context.Context, orgID string) ([]delivery.Destination, error) {
	entry := d.entry(orgID)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if !entry.fetchedAt.IsZero() && d.now().Sub(entry.fetchedAt) < d.ttl {
		return cloneDestinations(entry.destinations), nil
	}

	destinations, err := d.fetch(ctx, orgID)
	if err != nil {
		if !entry.fetchedAt.IsZero() {
			d.log.Warn("directory refresh failed, serving stale entry",
				slog.String("org_id", orgID),
				slog.Time("fetched_at", entry.fetchedAt),
				slog.Any("error", err),
			)
			return cloneDestinations(entry.destinations), nil
		}
		return nil, err
	}

	entry.destinations = destinations
	entry.fetchedAt = d.now()
	return cloneDestinations(destinations), nil
}

func (d *Directory) entry(orgID string) *directoryEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[orgID]
	if !ok {
		e = &directoryEntry{}
		d.entries[orgID] = e
	}
	return e
}

func (d *Directory) fetch(ctx context.Context, orgID string) ([]delivery.Destination, error) {
	creds, err := d.creds.Get(ctx, orgID, delivery.KindChat)
	if err != nil {
		if shared.IsNotFound(err) {
			return nil, shared.MarkKind(
				shared.Wrapf(err, "no chat installation for organization %s", orgID),
				shared.KindConfiguration,
			)
		}
		return nil, err
	}

	channels, err := d.client.ListChannels(ctx, creds.Token)
	if err != nil {
		return nil, shared.Wrap(err, "list channels")
	}
	users, err := d.client.ListUsers(ctx, creds.Token)
	if err != nil {
		return nil, shared.Wrap(err, "list users")
	}

	sort.Slice(channels, func(i, j int) bool { return channels[i].Name < channels[j].Name })
	sort.Slice(users, func(i, j int) bool { return users[i].DisplayName() < users[j].DisplayName() })

	destinations := make([]delivery.Destination, 0, len(channels)+len(users))
	for _, ch := range channels {
		destinations = append(destinations, delivery.Destination{ID: ch.ID, Name: "#" + ch.Name})
	}
	for _, u := range users {
		destinations = append(destinations, delivery.Destination{ID: u.ID, Name: "@" + u.DisplayName()})
	}
	return destinations, nil
}

func cloneDestinations(src []delivery.Destination) []delivery.Destination {
	out := make([]delivery.Destination, len(src))
	copy(out, src)
	return out
}
