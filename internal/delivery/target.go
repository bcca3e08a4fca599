// Package delivery defines the polymorphic delivery-target capability: each
// variant (chat, email, enterprise messaging) resolves destinations for a
// target configuration and sends a rendered payload to one destination.
package delivery

import (
	"context"
	"errors"
	"fmt"

	"deliveryd/internal/shared"
)

// Kind identifies a delivery target variant.
type Kind string

const (
	// KindChat delivers to chat channels and users resolved via a directory.
	KindChat Kind = "chat"
	// KindEmail delivers to statically configured email recipients.
	KindEmail Kind = "email"
	// KindTeams delivers to an enterprise-messaging incoming webhook.
	KindTeams Kind = "teams"
)

// Valid reports whether k is a known target kind.
func (k Kind) Valid() bool {
	switch k {
	case KindChat, KindEmail, KindTeams:
		return true
	}
	return false
}

// TargetConfig is the persisted configuration of one delivery target, owned by
// a scheduler definition. Exactly the fields for its Kind are set.
type TargetConfig struct {
	Kind  Kind
	OrgID string

	// Channel is a chat channel or user id (chat only).
	Channel string
	// Recipients are email addresses (email only).
	Recipients []string
	// WebhookURL is the incoming webhook endpoint (teams only).
	WebhookURL string
}

// Payload is the rendered content handed to targets. Produced once per job by
// the external renderer and consumed read-only by every step.
type Payload struct {
	Title       string
	Text        string
	Attachment  []byte
	ContentType string
}

// Destination is one addressable delivery destination.
type Destination struct {
	ID   string
	Name string
}

// Target is the common contract every delivery variant satisfies.
type Target interface {
	// Kind returns the variant this target implements.
	Kind() Kind
	// ResolveRecipients expands a target configuration into concrete
	// destination identifiers.
	ResolveRecipients(ctx context.Context, cfg TargetConfig) ([]string, error)
	// Send delivers the payload to one destination. Failures are reported as
	// *Error (retryable or permanent) or a configuration-kind error.
	Send(ctx context.Context, cfg TargetConfig, payload Payload, destination string) error
}

// Joiner is implemented by targets that must join a destination before the
// first send (chat channels). Join failures are best-effort: the runner logs
// them and still attempts the send.
type Joiner interface {
	EnsureJoined(ctx context.Context, cfg TargetConfig, destinations []string) error
}

// Error is a delivery failure carrying a retryable flag. Transient transport
// failures (timeouts, rate limits) are retryable; invalid destinations,
// revoked credentials and rejected payloads are not.
type Error struct {
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Retryable {
		return fmt.Sprintf("delivery failed (retryable): %v", e.Err)
	}
	return fmt.Sprintf("delivery failed: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable delivery error.
func Transient(err error) *Error { return &Error{Retryable: true, Err: err} }

// Permanent wraps err as a non-retryable delivery error.
func Permanent(err error) *Error { return &Error{Retryable: false, Err: err} }

// Transientf formats a retryable delivery error.
func Transientf(format string, args ...any) *Error {
	return Transient(fmt.Errorf(format, args...))
}

// Permanentf formats a non-retryable delivery error.
func Permanentf(format string, args ...any) *Error {
	return Permanent(fmt.Errorf(format, args...))
}

// IsRetryable reports whether err may succeed on a later attempt. Timeouts
// count as retryable; configuration errors and cancellation never do.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if shared.IsCanceled(err) || shared.IsConfiguration(err) {
		return false
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Retryable
	}
	return shared.IsTimeout(err)
}

// Credentials are organization-scoped credentials for one target kind.
type Credentials struct {
	// Token is the bot/API token for chat targets.
	Token string
	// TeamID is the chat workspace the installation belongs to.
	TeamID string
}

// CredentialStore resolves organization-scoped credentials from the external
// installation store. Absence is reported as a shared.ErrNotFound-kind error;
// targets surface it as a configuration error rather than attempting a send.
type CredentialStore interface {
	Get(ctx context.Context, orgID string, kind Kind) (Credentials, error)
}
