// Package email implements the email delivery target over SMTP.
package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"

	"deliveryd/internal/delivery"
	"deliveryd/internal/shared"
)

// Config is the SMTP endpoint and sender identity.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

func (c Config) enabled() bool {
	return c.Host != "" && c.From != ""
}

func (c Config) addr() string {
	port := c.Port
	if port == 0 {
		port = 587
	}
	return fmt.Sprintf("%s:%d", c.Host, port)
}

// sendFunc is swapped in tests.
type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Target delivers rendered payloads to statically configured recipients.
type Target struct {
	cfg  Config
	log  *slog.Logger
	send sendFunc
}

// NewTarget creates the email Target. A target without SMTP configuration is
// still constructed; every use reports a configuration error.
func NewTarget(cfg Config, log *slog.Logger) *Target {
	return &Target{cfg: cfg, log: log, send: smtp.SendMail}
}

// Kind implements delivery.Target.
func (t *Target) Kind() delivery.Kind { return delivery.KindEmail }

// ResolveRecipients returns the recipients configured on the target itself;
// email needs no external directory.
func (t *Target) ResolveRecipients(_ context.Context, cfg delivery.TargetConfig) ([]string, error) {
	if !t.cfg.enabled() {
		return nil, shared.MarkKind(errors.New("smtp is not configured"), shared.KindConfiguration)
	}
	if len(cfg.Recipients) == 0 {
		return nil, shared.MarkKind(errors.New("email target has no recipients"), shared.KindConfiguration)
	}
	return cfg.Recipients, nil
}

// Send delivers the payload to one recipient. Transport failures are
// retryable; recipients rejected by the server are not.
func (t *Target) Send(ctx context.Context, _ delivery.TargetConfig, payload delivery.Payload, destination string) error {
	if !t.cfg.enabled() {
		return shared.MarkKind(errors.New("smtp is not configured"), shared.KindConfiguration)
	}

	msg := t.compose(payload, destination)
	var auth smtp.Auth
	if t.cfg.Username != "" {
		auth = smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)
	}

	done := make(chan error, 1)
	go func() {
		done <- t.send(t.cfg.addr(), auth, t.cfg.From, []string{destination}, msg)
	}()
	select {
	case <-ctx.Done():
		// smtp.SendMail has no context; the connection is abandoned.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return delivery.Transientf("smtp send to %s timed out", destination)
		}
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return classify(err, destination)
		}
		return nil
	}
}

func classify(err error, destination string) error {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return delivery.Transient(shared.Wrapf(err, "smtp connect for %s", destination))
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return delivery.Transient(shared.Wrapf(err, "smtp send to %s", destination))
	}
	// SMTP 4xx replies are transient by protocol definition.
	msg := err.Error()
	if len(msg) >= 1 && msg[0] == '4' {
		return delivery.Transient(shared.Wrapf(err, "smtp send to %s", destination))
	}
	return delivery.Permanent(shared.Wrapf(err, "smtp send to %s", destination))
}

func (t *Target) compose(payload delivery.Payload, destination string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", t.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", destination)
	fmt.Fprintf(&b, "Subject: %s\r\n", payload.Title)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(payload.Text)
	b.WriteString("\r\n")
	return []byte(b.String())
}
