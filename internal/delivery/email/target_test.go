package email

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deliveryd/internal/delivery"
	"deliveryd/internal/shared"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func enabledConfig() Config {
	return Config{Host: "smtp.example.com", Port: 587, From: "reports@example.com"}
}

func TestResolveRecipients(t *testing.T) {
	target := NewTarget(enabledConfig(), discardLogger())

	got, err := target.ResolveRecipients(context.Background(), delivery.TargetConfig{
		Kind:       delivery.KindEmail,
		Recipients: []string{"a@example.com", "b@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, got)
}

func TestUnconfiguredSMTPIsConfigurationError(t *testing.T) {
	target := NewTarget(Config{}, discardLogger())

	_, err := target.ResolveRecipients(context.Background(), delivery.TargetConfig{
		Recipients: []string{"a@example.com"},
	})
	require.Error(t, err)
	assert.True(t, shared.IsConfiguration(err))

	err = target.Send(context.Background(), delivery.TargetConfig{}, delivery.Payload{}, "a@example.com")
	require.Error(t, err)
	assert.True(t, shared.IsConfiguration(err))
	assert.False(t, delivery.IsRetryable(err))
}

func TestSendComposesMessage(t *testing.T) {
	target := NewTarget(enabledConfig(), discardLogger())

	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	target.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	err := target.Send(context.Background(), delivery.TargetConfig{}, delivery.Payload{
		Title: "Weekly digest",
		Text:  "All systems nominal.",
	}, "a@example.com")
	require.NoError(t, err)

	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, "reports@example.com", gotFrom)
	assert.Equal(t, []string{"a@example.com"}, gotTo)
	msg := string(gotMsg)
	assert.Contains(t, msg, "Subject: Weekly digest\r\n")
	assert.Contains(t, msg, "To: a@example.com\r\n")
	assert.True(t, strings.HasSuffix(msg, "All systems nominal.\r\n"))
}

func TestSendErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{
			name:      "connection refused is retryable",
			err:       &net.OpError{Op: "dial", Err: errors.New("connection refused")},
			retryable: true,
		},
		{
			name:      "greylisting 4xx reply is retryable",
			err:       errors.New("451 4.7.1 try again later"),
			retryable: true,
		},
		{
			name:      "rejected recipient is permanent",
			err:       errors.New("550 5.1.1 user unknown"),
			retryable: false,
		},
		{
			name:      "tls failure is permanent",
			err:       errors.New("tls: first record does not look like a TLS handshake"),
			retryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := NewTarget(enabledConfig(), discardLogger())
			target.send = func(string, smtp.Auth, string, []string, []byte) error { return tt.err }

			err := target.Send(context.Background(), delivery.TargetConfig{}, delivery.Payload{}, "a@example.com")
			require.Error(t, err)
			assert.Equal(t, tt.retryable, delivery.IsRetryable(err))
		})
	}
}

func TestSendTimeoutIsRetryable(t *testing.T) {
	target := NewTarget(enabledConfig(), discardLogger())
	target.send = func(string, smtp.Auth, string, []string, []byte) error {
		time.Sleep(time.Second)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := target.Send(ctx, delivery.TargetConfig{}, delivery.Payload{}, "a@example.com")
	require.Error(t, err)
	assert.True(t, delivery.IsRetryable(err))
}
