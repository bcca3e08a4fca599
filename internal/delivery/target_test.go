package delivery

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"deliveryd/internal/shared"
)

func TestKindValid(t *testing.T) {
	assert.True(t, KindChat.Valid())
	assert.True(t, KindEmail.Valid())
	assert.True(t, KindTeams.Valid())
	assert.False(t, Kind("pigeon").Valid())
}

func TestErrorFormatting(t *testing.T) {
	base := errors.New("rate limited")

	tr := Transient(base)
	assert.Contains(t, tr.Error(), "retryable")
	assert.True(t, errors.Is(tr, base))

	pe := Permanent(errors.New("channel archived"))
	assert.NotContains(t, pe.Error(), "retryable")
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"transient", Transient(errors.New("timeout")), true},
		{"wrapped transient", fmt.Errorf("send: %w", Transientf("429 from api")), true},
		{"permanent", Permanent(errors.New("bad channel")), false},
		{"configuration", shared.MarkKind(errors.New("no token"), shared.KindConfiguration), false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"plain", errors.New("who knows"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsRetryable(tt.err))
		})
	}
}
