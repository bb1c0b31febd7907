package resilience

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errLocked = errors.New("database is locked")

func fastConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func TestDoSucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), "op", func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesTransientErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), "op", func(context.Context) error {
		calls++
		if calls < 3 {
			return errLocked
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), "op", func(context.Context) error {
		calls++
		return errLocked
	})
	require.ErrorIs(t, err, errLocked)
	assert.Equal(t, 3, calls)
}

func TestDoDoesNotRetryPermanentErrors(t *testing.T) {
	permanent := errors.New("constraint violation")
	calls := 0
	err := Do(context.Background(), fastConfig(), "op", func(context.Context) error {
		calls++
		return permanent
	})
	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDoStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, fastConfig(), "op", func(context.Context) error {
		calls++
		cancel()
		return errLocked
	})
	require.ErrorIs(t, err, errLocked)
	assert.Equal(t, 1, calls)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "connection reset", err: syscall.ECONNRESET, want: true},
		{name: "connection refused", err: syscall.ECONNREFUSED, want: true},
		{name: "sqlite busy", err: errors.New("SQLITE_BUSY: database table is locked"), want: true},
		{name: "pool closed", err: errors.New("pgx: conn closed"), want: true},
		{name: "io timeout", err: errors.New("read tcp: i/o timeout"), want: true},
		{name: "logic error", err: errors.New("invalid policy id"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestBackoffCappedAndJittered(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: 200 * time.Millisecond}
	for attempt := 0; attempt < 6; attempt++ {
		d := backoff(attempt, cfg)
		assert.LessOrEqual(t, d, 250*time.Millisecond, "attempt %d", attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
	}
}
