package resilience

import (
	"context"
	"errors"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestPolicy_RetriesTransientErrors(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("flaky upstream"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPolicy_StopsOnPermanentError(t *testing.T) {
	permanent := eris.New("schema validation failed")
	calls := 0
	err := fastPolicy().Do(context.Background(), func(ctx context.Context) error {
		calls++
		return permanent
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestPolicy_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), func(ctx context.Context) error {
		calls++
		return Transient(errors.New("still down"))
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestPolicy_ContextCancelStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := fastPolicy().Do(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return Transient(errors.New("interrupted"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestPolicy_ShouldRetryOverride(t *testing.T) {
	p := fastPolicy()
	p.ShouldRetry = func(err error) bool { return true }

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return eris.New("normally permanent")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoVal_ReturnsValue(t *testing.T) {
	calls := 0
	got, err := DoVal(context.Background(), fastPolicy(), func(ctx context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, Transient(errors.New("first try fails"))
		}
		return 7, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 7, got)
	assert.Equal(t, 2, calls)
}

func TestPolicy_OnRetryCallback(t *testing.T) {
	var attempts []int
	p := fastPolicy()
	p.OnRetry = func(attempt int, err error) {
		attempts = append(attempts, attempt)
	}

	_ = p.Do(context.Background(), func(ctx context.Context) error {
		return Transient(errors.New("always fails"))
	})

	assert.Equal(t, []int{1, 2}, attempts)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"wrapped transient", eris.Wrap(Transient(errors.New("x")), "layer"), true},
		{"connection reset", syscall.ECONNRESET, true},
		{"connection refused", syscall.ECONNREFUSED, true},
		{"plain error", errors.New("bad input"), false},
		{"rate limited text", errors.New("upstream said: too many requests"), true},
		{"overloaded text", errors.New("api overloaded, try later"), true},
		{"net timeout", &net.DNSError{IsTimeout: true}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}
