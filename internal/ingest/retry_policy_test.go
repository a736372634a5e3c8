package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExponentialRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(3)

	require.False(t, p.ShouldRetry(nil, 0), "nil error is never retried")
	require.True(t, p.ShouldRetry(errors.New("boom"), 0))
	require.True(t, p.ShouldRetry(errors.New("boom"), 2))
	require.False(t, p.ShouldRetry(errors.New("boom"), 3), "attempt bound reached")
	require.False(t, p.ShouldRetry(context.Canceled, 0))
	require.False(t, p.ShouldRetry(context.DeadlineExceeded, 0))
}

func TestExponentialRetryPolicyBackoff(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(5)

	prevMax := time.Duration(0)
	for attempt := 0; attempt < 5; attempt++ {
		d := p.Backoff(attempt)
		require.Positive(t, d)
		require.LessOrEqual(t, d, 5*time.Second+time.Millisecond)
		if attempt >= 2 {
			// With jitter the floor is half the exponential delay, so later
			// attempts always outlast the first attempt's ceiling.
			require.Greater(t, d, prevMax/4)
		}
		if d > prevMax {
			prevMax = d
		}
	}
}

func TestNewExponentialRetryPolicyDefaults(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(0)
	require.Equal(t, 3, p.MaxAttempts())
}
