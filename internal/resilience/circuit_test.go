package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBreaker(threshold int, reset time.Duration) (*CircuitBreaker, *time.Time) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: threshold,
		ResetTimeout:     reset,
	})
	cb.nowFunc = func() time.Time { return now }
	return cb, &now
}

func TestCircuitOpensAfterThreshold(t *testing.T) {
	cb, _ := testBreaker(3, time.Minute)
	boom := eris.New("provider down")

	for i := 0; i < 3; i++ {
		err := cb.Execute(context.Background(), func(ctx context.Context) error { return boom })
		require.Error(t, err)
	}
	assert.Equal(t, CircuitOpen, cb.State())

	// Next call is rejected without invoking fn.
	called := false
	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrCircuitOpen))
	assert.False(t, called)
}

func TestCircuitHalfOpenProbe(t *testing.T) {
	cb, now := testBreaker(1, time.Minute)

	require.Error(t, cb.Execute(context.Background(), func(ctx context.Context) error {
		return eris.New("fail")
	}))
	assert.Equal(t, CircuitOpen, cb.State())

	*now = now.Add(2 * time.Minute)
	assert.Equal(t, CircuitHalfOpen, cb.State())

	// Successful probe closes the circuit.
	require.NoError(t, cb.Execute(context.Background(), func(ctx context.Context) error { return nil }))
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitFailedProbeReopens(t *testing.T) {
	cb, now := testBreaker(1, time.Minute)

	require.Error(t, cb.Execute(context.Background(), func(ctx context.Context) error {
		return eris.New("fail")
	}))
	*now = now.Add(2 * time.Minute)

	require.Error(t, cb.Execute(context.Background(), func(ctx context.Context) error {
		return eris.New("still failing")
	}))
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitSuccessResetsCounter(t *testing.T) {
	cb, _ := testBreaker(3, time.Minute)
	boom := eris.New("fail")

	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return boom })
	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return boom })
	require.NoError(t, cb.Execute(context.Background(), func(ctx context.Context) error { return nil }))

	// Two more failures stay under the threshold after the reset.
	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return boom })
	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return boom })
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitShouldTripFilter(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		ShouldTrip:       IsTransient,
	})

	// Permanent errors pass through without tripping.
	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		return eris.New("validation failed")
	})
	require.Error(t, err)
	assert.Equal(t, CircuitClosed, cb.State())

	err = cb.Execute(context.Background(), func(ctx context.Context) error {
		return NewTransientError(eris.New("503"), 503)
	})
	require.Error(t, err)
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestExecuteValPreservesValue(t *testing.T) {
	cb, _ := testBreaker(3, time.Minute)

	val, err := ExecuteVal(context.Background(), cb, func(ctx context.Context) (string, error) {
		return "payload", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "payload", val)
}

func TestCircuitStateChangeCallback(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		OnStateChange: func(from, to CircuitState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return eris.New("x") })
	cb.Reset()
	assert.Equal(t, []string{"closed->open", "open->closed"}, transitions)
}
