package postgrest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_Recovers(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Enabled:             true,
		FailureThreshold:    2,
		RecoveryTimeout:     time.Second,
		HalfOpenMaxRequests: 2,
	})
	cb.now = func() time.Time { return now }

	cb.Record(false)
	require.NoError(t, cb.Allow())
	cb.Record(false)
	require.Equal(t, "open", cb.State())
	require.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	now = now.Add(time.Second)
	require.NoError(t, cb.Allow())
	require.Equal(t, "half-open", cb.State())

	cb.Record(true)
	require.Equal(t, "half-open", cb.State())
	cb.Record(true)
	require.Equal(t, "closed", cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker(CircuitBreakerConfig{Enabled: true, FailureThreshold: 1, RecoveryTimeout: time.Second})
	cb.now = func() time.Time { return now }

	cb.Record(false)
	now = now.Add(time.Second)
	require.NoError(t, cb.Allow())

	cb.Record(false)
	require.Equal(t, "open", cb.State())
	require.ErrorIs(t, cb.Allow(), ErrCircuitOpen)
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Enabled: true, FailureThreshold: 2})

	cb.Record(false)
	cb.Record(true)
	cb.Record(false)
	require.Equal(t, "closed", cb.State())
}

func TestCircuitBreaker_Disabled(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1})
	for i := 0; i < 5; i++ {
		cb.Record(false)
	}
	require.NoError(t, cb.Allow())
	require.Equal(t, "closed", cb.State())
}
