package circuitbreaker

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	cb := New(&Config{
		Name:        "t",
		MaxRequests: 1,
		Timeout:     0,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 3 },
	})

	failing := func() (interface{}, error) { return nil, errors.New("boom") }
	for i := 0; i < 3; i++ {
		_, _ = cb.Execute(failing)
	}

	assert.Equal(t, StateOpen, cb.State())
	_, err := cb.Execute(func() (interface{}, error) { return "ok", nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	cb := New(&Config{
		Name:        "t",
		MaxRequests: 1,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 3 },
	})

	_, _ = cb.Execute(func() (interface{}, error) { return nil, errors.New("boom") })
	_, _ = cb.Execute(func() (interface{}, error) { return "ok", nil })
	_, _ = cb.Execute(func() (interface{}, error) { return nil, errors.New("boom") })

	assert.Equal(t, StateClosed, cb.State())
}

func TestSessionBreakers_TripsAfterFiveConsecutiveTransportFailures(t *testing.T) {
	breakers := NewSessionBreakers()
	cb := breakers.For("evt-1", "cards")

	for i := 0; i < 5; i++ {
		_, _ = cb.Execute(func() (interface{}, error) { return nil, errors.New("transient") })
	}

	assert.Equal(t, StateOpen, cb.State())
	status, details := breakers.HealthStatus()
	assert.Equal(t, "DEGRADED", status)
	assert.Equal(t, "OPEN", details["evt-1/cards"])
}

func TestSessionBreakers_SeparateBreakerPerEventAgentPair(t *testing.T) {
	breakers := NewSessionBreakers()
	cardsCB := breakers.For("evt-1", "cards")
	factsCB := breakers.For("evt-1", "facts")
	require.NotSame(t, cardsCB, factsCB)

	for i := 0; i < 5; i++ {
		_, _ = cardsCB.Execute(func() (interface{}, error) { return nil, errors.New("transient") })
	}

	assert.Equal(t, StateOpen, cardsCB.State())
	assert.Equal(t, StateClosed, factsCB.State())
}

func TestExecuteWithFallback_UsesFallbackWhenCircuitOpen(t *testing.T) {
	cb := New(&Config{
		Name:        "t",
		MaxRequests: 1,
		Timeout:     0,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 1 },
	})
	_, _ = cb.Execute(func() (interface{}, error) { return nil, errors.New("boom") })

	result, err := ExecuteWithFallback(cb,
		func() (string, error) { return "primary", nil },
		func(error) (string, error) { return "fallback", nil },
	)
	require.NoError(t, err)
	assert.Equal(t, "fallback", result)
}
