package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

var errBackendDown = errors.New("connection reset by peer")

func newTestBreakers(threshold int) (*CircuitBreakers, *clock.Mock) {
	mock := clock.NewMock()
	return NewCircuitBreakers(CircuitBreakerConfig{FailureThreshold: threshold, Cooldown: 10 * time.Second}, mock), mock
}

func TestCircuitBreakers_StartsClosed(t *testing.T) {
	cb, _ := newTestBreakers(3)
	assert.NoError(t, cb.Allow("http.request"))
	assert.Equal(t, CircuitClosed, cb.State("http.request"))
}

func TestCircuitBreakers_OpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreakers(3)

	cb.Record("http.request", errBackendDown)
	cb.Record("http.request", errBackendDown)
	assert.Equal(t, CircuitClosed, cb.State("http.request"))

	cb.Record("http.request", errBackendDown)
	assert.Equal(t, CircuitOpen, cb.State("http.request"))

	err := cb.Allow("http.request")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeActionUnavailable, schema.CodeOf(err))
	assert.False(t, IsRetryableError(err))
}

func TestCircuitBreakers_IgnoresPermanentFailures(t *testing.T) {
	cb, _ := newTestBreakers(1)
	cb.Record("http.request", schema.NewError(schema.ErrCodeValidation, "url is required"))
	assert.Equal(t, CircuitClosed, cb.State("http.request"))
}

func TestCircuitBreakers_SuccessResetsFailures(t *testing.T) {
	cb, _ := newTestBreakers(3)
	cb.Record("a", errBackendDown)
	cb.Record("a", errBackendDown)
	cb.Record("a", nil)
	cb.Record("a", errBackendDown)
	cb.Record("a", errBackendDown)
	assert.Equal(t, CircuitClosed, cb.State("a"))
}

func TestCircuitBreakers_HalfOpenProbe(t *testing.T) {
	cb, mock := newTestBreakers(1)
	cb.Record("a", errBackendDown)
	require.Error(t, cb.Allow("a"))

	mock.Add(10 * time.Second)
	assert.Equal(t, CircuitHalfOpen, cb.State("a"))

	// One probe at a time.
	require.NoError(t, cb.Allow("a"))
	assert.Error(t, cb.Allow("a"))

	cb.Record("a", nil)
	assert.Equal(t, CircuitClosed, cb.State("a"))
	assert.NoError(t, cb.Allow("a"))
}

func TestCircuitBreakers_FailedProbeReopens(t *testing.T) {
	cb, mock := newTestBreakers(2)
	cb.Record("a", errBackendDown)
	cb.Record("a", errBackendDown)

	mock.Add(11 * time.Second)
	require.NoError(t, cb.Allow("a"))
	cb.Record("a", errBackendDown)

	assert.Equal(t, CircuitOpen, cb.State("a"))
	assert.Error(t, cb.Allow("a"))
}

func TestCircuitBreakers_PerAction(t *testing.T) {
	cb, _ := newTestBreakers(1)
	cb.Record("a", errBackendDown)
	assert.Error(t, cb.Allow("a"))
	assert.NoError(t, cb.Allow("b"))
}

func TestCircuitBreakers_DisabledAndNil(t *testing.T) {
	cb, _ := newTestBreakers(0)
	cb.Record("a", errBackendDown)
	assert.NoError(t, cb.Allow("a"))

	var none *CircuitBreakers
	none.Record("a", errBackendDown)
	assert.NoError(t, none.Allow("a"))
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half_open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(9).String())
}
