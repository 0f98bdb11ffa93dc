package adapter_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirkobrombin/go-keylock/v1/adapter"
	lockerrors "github.com/mirkobrombin/go-keylock/v1/errors"
)

var errDown = errors.New("store down")

// switchable fails every call while down is set.
type switchable struct {
	*adapter.Memory
	down  bool
	calls int
}

func (s *switchable) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (adapter.SetResult, error) {
	s.calls++
	if s.down {
		return adapter.SetHeld, errDown
	}
	return s.Memory.SetIfAbsent(ctx, key, value, ttl)
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	inner := &switchable{Memory: adapter.NewMemory(), down: true}
	cb := adapter.NewCircuitBreaker(inner, 2, time.Hour)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := cb.SetIfAbsent(ctx, "k", "a", time.Second)
		require.ErrorIs(t, err, errDown)
	}
	assert.False(t, cb.IsHealthy())

	_, err := cb.SetIfAbsent(ctx, "k", "a", time.Second)
	require.ErrorIs(t, err, adapter.ErrCircuitOpen)
	require.ErrorIs(t, err, lockerrors.ErrStoreUnavailable)
	assert.Equal(t, 2, inner.calls, "open circuit must not reach the store")
}

func TestCircuitBreakerHeldIsNotAFailure(t *testing.T) {
	mem := adapter.NewMemory()
	cb := adapter.NewCircuitBreaker(mem, 1, time.Hour)
	ctx := context.Background()

	_, err := cb.SetIfAbsent(ctx, "k", "a", time.Second)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		res, err := cb.SetIfAbsent(ctx, "k", "b", time.Second)
		require.NoError(t, err)
		assert.Equal(t, adapter.SetHeld, res)
	}
	res, err := cb.DeleteIfEquals(ctx, "k", "b")
	require.NoError(t, err)
	assert.Equal(t, adapter.DeleteMismatch, res)
	assert.True(t, cb.IsHealthy())
}

func TestCircuitBreakerHalfOpenTrial(t *testing.T) {
	inner := &switchable{Memory: adapter.NewMemory(), down: true}
	cb := adapter.NewCircuitBreaker(inner, 1, 20*time.Millisecond)
	ctx := context.Background()

	_, err := cb.SetIfAbsent(ctx, "k", "a", time.Second)
	require.ErrorIs(t, err, errDown)
	_, err = cb.SetIfAbsent(ctx, "k", "a", time.Second)
	require.ErrorIs(t, err, adapter.ErrCircuitOpen)

	time.Sleep(30 * time.Millisecond)
	assert.True(t, cb.IsHealthy())
	inner.down = false
	res, err := cb.SetIfAbsent(ctx, "k", "a", time.Second)
	require.NoError(t, err)
	assert.Equal(t, adapter.SetGranted, res)

	_, err = cb.SetIfAbsent(ctx, "k", "b", time.Second)
	require.NoError(t, err, "successful trial call closes the circuit")
}

func TestCircuitBreakerExtend(t *testing.T) {
	ctx := context.Background()
	cb := adapter.NewCircuitBreaker(adapter.NewMemory(), 1, time.Hour)
	_, err := cb.SetIfAbsent(ctx, "k", "a", time.Second)
	require.NoError(t, err)
	ok, err := cb.ExtendIfEquals(ctx, "k", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	plain := adapter.NewCircuitBreaker(struct{ adapter.Primitives }{adapter.NewMemory()}, 1, time.Hour)
	_, err = plain.ExtendIfEquals(ctx, "k", "a", time.Second)
	require.ErrorIs(t, err, lockerrors.ErrUnsupported)
}

func TestCircuitBreakerHolder(t *testing.T) {
	ctx := context.Background()
	cb := adapter.NewCircuitBreaker(adapter.NewMemory(), 1, time.Hour)
	_, err := cb.SetIfAbsent(ctx, "k", "a", time.Second)
	require.NoError(t, err)

	var in adapter.Inspector = cb
	token, held, err := in.Holder(ctx, "k")
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, "a", token)

	plain := adapter.NewCircuitBreaker(struct{ adapter.Primitives }{adapter.NewMemory()}, 1, time.Hour)
	_, _, err = plain.Holder(ctx, "k")
	require.ErrorIs(t, err, lockerrors.ErrUnsupported)
}

func TestFairCircuitBreaker(t *testing.T) {
	testFairPrimitives(t, adapter.NewFairCircuitBreaker(adapter.NewMemory(), 3, time.Hour))
}
