package adapter_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirkobrombin/go-keylock/v1/adapter"
)

// testPrimitives checks the behaviour every backend must share. expire makes
// the lease of key run out, however the backend measures time.
func testPrimitives(t *testing.T, p adapter.Primitives, expire func(key string)) {
	ctx := context.Background()

	t.Run("SetIfAbsent", func(t *testing.T) {
		res, err := p.SetIfAbsent(ctx, "set", "a", time.Second)
		require.NoError(t, err)
		assert.Equal(t, adapter.SetGranted, res)

		res, err = p.SetIfAbsent(ctx, "set", "b", time.Second)
		require.NoError(t, err)
		assert.Equal(t, adapter.SetHeld, res)

		res, err = p.SetIfAbsent(ctx, "set", "a", time.Second)
		require.NoError(t, err)
		assert.Equal(t, adapter.SetGranted, res, "same value must refresh")
	})

	t.Run("DeleteIfEquals", func(t *testing.T) {
		_, err := p.SetIfAbsent(ctx, "del", "a", time.Second)
		require.NoError(t, err)

		res, err := p.DeleteIfEquals(ctx, "del", "b")
		require.NoError(t, err)
		assert.Equal(t, adapter.DeleteMismatch, res)

		res, err = p.DeleteIfEquals(ctx, "del", "a")
		require.NoError(t, err)
		assert.Equal(t, adapter.Deleted, res)

		res, err = p.DeleteIfEquals(ctx, "del", "a")
		require.NoError(t, err)
		assert.Equal(t, adapter.DeleteMismatch, res)

		res, err = p.DeleteIfEquals(ctx, "absent", "a")
		require.NoError(t, err)
		assert.Equal(t, adapter.DeleteMismatch, res)
	})

	t.Run("Expiry", func(t *testing.T) {
		_, err := p.SetIfAbsent(ctx, "exp", "a", time.Second)
		require.NoError(t, err)
		expire("exp")

		res, err := p.SetIfAbsent(ctx, "exp", "b", time.Second)
		require.NoError(t, err)
		assert.Equal(t, adapter.SetGranted, res)

		del, err := p.DeleteIfEquals(ctx, "exp", "a")
		require.NoError(t, err)
		assert.Equal(t, adapter.DeleteMismatch, del, "stale token must not delete the new lease")

		del, err = p.DeleteIfEquals(ctx, "exp", "b")
		require.NoError(t, err)
		assert.Equal(t, adapter.Deleted, del)
	})

	if in, ok := p.(adapter.Inspector); ok {
		t.Run("Holder", func(t *testing.T) {
			_, found, err := in.Holder(ctx, "who")
			require.NoError(t, err)
			assert.False(t, found)

			_, err = p.SetIfAbsent(ctx, "who", "a", time.Second)
			require.NoError(t, err)
			v, found, err := in.Holder(ctx, "who")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, "a", v)

			expire("who")
			_, found, err = in.Holder(ctx, "who")
			require.NoError(t, err)
			assert.False(t, found)
		})
	}

	ext, ok := p.(adapter.Extender)
	if !ok {
		return
	}
	t.Run("ExtendIfEquals", func(t *testing.T) {
		_, err := p.SetIfAbsent(ctx, "ext", "a", time.Second)
		require.NoError(t, err)

		extended, err := ext.ExtendIfEquals(ctx, "ext", "b", time.Second)
		require.NoError(t, err)
		assert.False(t, extended)

		extended, err = ext.ExtendIfEquals(ctx, "ext", "a", time.Second)
		require.NoError(t, err)
		assert.True(t, extended)

		expire("ext")
		extended, err = ext.ExtendIfEquals(ctx, "ext", "a", time.Second)
		require.NoError(t, err)
		assert.False(t, extended)
	})
}

// testFairPrimitives checks the FIFO queue contract.
func testFairPrimitives(t *testing.T, p adapter.FairPrimitives) {
	ctx := context.Background()
	const waiterTTL = time.Minute

	t.Run("HeadOnly", func(t *testing.T) {
		require.NoError(t, p.Enqueue(ctx, "fifo", "w1", waiterTTL))
		require.NoError(t, p.Enqueue(ctx, "fifo", "w2", waiterTTL))
		require.NoError(t, p.Enqueue(ctx, "fifo", "w1", waiterTTL), "re-enqueue keeps position")

		res, err := p.AcquireIfHead(ctx, "fifo", "w2", time.Second, waiterTTL)
		require.NoError(t, err)
		assert.Equal(t, adapter.SetHeld, res)

		res, err = p.AcquireIfHead(ctx, "fifo", "w1", time.Second, waiterTTL)
		require.NoError(t, err)
		assert.Equal(t, adapter.SetGranted, res)

		res, err = p.AcquireIfHead(ctx, "fifo", "w2", time.Second, waiterTTL)
		require.NoError(t, err)
		assert.Equal(t, adapter.SetHeld, res, "lease still held by w1")

		del, err := p.DeleteIfEquals(ctx, "fifo", "w1")
		require.NoError(t, err)
		assert.Equal(t, adapter.Deleted, del)

		res, err = p.AcquireIfHead(ctx, "fifo", "w2", time.Second, waiterTTL)
		require.NoError(t, err)
		assert.Equal(t, adapter.SetGranted, res)
	})

	t.Run("Dequeue", func(t *testing.T) {
		require.NoError(t, p.Enqueue(ctx, "deq", "w1", waiterTTL))
		require.NoError(t, p.Enqueue(ctx, "deq", "w2", waiterTTL))
		require.NoError(t, p.Dequeue(ctx, "deq", "w1"))
		require.NoError(t, p.Dequeue(ctx, "deq", "missing"))

		res, err := p.AcquireIfHead(ctx, "deq", "w2", time.Second, waiterTTL)
		require.NoError(t, err)
		assert.Equal(t, adapter.SetGranted, res)
	})

	t.Run("HolderRetryIsGranted", func(t *testing.T) {
		res, err := p.AcquireIfHead(ctx, "again", "w1", time.Second, waiterTTL)
		require.NoError(t, err)
		require.Equal(t, adapter.SetGranted, res)
		require.NoError(t, p.Enqueue(ctx, "again", "w2", waiterTTL))

		res, err = p.AcquireIfHead(ctx, "again", "w1", time.Second, waiterTTL)
		require.NoError(t, err)
		assert.Equal(t, adapter.SetGranted, res, "the holder's retry is granted")

		del, err := p.DeleteIfEquals(ctx, "again", "w1")
		require.NoError(t, err)
		require.Equal(t, adapter.Deleted, del)
		res, err = p.AcquireIfHead(ctx, "again", "w2", time.Second, waiterTTL)
		require.NoError(t, err)
		assert.Equal(t, adapter.SetGranted, res, "w2 is head, the holder was not requeued ahead of it")
	})

	t.Run("AutoEnroll", func(t *testing.T) {
		res, err := p.AcquireIfHead(ctx, "auto", "w1", time.Second, waiterTTL)
		require.NoError(t, err)
		assert.Equal(t, adapter.SetGranted, res)

		res, err = p.AcquireIfHead(ctx, "auto", "w2", time.Second, waiterTTL)
		require.NoError(t, err)
		assert.Equal(t, adapter.SetHeld, res)
		require.NoError(t, p.Dequeue(ctx, "auto", "w2"))
	})
}
