package batcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t4p4s-go/async-crypto-core/internal/asyncqueue"
	"github.com/t4p4s-go/async-crypto-core/internal/config"
	"github.com/t4p4s-go/async-crypto-core/internal/cryptodev"
	"github.com/t4p4s-go/async-crypto-core/internal/cryptodev/fakenode"
	"github.com/t4p4s-go/async-crypto-core/internal/fiber"
)

func TestTickDequeuesSubmitsAndResumes(t *testing.T) {
	device := fakenode.NewDevice(8, 0)
	defer device.Close()
	queue := asyncqueue.New(8)
	b := New(device, queue, 4, config.PolicyDrop)

	resumed := make(chan cryptodev.Completion, 4)
	for i := 0; i < 4; i++ {
		require.NoError(t, queue.Enqueue(&asyncqueue.Op{
			Request: cryptodev.Request{Data: []byte("payload"), Token: uint64(i + 1)},
			Resume:  func(c cryptodev.Completion) { resumed <- c },
		}))
	}

	pool := fiber.NewPool(2)
	res := b.Tick(pool)
	assert.Equal(t, 4, res.OpsDequeued)
	assert.Equal(t, 4, res.OpsEnqueued)

	require.Eventually(t, func() bool {
		res := b.Tick(pool)
		return res.Completions == 4
	}, time.Second, 5*time.Millisecond)

	for i := 0; i < 4; i++ {
		select {
		case c := <-resumed:
			assert.Equal(t, cryptodev.StatusSuccess, c.Status)
		case <-time.After(time.Second):
			t.Fatal("op was never resumed")
		}
	}
}

// TestTickBelowBurstThresholdNoDispatch covers the §8 boundary behavior:
// submitting fewer than BurstSize ops causes no dispatch that iteration.
func TestTickBelowBurstThresholdNoDispatch(t *testing.T) {
	device := fakenode.NewDevice(8, 0)
	defer device.Close()
	queue := asyncqueue.New(8)
	b := New(device, queue, 4, config.PolicyDrop)

	for i := 0; i < 3; i++ {
		require.NoError(t, queue.Enqueue(&asyncqueue.Op{
			Request: cryptodev.Request{Data: []byte("payload"), Token: uint64(i + 1)},
			Resume:  func(cryptodev.Completion) {},
		}))
	}

	res := b.Tick(fiber.NewPool(2))
	assert.Equal(t, 0, res.OpsDequeued)
	assert.Equal(t, 3, queue.Len())
}

func TestTickReclaimsFreedContexts(t *testing.T) {
	device := fakenode.NewDevice(8, 0)
	defer device.Close()
	// Burst size 1 so a single released slot meets phase A's threshold.
	b := New(device, asyncqueue.New(8), 1, config.PolicyDrop)

	pool := fiber.NewPool(2)
	require.NoError(t, pool.Acquire())
	pool.ReleaseCrossCore()

	res := b.Tick(pool)
	assert.Equal(t, 1, res.ContextsReclaimed)
}

// TestTickBelowReclaimThresholdNoDispatch covers the same burst-gating
// boundary as TestTickBelowBurstThresholdNoDispatch, but for phase A:
// fewer than BurstSize freed slots in the cross-core ring must not be
// reclaimed this tick.
func TestTickBelowReclaimThresholdNoDispatch(t *testing.T) {
	device := fakenode.NewDevice(8, 0)
	defer device.Close()
	b := New(device, asyncqueue.New(8), 4, config.PolicyDrop)

	pool := fiber.NewPool(4)
	require.NoError(t, pool.Acquire())
	require.NoError(t, pool.Acquire())
	pool.ReleaseCrossCore()
	pool.ReleaseCrossCore()

	res := b.Tick(pool)
	assert.Equal(t, 0, res.ContextsReclaimed)
	assert.Equal(t, 2, pool.PendingFree())
}

func TestDoBlockingSyncOpWaitsForCompletion(t *testing.T) {
	device := fakenode.NewDevice(4, 0)
	defer device.Close()
	b := New(device, asyncqueue.New(8), 4, config.PolicyDrop)

	c, err := b.DoBlockingSyncOp(cryptodev.Request{Data: []byte("x"), Token: 77}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(77), c.Token)
	assert.Equal(t, cryptodev.StatusSuccess, c.Status)
}

// A blocking spin that drains another packet's completion from the shared
// device must route it to that packet's Resume instead of dropping it.
func TestDoBlockingSyncOpRoutesForeignCompletions(t *testing.T) {
	device := fakenode.NewDevice(8, 0)
	defer device.Close()
	queue := asyncqueue.New(8)
	b := New(device, queue, 2, config.PolicyDrop)

	resumed := make(chan cryptodev.Completion, 2)
	for i := 0; i < 2; i++ {
		require.NoError(t, queue.Enqueue(&asyncqueue.Op{
			Request: cryptodev.Request{Data: []byte("async"), Token: uint64(i + 1)},
			Resume:  func(c cryptodev.Completion) { resumed <- c },
		}))
	}
	res := b.Tick(nil)
	require.Equal(t, 2, res.OpsEnqueued)

	c, err := b.DoBlockingSyncOp(cryptodev.Request{Data: []byte("sync"), Token: 99}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(99), c.Token)

	for i := 0; i < 2; i++ {
		select {
		case fc := <-resumed:
			assert.Equal(t, cryptodev.StatusSuccess, fc.Status)
		case <-time.After(time.Second):
			t.Fatal("async op drained by the blocking spin was never resumed")
		}
	}
	assert.Equal(t, 0, b.Pending())
}

func TestAbortFuncCalledOnDescriptorExhaustion(t *testing.T) {
	device := fakenode.NewDevice(1, 0)
	defer device.Close()
	queue := asyncqueue.New(8)
	for i := 0; i < 2; i++ {
		require.NoError(t, queue.Enqueue(&asyncqueue.Op{Request: cryptodev.Request{Token: uint64(i + 1)}, Resume: func(cryptodev.Completion) {}}))
	}

	b := New(device, queue, 2, config.PolicyAbort)
	aborted := make(chan string, 1)
	b.AbortFunc = func(reason string) { aborted <- reason }

	b.Tick(nil)

	select {
	case <-aborted:
	case <-time.After(time.Second):
		t.Fatal("expected AbortFunc to be called on descriptor exhaustion")
	}
}
