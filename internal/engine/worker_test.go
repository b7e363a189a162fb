package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t4p4s-go/async-crypto-core/internal/audit"
	"github.com/t4p4s-go/async-crypto-core/internal/config"
	"github.com/t4p4s-go/async-crypto-core/internal/cryptodev/fakenode"
	"github.com/t4p4s-go/async-crypto-core/internal/fiber"
	"github.com/t4p4s-go/async-crypto-core/internal/packet"
	"github.com/t4p4s-go/async-crypto-core/internal/pipeline"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Crypto.BurstSize = 2
	cfg.Fiber.ContextPoolCapacity = 4
	cfg.Async.QueueCapacity = 16
	cfg.Crypto.FailurePolicy = config.PolicyDrop
	return cfg
}

func testStorage(t *testing.T, cfg *config.Config) *Storage {
	t.Helper()
	st := InitStorage(cfg, 2048, 16, func(reason string) { t.Fatal(reason) })
	require.NotNil(t, st)
	return st
}

func newTestPacket(payload string) *packet.Descriptor {
	return &packet.Descriptor{Buf: packet.NewBufferFromBytes([]byte(payload), 16, 16)}
}

func TestInitStorageValidatesConfig(t *testing.T) {
	cfg := testConfig()
	st := InitStorage(cfg, 2048, 128, nil)
	require.NotNil(t, st)
	require.NotNil(t, st.Buffers)
	require.NotNil(t, st.Fibers)
	require.NotNil(t, st.Ops)
	assert.Equal(t, cfg.Fiber.ContextPoolCapacity, st.Fibers.Capacity())

	var fatalReason string
	bad := testConfig()
	bad.Crypto.BurstSize = 0
	InitStorage(bad, 2048, 128, func(reason string) { fatalReason = reason })
	assert.Contains(t, fatalReason, "burst size")
}

func TestWorkerTickSuspendsBatchesAndEmits(t *testing.T) {
	device := fakenode.NewDevice(8, 0)
	defer device.Close()

	cfg := testConfig()
	emitted := make(chan *packet.Descriptor, 2)
	rx := NewChannelSource(4)
	w := NewWorker("core-0", rx, &emittingCallbacks{emitted: emitted}, cfg, testStorage(t, cfg), device, nil, audit.NewSampler(audit.NewLogger(16, nil), time.Second))

	require.True(t, rx.Push(newTestPacket("payload-one")))
	require.True(t, rx.Push(newTestPacket("payload-two")))

	// Each Tick parks at most one packet and then runs one batcher
	// cycle; the fake device completes ops asynchronously, so keep
	// ticking until both packets have been resumed and emitted.
	require.Eventually(t, func() bool {
		w.Tick()
		return len(emitted) == 2
	}, 2*time.Second, 5*time.Millisecond)

	stats := w.Stats()
	assert.EqualValues(t, 2, stats.PacketsTotal)
	assert.EqualValues(t, 0, stats.PacketsDropped)

	close(emitted)
	for got := range emitted {
		assert.Equal(t, byte('p')^0xA5, got.Buf.Bytes()[0])
	}
}

func TestWorkerFallsBackToBlockingWhenFiberPoolExhausted(t *testing.T) {
	device := fakenode.NewDevice(8, 0)
	defer device.Close()

	cfg := testConfig()
	cfg.Fiber.ContextPoolCapacity = 1

	emitted := make(chan *packet.Descriptor, 1)
	rx := NewChannelSource(2)
	w := NewWorker("core-0", rx, &emittingCallbacks{emitted: emitted}, cfg, testStorage(t, cfg), device, nil, nil)

	// Drain the single fiber slot so the next packet must take the
	// blocking fallback.
	require.NoError(t, w.Pool.Acquire())

	require.True(t, rx.Push(newTestPacket("payload")))
	w.Tick()

	select {
	case got := <-emitted:
		assert.Equal(t, packet.StateDone, got.State)
		assert.Equal(t, []byte("payload")[0]^0xA5, got.Buf.Bytes()[0])
	case <-time.After(2 * time.Second):
		t.Fatal("packet never emitted via blocking fallback")
	}

	assert.EqualValues(t, 1, w.Stats().BlockingSyncOpsUsed)
}

// Two workers draw from the same process-wide fiber pool: exhausting it
// through one core leaves nothing for the other.
func TestWorkersShareProcessWideFiberPool(t *testing.T) {
	device := fakenode.NewDevice(8, 0)
	defer device.Close()

	cfg := testConfig()
	cfg.Fiber.ContextPoolCapacity = 1
	st := testStorage(t, cfg)

	w1 := NewWorker("core-0", NewChannelSource(2), &emittingCallbacks{emitted: make(chan *packet.Descriptor, 1)}, cfg, st, device, nil, nil)
	w2 := NewWorker("core-1", NewChannelSource(2), &emittingCallbacks{emitted: make(chan *packet.Descriptor, 1)}, cfg, st, device, nil, nil)
	assert.Same(t, w1.Pool, w2.Pool)

	require.NoError(t, w1.Pool.Acquire())
	assert.ErrorIs(t, w2.Pool.Acquire(), fiber.ErrNoContextAvailable)
}

func TestWorkerForceBlockingEveryNBypassesFibers(t *testing.T) {
	device := fakenode.NewDevice(8, 0)
	defer device.Close()

	cfg := testConfig()
	cfg.Fiber.ForceBlockingEveryN = 1

	emitted := make(chan *packet.Descriptor, 1)
	rx := NewChannelSource(2)
	w := NewWorker("core-0", rx, &emittingCallbacks{emitted: emitted}, cfg, testStorage(t, cfg), device, nil, nil)

	require.True(t, rx.Push(newTestPacket("payload")))
	w.Tick()

	select {
	case <-emitted:
	case <-time.After(2 * time.Second):
		t.Fatal("packet never emitted via forced blocking path")
	}
	assert.EqualValues(t, 1, w.Stats().BlockingSyncOpsUsed)
	assert.Equal(t, w.Pool.Capacity(), w.Pool.Available()) // fiber pool untouched
}

func TestWorkerAsyncModeOffUsesOnlyBlockingPath(t *testing.T) {
	device := fakenode.NewDevice(8, 0)
	defer device.Close()

	cfg := testConfig()
	cfg.Async.Enabled = false

	emitted := make(chan *packet.Descriptor, 1)
	rx := NewChannelSource(2)
	w := NewWorker("core-0", rx, &emittingCallbacks{emitted: emitted}, cfg, testStorage(t, cfg), device, nil, nil)

	require.True(t, rx.Push(newTestPacket("payload")))
	w.Tick()

	select {
	case got := <-emitted:
		assert.Equal(t, packet.StateDone, got.State)
	case <-time.After(2 * time.Second):
		t.Fatal("packet never emitted with async mode off")
	}
	assert.EqualValues(t, 1, w.Stats().BlockingSyncOpsUsed)
	assert.Equal(t, w.Pool.Capacity(), w.Pool.Available())
}

type emittingCallbacks struct {
	emitted chan *packet.Descriptor
}

func (c *emittingCallbacks) InitHeaders(d *packet.Descriptor) {}
func (c *emittingCallbacks) Parse(d *packet.Descriptor) error { return nil }
func (c *emittingCallbacks) MatchAction(d *packet.Descriptor, async pipeline.AsyncOps) error {
	return async.DoAsyncOp(pipeline.CryptoRequest{Op: pipeline.OpEncrypt, KeyID: "k1"})
}
func (c *emittingCallbacks) Deparse(d *packet.Descriptor) error { return nil }
func (c *emittingCallbacks) EmitPacket(d *packet.Descriptor) error {
	c.emitted <- d
	return nil
}
