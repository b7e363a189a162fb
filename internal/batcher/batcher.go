// Package batcher drives the crypto device in bursts: free drained
// contexts, dequeue and submit pending ops, drain completions and resume
// their packets.
package batcher

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/t4p4s-go/async-crypto-core/internal/asyncqueue"
	"github.com/t4p4s-go/async-crypto-core/internal/config"
	"github.com/t4p4s-go/async-crypto-core/internal/cryptodev"
	"github.com/t4p4s-go/async-crypto-core/internal/debug"
	"github.com/t4p4s-go/async-crypto-core/internal/fiber"
	"github.com/t4p4s-go/async-crypto-core/internal/metrics"
)

// TickResult summarizes one Tick's work for metrics export.
type TickResult struct {
	ContextsReclaimed int
	OpsDequeued       int
	OpsEnqueued       int
	OpsRequeued       int
	OpsDroppedFull    int
	Completions       int
}

// Batcher drives one crypto device from one worker core's pending-op
// queue. Each worker builds its own Batcher and queue; the device itself
// may be shared between workers.
type Batcher struct {
	Device    cryptodev.Device
	Queue     *asyncqueue.Queue
	BurstSize int

	FailurePolicy config.CryptoFailurePolicy
	// AbortFunc is called when BulkAlloc reports descriptor exhaustion,
	// which is unrecoverable within a tick.
	AbortFunc func(reason string)

	// Ops, if set, receives completed op records back for recycling.
	Ops *asyncqueue.OpPool

	// Metrics, if set, records each completed op's latency and status.
	Metrics *metrics.Metrics
	// Tracer, if set, opens a span around each op's device round-trip so
	// its trace ID can be attached to the latency histogram as an
	// exemplar.
	Tracer trace.Tracer

	mu       sync.Mutex
	inFlight map[uint64]inFlightOp
}

type inFlightOp struct {
	op          *asyncqueue.Op
	submittedAt time.Time
	ctx         context.Context
	span        trace.Span
}

// New creates a Batcher with the given burst size.
func New(device cryptodev.Device, queue *asyncqueue.Queue, burstSize int, policy config.CryptoFailurePolicy) *Batcher {
	if burstSize <= 0 {
		burstSize = 32
	}
	return &Batcher{
		Device:        device,
		Queue:         queue,
		BurstSize:     burstSize,
		FailurePolicy: policy,
		AbortFunc:     func(reason string) { logrus.Fatal(reason) },
		inFlight:      make(map[uint64]inFlightOp),
	}
}

// Tick runs one batcher cycle: (A) reclaim freed fiber contexts, (B)
// dequeue pending ops and submit them to the device, (C) drain device
// completions and resume their packets.
func (b *Batcher) Tick(pool *fiber.Pool) TickResult {
	var res TickResult

	// Phase A: free drained contexts from the cross-core ring. Only
	// fires once a full burst of freed slots is waiting, the same
	// amortize-the-round-trip rationale as phases B and C.
	if pool != nil && pool.PendingFree() >= b.BurstSize {
		res.ContextsReclaimed = pool.ReclaimFreed(b.BurstSize)
	}

	// Phase B: dequeue pending ops and submit to the device. Only fires
	// once a full burst is pending; a sub-burst residue waits for the
	// next tick rather than trickling ops to the device one at a time.
	var ops []*asyncqueue.Op
	if b.Queue.Len() >= b.BurstSize {
		ops = b.Queue.DequeueBurst(b.BurstSize)
	}
	res.OpsDequeued = len(ops)
	if len(ops) > 0 {
		descs, err := b.Device.BulkAlloc(len(ops))
		if err != nil {
			b.AbortFunc("batcher: crypto device descriptor pool exhausted")
			return res
		}
		reqs := make([]cryptodev.Request, len(ops))
		for i, op := range ops {
			reqs[i] = op.Request
		}

		accepted, err := b.Device.EnqueueBurst(descs, reqs)
		if err != nil {
			b.AbortFunc("batcher: crypto device enqueue failed: " + err.Error())
			return res
		}
		res.OpsEnqueued = accepted

		b.mu.Lock()
		for i := 0; i < accepted; i++ {
			entry := inFlightOp{op: ops[i], submittedAt: time.Now(), ctx: context.Background()}
			if b.Tracer != nil {
				entry.ctx, entry.span = b.Tracer.Start(entry.ctx, "crypto_op")
			}
			b.inFlight[ops[i].Request.Token] = entry
		}
		b.mu.Unlock()

		// Partial enqueue is not fatal: requeue what the device didn't
		// accept this tick for a retry on the next one.
		for i := accepted; i < len(ops); i++ {
			if err := b.Queue.Enqueue(ops[i]); err != nil {
				res.OpsDroppedFull++
				ops[i].Resume(cryptodev.Completion{
					Token:  ops[i].Request.Token,
					Status: cryptodev.StatusDeviceError,
					Err:    asyncqueue.ErrQueueFull,
				})
				b.releaseOp(ops[i])
				continue
			}
			res.OpsRequeued++
		}
	}

	// Phase C: drain completions and resume their packets. Only fires
	// once a full burst is pending at the device, mirroring phase B's
	// gating.
	if b.Pending() >= b.BurstSize {
		completions, err := b.Device.DequeueBurst(b.BurstSize)
		if err != nil {
			b.AbortFunc("batcher: crypto device dequeue failed: " + err.Error())
			return res
		}
		res.Completions = len(completions)
		for _, c := range completions {
			b.ResumePacketHandling(c)
		}
	}

	if debug.Enabled() {
		logrus.WithFields(logrus.Fields{
			"contexts_reclaimed": res.ContextsReclaimed,
			"ops_dequeued":       res.OpsDequeued,
			"ops_enqueued":       res.OpsEnqueued,
			"ops_requeued":       res.OpsRequeued,
			"ops_dropped_full":   res.OpsDroppedFull,
			"completions":        res.Completions,
			"pending":            b.Pending(),
		}).Debug("batcher: tick")
	}

	return res
}

// Pending reports how many ops are currently in flight at the device.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inFlight)
}

// ResumePacketHandling looks up the op tracked for c.Token and invokes its
// Resume callback, handing control to the suspended fiber goroutine; it
// returns once that packet has parked again or finished, then recycles
// the op record. Safe to call even for a token this Batcher never tracked
// (a no-op), which can happen if the op was processed by DoBlockingSyncOp
// instead.
func (b *Batcher) ResumePacketHandling(c cryptodev.Completion) {
	b.mu.Lock()
	entry, ok := b.inFlight[c.Token]
	if ok {
		delete(b.inFlight, c.Token)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	if b.Metrics != nil {
		opLabel := "encrypt"
		if entry.op.Request.Op == cryptodev.OpDecrypt {
			opLabel = "decrypt"
		}
		b.Metrics.RecordCryptoOp(entry.ctx, opLabel, time.Since(entry.submittedAt), c.Status.String(), c.Status == cryptodev.StatusSuccess)
	}
	if entry.span != nil {
		entry.span.End()
	}

	entry.op.Resume(c)
	b.releaseOp(entry.op)
}

func (b *Batcher) releaseOp(op *asyncqueue.Op) {
	if b.Ops != nil {
		b.Ops.Put(op)
	}
}

// DoBlockingSyncOp submits req directly to the device and spin-waits for
// its completion, bypassing the pending queue and fiber suspension
// entirely. Used when the fiber pool is exhausted (fiber.ErrNoContextAvailable)
// and a packet cannot be suspended. The spin shares the device's completion
// stream with the async path, so any other packet's completion drained
// while waiting is handed to ResumePacketHandling rather than lost.
// Returns the completion or an error if timeout elapses first.
func (b *Batcher) DoBlockingSyncOp(req cryptodev.Request, timeout time.Duration) (cryptodev.Completion, error) {
	descs, err := b.Device.BulkAlloc(1)
	if err != nil {
		return cryptodev.Completion{}, err
	}
	accepted, err := b.Device.EnqueueBurst(descs, []cryptodev.Request{req})
	if err != nil {
		return cryptodev.Completion{}, err
	}
	if accepted == 0 {
		return cryptodev.Completion{}, asyncqueue.ErrQueueFull
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		completions, err := b.Device.DequeueBurst(b.BurstSize)
		if err != nil {
			return cryptodev.Completion{}, err
		}
		var found *cryptodev.Completion
		for i, c := range completions {
			if c.Token == req.Token {
				found = &completions[i]
				continue
			}
			b.ResumePacketHandling(c)
		}
		if found != nil {
			return *found, nil
		}
		time.Sleep(time.Millisecond)
	}
	return cryptodev.Completion{}, context.DeadlineExceeded
}
